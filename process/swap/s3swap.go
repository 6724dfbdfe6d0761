// Package swap — S3 backend: each mailbox/state entry becomes one object
// keyed `<procID>/{messages,state}/<name>` in the configured bucket
// (spec.md §4.17 domain stack).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package swap

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/NVIDIA/aislambda/process/mailbox"
)

type s3Swapper struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3 builds the S3 swap backend for bucket and registers it under the
// "s3" scheme; call from main() once the deployment config names an S3
// bucket (spec.md §6 Config "deployment-type").
func NewS3(ctx context.Context, bucket string) (Swapper, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	cl := s3.NewFromConfig(cfg)
	s := &s3Swapper{bucket: bucket, client: cl, uploader: manager.NewUploader(cl)}
	Register("s3", s)
	return s, nil
}

func (s *s3Swapper) objKey(procID, sub, name string) string {
	return path.Join(procID, sub, name)
}

func (s *s3Swapper) Save(loc Loc, procID string, entries []mailbox.Entry, filesDir string) (int64, error) {
	ctx := context.Background()
	var total int64
	for _, e := range entries {
		sub := "messages"
		if e.IsState {
			sub = "state"
		}
		key := s.objKey(procID, sub, e.Name)
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(loc.Path + "/" + key),
			Body:   bytes.NewReader(e.Payload),
		})
		if err != nil {
			return total, err
		}
		total += int64(len(e.Payload))
	}
	return total, nil
}

func (s *s3Swapper) Load(loc Loc, procID string) ([]mailbox.Entry, error) {
	ctx := context.Background()
	prefix := loc.Path + "/" + procID + "/"
	var out []mailbox.Entry
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			parts := strings.SplitN(rel, "/", 2)
			if len(parts) != 2 {
				continue
			}
			sub, name := parts[0], parts[1]
			out_, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: obj.Key})
			if err != nil {
				return nil, err
			}
			b, err := io.ReadAll(out_.Body)
			out_.Body.Close()
			if err != nil {
				return nil, err
			}
			out = append(out, mailbox.Entry{Name: name, Payload: b, IsState: sub == "state"})
		}
	}
	return out, nil
}

func (s *s3Swapper) Delete(loc Loc, procID string) error {
	ctx := context.Background()
	prefix := loc.Path + "/" + procID + "/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket), Key: obj.Key,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
