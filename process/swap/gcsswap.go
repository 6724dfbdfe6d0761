// Package swap — Google Cloud Storage backend: same per-entry object
// layout as the S3/Azure backends (spec.md §4.17 domain stack).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package swap

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/NVIDIA/aislambda/process/mailbox"
)

type gcsSwapper struct {
	bucket string
	client *storage.Client
}

// NewGCS builds the GCS swap backend against bucketName and registers it
// under the "gs" scheme (spec.md §6 Config deployment-type).
func NewGCS(ctx context.Context, bucketName string) (Swapper, error) {
	cl, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	s := &gcsSwapper{bucket: bucketName, client: cl}
	Register("gs", s)
	return s, nil
}

func (g *gcsSwapper) objName(loc Loc, procID, sub, name string) string {
	return loc.Path + "/" + procID + "/" + sub + "/" + name
}

func (g *gcsSwapper) Save(loc Loc, procID string, entries []mailbox.Entry, filesDir string) (int64, error) {
	ctx := context.Background()
	bkt := g.client.Bucket(g.bucket)
	var total int64
	for _, e := range entries {
		sub := "messages"
		if e.IsState {
			sub = "state"
		}
		w := bkt.Object(g.objName(loc, procID, sub, e.Name)).NewWriter(ctx)
		if _, err := w.Write(e.Payload); err != nil {
			w.Close()
			return total, err
		}
		if err := w.Close(); err != nil {
			return total, err
		}
		total += int64(len(e.Payload))
	}
	return total, nil
}

func (g *gcsSwapper) Load(loc Loc, procID string) ([]mailbox.Entry, error) {
	ctx := context.Background()
	bkt := g.client.Bucket(g.bucket)
	prefix := loc.Path + "/" + procID + "/"
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []mailbox.Entry
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		parts := strings.SplitN(rel, "/", 2)
		if len(parts) != 2 {
			continue
		}
		sub, name := parts[0], parts[1]
		r, err := bkt.Object(attrs.Name).NewReader(ctx)
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, mailbox.Entry{Name: name, Payload: b, IsState: sub == "state"})
	}
	return out, nil
}

func (g *gcsSwapper) Delete(loc Loc, procID string) error {
	ctx := context.Background()
	bkt := g.client.Bucket(g.bucket)
	prefix := loc.Path + "/" + procID + "/"
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if err := bkt.Object(attrs.Name).Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}
