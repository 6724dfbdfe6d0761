// Package swap — Azure Blob backend: same per-entry object layout as the S3
// backend, grounded on the teacher's ais/backend/azure.go client-setup
// convention (env-var account name/key, SharedKeyCredential).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package swap

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/NVIDIA/aislambda/process/mailbox"
)

const (
	azAccNameEnvVar = "AZURE_STORAGE_ACCOUNT"
	azAccKeyEnvVar  = "AZURE_STORAGE_KEY"
)

type azSwapper struct {
	container string
	client    *azblob.Client
}

// NewAzure builds the Azure Blob swap backend against containerName and
// registers it under the "az" scheme (spec.md §6 Config deployment-type).
func NewAzure(containerName string) (Swapper, error) {
	accName, accKey := os.Getenv(azAccNameEnvVar), os.Getenv(azAccKeyEnvVar)
	cred, err := azblob.NewSharedKeyCredential(accName, accKey)
	if err != nil {
		return nil, err
	}
	url := "https://" + accName + ".blob.core.windows.net/"
	cl, err := azblob.NewClientWithSharedKeyCredential(url, cred, nil)
	if err != nil {
		return nil, err
	}
	s := &azSwapper{container: containerName, client: cl}
	Register("az", s)
	return s, nil
}

func (a *azSwapper) blobName(loc Loc, procID, sub, name string) string {
	return loc.Path + "/" + procID + "/" + sub + "/" + name
}

func (a *azSwapper) Save(loc Loc, procID string, entries []mailbox.Entry, filesDir string) (int64, error) {
	ctx := context.Background()
	var total int64
	for _, e := range entries {
		sub := "messages"
		if e.IsState {
			sub = "state"
		}
		_, err := a.client.UploadBuffer(ctx, a.container, a.blobName(loc, procID, sub, e.Name), e.Payload, nil)
		if err != nil {
			return total, err
		}
		total += int64(len(e.Payload))
	}
	return total, nil
}

func (a *azSwapper) Load(loc Loc, procID string) ([]mailbox.Entry, error) {
	ctx := context.Background()
	prefix := loc.Path + "/" + procID + "/"
	var out []mailbox.Entry
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Segment.BlobItems {
			name := *it.Name
			rel := strings.TrimPrefix(name, prefix)
			parts := strings.SplitN(rel, "/", 2)
			if len(parts) != 2 {
				continue
			}
			sub, key := parts[0], parts[1]
			resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
			if err != nil {
				return nil, err
			}
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			out = append(out, mailbox.Entry{Name: key, Payload: b, IsState: sub == "state"})
		}
	}
	return out, nil
}

func (a *azSwapper) Delete(loc Loc, procID string) error {
	ctx := context.Background()
	prefix := loc.Path + "/" + procID + "/"
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, it := range page.Segment.BlobItems {
			if _, err := a.client.DeleteBlob(ctx, a.container, *it.Name, nil); err != nil {
				var respErr *azcore.ResponseError
				if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
					continue // deleted concurrently
				}
				return err
			}
		}
	}
	return nil
}
