// Package azure implements stores.Store over Azure Blob Storage, with
// shared-key (azure://) and Azure AD (azure-ad://) authentication.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"go.perfstore.dev/core/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an azure:// or azure-ad:// store URL.
type StoreQueryArgs struct {
	// AccessTier of uploaded blobs (eg, "Hot" or "Cool"). If empty, the
	// account default is used.
	AccessTier string
}

// storeBase provides common Azure storage operations
type storeBase struct {
	args           StoreQueryArgs
	storageAccount string // Storage accounts in Azure are the equivalent to a "bucket" in S3
	blobDomain     string // The domain of the blob storage account (e.g. blob.core.windows.net)
	container      string // In azure, blobs are stored inside of containers, which live inside accounts
	prefix         string // This is the path prefix for the blobs inside the container
	pipeline       pipeline.Pipeline
}

func (a *storeBase) Provider() string { return "azure" }

func (a *storeBase) Get(ctx context.Context, path string) (io.ReadCloser, stores.Version, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return nil, "", err
	}
	download, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, "", mapError(err)
	}
	return download.Body(azblob.RetryReaderOptions{}), stores.Version(download.ETag()), nil
}

func (a *storeBase) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64,
	contentEncoding string, mode stores.WriteMode, expect stores.Version) (stores.Version, error) {

	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return "", err
	}
	var headers = azblob.BlobHTTPHeaders{}
	if contentEncoding != "" {
		headers.ContentEncoding = contentEncoding
	}
	var conditions = azblob.BlobAccessConditions{}
	switch mode {
	case stores.CreateNew:
		conditions.ModifiedAccessConditions.IfNoneMatch = azblob.ETagAny
	case stores.ReplaceExact:
		conditions.ModifiedAccessConditions.IfMatch = azblob.ETag(expect)
	}
	var tier = azblob.DefaultAccessTier
	if a.args.AccessTier != "" {
		tier = azblob.AccessTierType(a.args.AccessTier)
	}

	// Azure SDK requires io.ReadSeeker, so we use io.NewSectionReader to adapt io.ReaderAt
	var sectionReader = io.NewSectionReader(content, 0, contentLength)
	resp, err := blobURL.Upload(ctx, sectionReader, headers, azblob.Metadata{}, conditions, tier,
		azblob.BlobTagsMap{}, azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	if err != nil {
		if err = mapError(err); mode == stores.ReplaceExact && errors.Is(err, stores.ErrNotFound) {
			err = stores.ErrPreconditionFailed
		}
		return "", err
	}
	return stores.Version(resp.ETag()), nil
}

func (a *storeBase) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = a.prefix + prefix

	var u, err = url.Parse(a.containerURL())
	if err != nil {
		return err
	}
	var containerURL = azblob.NewContainerURL(*u, a.pipeline)
	var options = azblob.ListBlobsSegmentOptions{Prefix: prefix}
	for marker := (azblob.Marker{}); marker.NotDone(); {
		var segmentList, err = containerURL.ListBlobsFlatSegment(ctx, marker, options)
		if err != nil {
			return err
		}
		for _, blob := range segmentList.Segment.BlobItems {
			if strings.HasSuffix(blob.Name, "/") {
				continue // Ignore directory-like objects
			}
			// Return path relative to the listing prefix
			if err := callback(strings.TrimPrefix(blob.Name, prefix), blob.Properties.LastModified); err != nil {
				return err
			}
		}
		marker = segmentList.NextMarker
	}
	return nil
}

func (a *storeBase) Remove(ctx context.Context, path string) error {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	return mapError(err)
}

func (a *storeBase) IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	if storageErr, ok := err.(azblob.StorageError); ok {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeContainerNotFound,
			azblob.ServiceCodeContainerDisabled,
			azblob.ServiceCodeAccountIsDisabled:
			return true
		}

		if storageErr.Response() != nil {
			switch storageErr.Response().StatusCode {
			case http.StatusForbidden:
				return true
			}
		}
	}

	return false
}

func (a *storeBase) buildBlobURL(path string) (*azblob.BlockBlobURL, error) {
	var u, err = url.Parse(fmt.Sprint(a.containerURL(), "/", a.prefix+path))
	if err != nil {
		return nil, err
	}
	var blobURL = azblob.NewBlockBlobURL(*u, a.pipeline)
	return &blobURL, nil
}

func azureStorageURL(storageAccount string, blobDomain string) string {
	return fmt.Sprintf("https://%s.%s", storageAccount, blobDomain)
}

func (a *storeBase) containerURL() string {
	return fmt.Sprintf("%s/%s", azureStorageURL(a.storageAccount, a.blobDomain), a.container)
}

// mapError maps blob-level service codes onto the sentinel errors of
// package stores.
func mapError(err error) error {
	var storageErr, ok = err.(azblob.StorageError)
	if !ok {
		return err
	}
	switch storageErr.ServiceCode() {
	case azblob.ServiceCodeBlobNotFound:
		return stores.ErrNotFound
	case azblob.ServiceCodeConditionNotMet, azblob.ServiceCodeBlobAlreadyExists:
		return stores.ErrPreconditionFailed
	}
	if resp := storageErr.Response(); resp != nil && resp.StatusCode == http.StatusPreconditionFailed {
		return stores.ErrPreconditionFailed
	}
	return err
}
