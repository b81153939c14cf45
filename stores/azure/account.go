package azure

import (
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/stores"
)

// accountStore implements the Store interface for Azure Blob Storage
// using Shared Key authentication (azure:// scheme)
type accountStore struct {
	storeBase
}

// NewAccount creates a new Azure Account authenticated Store from the provided URL.
func NewAccount(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs

	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var container = ep.Host
	var prefix = ep.Path[1:]

	var storageAccount = os.Getenv("AZURE_ACCOUNT_NAME")
	var accountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	if storageAccount == "" || accountKey == "" {
		return nil, fmt.Errorf("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}

	credentials, err := azblob.NewSharedKeyCredential(storageAccount, accountKey)
	if err != nil {
		return nil, err
	}

	var store = &accountStore{
		storeBase: storeBase{
			storageAccount: storageAccount,
			blobDomain:     blobDomain(),
			container:      container,
			prefix:         prefix,
			args:           args,
			pipeline:       azblob.NewPipeline(credentials, azblob.PipelineOptions{}),
		},
	}

	log.WithFields(log.Fields{
		"storageAccount": storageAccount,
		"blobDomain":     store.blobDomain,
		"container":      container,
		"prefix":         prefix,
	}).Info("constructed new Azure Shared Key storage client")

	return store, nil
}

// blobDomain is the account blob domain, which may be overridden
// for sovereign clouds.
func blobDomain() string {
	if d := os.Getenv("AZURE_BLOB_DOMAIN"); d != "" {
		return d
	}
	return "blob.core.windows.net"
}
