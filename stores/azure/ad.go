package azure

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-storage-blob-go/azblob"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/stores"
)

// adStore implements the Store interface for Azure Blob Storage
// using Azure AD authentication (azure-ad:// scheme)
type adStore struct {
	storeBase
	tenantID string // Tenant that owns the storage account.
}

// NewAD creates a new Azure AD authenticated Store from the provided URL,
// of form azure-ad://tenant-id/storage-account/container/prefix/.
func NewAD(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs

	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var path = strings.Split(ep.Path[1:], "/")
	if len(path) < 2 {
		return nil, fmt.Errorf("azure-ad:// URL must include storage account and container: azure-ad://tenant-id/storage-account/container/prefix/")
	}

	var tenantID = ep.Host
	var storageAccount = path[0]
	var container = path[1]
	var prefix = strings.Join(path[2:], "/")

	var clientID = os.Getenv("AZURE_CLIENT_ID")
	var clientSecret = os.Getenv("AZURE_CLIENT_SECRET")

	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")
	}

	var credentials, err = azidentity.NewClientSecretCredential(
		tenantID,
		clientID,
		clientSecret,
		&azidentity.ClientSecretCredentialOptions{
			DisableInstanceDiscovery: true,
		},
	)
	if err != nil {
		return nil, err
	}

	var refreshFn = func(credential azblob.TokenCredential) time.Duration {
		if token, err := credentials.GetToken(
			context.Background(),
			policy.TokenRequestOptions{
				TenantID: tenantID,
				Scopes:   []string{"https://storage.azure.com/.default"}},
		); err != nil {
			log.WithFields(log.Fields{
				"err":    err,
				"tenant": tenantID,
			}).Errorf("failed to refresh Azure credential (will retry)")

			return time.Minute
		} else {
			credential.SetToken(token.Token)
			return token.ExpiresOn.Sub(time.Now().Add(time.Minute))
		}
	}
	var accessKey = azblob.NewTokenCredential("", refreshFn)

	var store = &adStore{
		storeBase: storeBase{
			storageAccount: storageAccount,
			blobDomain:     blobDomain(),
			container:      container,
			prefix:         prefix,
			args:           args,
			pipeline:       azblob.NewPipeline(accessKey, azblob.PipelineOptions{}),
		},
		tenantID: tenantID,
	}

	log.WithFields(log.Fields{
		"tenant":         tenantID,
		"storageAccount": storageAccount,
		"blobDomain":     store.blobDomain,
		"container":      container,
		"prefix":         prefix,
	}).Info("constructed new Azure AD storage client")

	return store, nil
}
