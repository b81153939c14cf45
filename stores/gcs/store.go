// Package gcs implements a stores.Store over Google Cloud Storage, using
// object generations as Versions.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/stores"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a gs:// store URL.
type StoreQueryArgs struct {
	// StorageClass applied to written objects. If empty, the bucket default.
	StorageClass string
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *storage.Client
}

// to help identify when JSON credentials are an external account used by workload identity
type credentialsFile struct {
	Type string `json:"type"`
}

// New creates a new GCS Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	// Omit leading slash from bucket prefix. Note that stores.Open already
	// enforces that URL Paths end in '/'.
	var bucket, prefix = ep.Host, ep.Path[1:]
	var ctx = context.Background()

	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
	if err != nil {
		return nil, err
	}
	var client *storage.Client

	// best effort to determine if JWT credentials are for external account
	externalAccount := false
	if creds.JSON != nil {
		var f credentialsFile
		if err := json.Unmarshal(creds.JSON, &f); err == nil {
			externalAccount = f.Type == "external_account"
		}
	}

	if creds.JSON != nil && !externalAccount {
		conf, err := google.JWTConfigFromJSON(creds.JSON, storage.ScopeReadWrite)
		if err != nil {
			return nil, err
		}
		if client, err = storage.NewClient(ctx, option.WithTokenSource(conf.TokenSource(ctx))); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"ProjectID":      creds.ProjectID,
			"GoogleAccessID": conf.Email,
			"PrivateKeyID":   conf.PrivateKeyID,
		}).Info("constructed new GCS client")
	} else {
		// Possible to use GCS without a service account (e.g. with a GCE instance and workload identity).
		if client, err = storage.NewClient(ctx, option.WithTokenSource(creds.TokenSource)); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"ProjectID": creds.ProjectID,
		}).Info("constructed new GCS client without JWT")
	}

	return &store{
		bucket: bucket,
		prefix: prefix,
		args:   args,
		client: client,
	}, nil
}

func (s *store) Provider() string { return "gcs" }

func (s *store) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path)
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, stores.Version, error) {
	var r, err = s.object(path).NewReader(ctx)
	if err != nil {
		return nil, "", mapError(err)
	}
	return r, generationVersion(r.Attrs.Generation), nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64,
	contentEncoding string, mode stores.WriteMode, expect stores.Version) (stores.Version, error) {

	var obj = s.object(path)

	switch mode {
	case stores.CreateNew:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	case stores.ReplaceExact:
		var gen, err = strconv.ParseInt(string(expect), 10, 64)
		if err != nil || gen == 0 {
			return "", stores.ErrPreconditionFailed
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wc = obj.NewWriter(ctx)

	if contentEncoding != "" {
		wc.ContentEncoding = contentEncoding
	}
	if s.args.StorageClass != "" {
		wc.StorageClass = s.args.StorageClass
	}
	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	if _, err := io.Copy(wc, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return "", mapError(err)
	}
	if err := wc.Close(); err != nil {
		return "", mapError(err)
	}
	return generationVersion(wc.Attrs().Generation), nil
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var (
		it  = s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		obj *storage.ObjectAttrs
		err error
	)
	for obj, err = it.Next(); err == nil; obj, err = it.Next() {
		if strings.HasSuffix(obj.Name, "/") {
			continue // Ignore directory-like objects
		}
		// Return path relative to the listing prefix
		if err := callback(strings.TrimPrefix(obj.Name, prefix), obj.Updated); err != nil {
			return err
		}
	}
	if err == iterator.Done {
		err = nil
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	return mapError(s.object(path).Delete(ctx))
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}

	// Check for Google API errors that indicate AuthZ failures.
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusForbidden:
			return true
		case http.StatusNotFound:
			// Only treat bucket-level 404s as AuthZ failures, not object-level.
			if strings.Contains(gErr.Message, "bucket") {
				return true
			}
		}
	}

	return false
}

func mapError(err error) error {
	if err == nil {
		return nil
	} else if errors.Is(err, storage.ErrObjectNotExist) {
		return stores.ErrNotFound
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
		return stores.ErrPreconditionFailed
	}
	return err
}

func generationVersion(gen int64) stores.Version {
	return stores.Version(strconv.FormatInt(gen, 10))
}
