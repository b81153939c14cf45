// Package s3 implements a stores.Store over Amazon S3 and S3-compatible
// services which support conditional writes.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an s3:// store URL.
type StoreQueryArgs struct {
	// AWS Profile to extract credentials from the shared credentials file.
	// If empty, the default credentials are used.
	Profile string
	// Endpoint to connect to S3. If empty, the default S3 service is used.
	Endpoint string
	// Storage class applied when persisting new objects. By default,
	// this is types.StorageClassStandard.
	StorageClass string
	// SSE is the server-side encryption type to be applied (eg, "AES256").
	// By default, encryption is not used.
	SSE string
	// SSEKMSKeyId specifies the ID for the AWS KMS symmetric customer managed key
	// By default, not used.
	SSEKMSKeyId string
	// Region is the region for the bucket. If empty, the region is determined
	// from `Profile` or the default credentials.
	Region string
}

// API is the subset of *s3.Client used by the store.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client API
}

// New creates a new S3 Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var opts = []func(*config.LoadOptions) error{
		config.WithSharedConfigProfile(args.Profile),
	}
	if args.Region != "" {
		opts = append(opts, config.WithRegion(args.Region))
	}
	if args.Endpoint == "" {
		// Real S3. Override the default http.Transport's behavior of inserting
		// "Accept-Encoding: gzip" and transparently decompressing client-side.
		opts = append(opts, config.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		}))
	}

	awsConfig, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for profile %q: %w", args.Profile, err)
	}
	// The SDK will always just return an error if the Region is not set, even if
	// the Endpoint was provided explicitly. It's important to fail-fast in this case.
	if awsConfig.Region == "" {
		return nil, fmt.Errorf("missing AWS region configuration for profile %q", args.Profile)
	}

	creds, err := awsConfig.Credentials.Retrieve(context.Background())
	if err != nil {
		return nil, fmt.Errorf("fetching AWS credentials for profile %q: %w", args.Profile, err)
	}

	log.WithFields(log.Fields{
		"endpoint": args.Endpoint,
		"profile":  args.Profile,
		"region":   awsConfig.Region,
		"keyID":    creds.AccessKeyID,
		"source":   creds.Source,
	}).Info("constructed new S3 client")

	var client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if args.Endpoint != "" {
			o.BaseEndpoint = aws.String(args.Endpoint)
			// We must force path style because bucket-named virtual hosts
			// are not compatible with explicit endpoints.
			o.UsePathStyle = true
		}
	})

	// Omit leading slash from bucket prefix. Note that stores.Open already
	// enforces that URL Paths end in '/'.
	return NewWithClient(client, ep.Host, ep.Path[1:], args), nil
}

// NewWithClient returns a Store of |bucket| and |prefix| using the given client.
func NewWithClient(client API, bucket, prefix string, args StoreQueryArgs) stores.Store {
	return &store{bucket: bucket, prefix: prefix, args: args, client: client}
}

func (s *store) Provider() string { return "s3" }

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, stores.Version, error) {
	var resp, err = s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + path),
	})
	if err != nil {
		return nil, "", s.mapError(err)
	}
	return resp.Body, stores.Version(aws.ToString(resp.ETag)), nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64,
	contentEncoding string, mode stores.WriteMode, expect stores.Version) (stores.Version, error) {

	// S3 SDK requires io.ReadSeeker, so we use io.NewSectionReader to adapt io.ReaderAt
	var putObj = s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + path),
		Body:          io.NewSectionReader(content, 0, contentLength),
		ContentLength: aws.Int64(contentLength),
	}

	switch mode {
	case stores.CreateNew:
		putObj.IfNoneMatch = aws.String("*")
	case stores.ReplaceExact:
		putObj.IfMatch = aws.String(string(expect))
	}
	if s.args.StorageClass != "" {
		putObj.StorageClass = types.StorageClass(s.args.StorageClass)
	}
	if s.args.SSE != "" {
		putObj.ServerSideEncryption = types.ServerSideEncryption(s.args.SSE)
	}
	if s.args.SSEKMSKeyId != "" {
		putObj.SSEKMSKeyId = aws.String(s.args.SSEKMSKeyId)
	}
	if contentEncoding != "" {
		putObj.ContentEncoding = aws.String(contentEncoding)
	}

	var resp, err = s.client.PutObject(ctx, &putObj)
	if err != nil {
		if mode == stores.ReplaceExact && errors.Is(s.mapError(err), stores.ErrNotFound) {
			return "", stores.ErrPreconditionFailed
		}
		return "", s.mapError(err)
	}
	return stores.Version(aws.ToString(resp.ETag)), nil
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix

	var paginator = s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		var page, err = paginator.NextPage(ctx)
		if err != nil {
			return s.mapError(err)
		}
		for _, obj := range page.Contents {
			var key = aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // Ignore directory-like objects
			}
			if err = callback(strings.TrimPrefix(key, prefix), aws.ToTime(obj.LastModified)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *store) Remove(ctx context.Context, path string) error {
	var key = aws.String(s.prefix + path)

	// S3 deletes are idempotent and don't report absence, so check first.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    key,
	}); err != nil {
		return s.mapError(err)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    key,
	})
	return s.mapError(err)
}

func (s *store) IsAuthError(err error) bool {
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusForbidden {
		return true
	}
	return false
}

// mapError maps S3 not-found and conditional-write failures onto the
// sentinel errors of package stores.
func (s *store) mapError(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return stores.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return stores.ErrPreconditionFailed
		case "NoSuchKey":
			return stores.ErrNotFound
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusPreconditionFailed, http.StatusConflict:
			return stores.ErrPreconditionFailed
		}
	}
	return err
}
