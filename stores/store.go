// Package stores provides an abstraction over cloud object storage systems
// supporting conditional (version-matched) writes, which is the only
// concurrency primitive the result store layers rely upon.
package stores

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"
)

// Version is an opaque token of a persisted object's revision, such as an
// ETag or a GCS generation. The empty Version means "no object".
type Version string

// WriteMode selects the precondition of a Put.
type WriteMode int

const (
	// CreateNew requires that no object exists at the path.
	CreateNew WriteMode = iota
	// CreateOrReplace writes unconditionally.
	CreateOrReplace
	// ReplaceExact requires that the object exists at exactly the expected Version.
	ReplaceExact
)

func (m WriteMode) String() string {
	switch m {
	case CreateNew:
		return "CreateNew"
	case CreateOrReplace:
		return "CreateOrReplace"
	case ReplaceExact:
		return "ReplaceExact"
	default:
		return "WriteMode(?)"
	}
}

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned by Put when its WriteMode precondition
	// does not hold: the object already exists (CreateNew), or it's absent or
	// at a different Version (ReplaceExact).
	ErrPreconditionFailed = errors.New("write precondition failed")
)

// Store provides an abstraction over cloud storage systems.
type Store interface {
	// Provider returns the name of the storage backend (e.g., "s3", "gcs", "azure", "fs").
	Provider() string

	// Get returns an io.ReadCloser for content at the given path, and the
	// Version of the content being read. It returns ErrNotFound if no
	// object exists at the path.
	Get(ctx context.Context, path string) (io.ReadCloser, Version, error)

	// Put writes content to the store at the given path subject to the
	// precondition of |mode|. |expect| is consulted only by ReplaceExact.
	// contentEncoding is used to set appropriate headers (e.g., "gzip" for compressed content).
	// On success, the Version of the written object is returned.
	Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64,
		contentEncoding string, mode WriteMode, expect Version) (Version, error)

	// List enumerates all objects under the given prefix.
	// The callback receives the path relative to the prefix and modification time for each object.
	// For example, if prefix is "foo/bar/" and an object "foo/bar/baz.txt" exists,
	// the callback will be invoked with "baz.txt" as the path.
	// If the callback returns an error, listing is terminated and that error is returned.
	List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error

	// Remove deletes content at the given path.
	// It returns ErrNotFound if no object exists at the path.
	Remove(ctx context.Context, path string) error

	// IsAuthError returns true if the error represents an authorization failure
	// (e.g., missing permissions, bucket not found, access denied).
	// Authorization failures are never retried.
	IsAuthError(error) bool
}

// Constructor is a function that creates a Store instance from a URL.
// Each storage backend provides its own constructor implementation.
type Constructor func(*url.URL) (Store, error)

// IsTransient returns true if |err| may succeed if retried against |s|.
// Sentinel results, authorization failures, and context errors are permanent.
func IsTransient(s Store, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPreconditionFailed):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case s.IsAuthError(err):
		return false
	default:
		return true
	}
}
