package stores

import (
	"context"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/retry"
)

// Instrumented wraps a Store implementation with instrumentation and the
// retry of transient failures. Sentinel results (ErrNotFound,
// ErrPreconditionFailed) and authorization failures pass through unretried.
type Instrumented struct {
	Key    string // Label of the store in metrics and logs, typically its URL.
	Store  Store
	Policy retry.Policy
}

// NewInstrumented returns an Instrumented Store of |store| labeled by |key|.
func NewInstrumented(key string, store Store, policy retry.Policy) *Instrumented {
	return &Instrumented{Key: key, Store: store, Policy: policy}
}

// Provider returns the provider of the wrapped Store.
func (s *Instrumented) Provider() string { return s.Store.Provider() }

// IsAuthError delegates to the wrapped Store.
func (s *Instrumented) IsAuthError(err error) bool { return s.Store.IsAuthError(err) }

// Get returns an io.ReadCloser for content at the given path.
func (s *Instrumented) Get(ctx context.Context, path string) (io.ReadCloser, Version, error) {
	var rc io.ReadCloser
	var ver Version

	var err = s.do(ctx, "get", path, func() (err error) {
		rc, ver, err = s.Store.Get(ctx, path)
		return err
	})
	return rc, ver, err
}

// Put writes content to the store at the given path.
func (s *Instrumented) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64,
	contentEncoding string, mode WriteMode, expect Version) (Version, error) {

	var ver Version
	var err = s.do(ctx, "put", path, func() (err error) {
		ver, err = s.Store.Put(ctx, path, content, contentLength, contentEncoding, mode, expect)
		return err
	})

	// Track content size for successful puts
	if err == nil && contentLength > 0 {
		var encoding = contentEncoding
		if encoding == "" {
			encoding = "none"
		}
		storePutBytesTotal.WithLabelValues(s.Key, encoding).Add(float64(contentLength))
	}
	return ver, err
}

// List enumerates all objects under the given prefix. Listings are not
// retried once the callback has been invoked.
func (s *Instrumented) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var started bool
	var wrapped = func(path string, modTime time.Time) error {
		started = true
		return callback(path, modTime)
	}
	return s.do(ctx, "list", prefix, func() error {
		var err = s.Store.List(ctx, prefix, wrapped)
		if err != nil && started {
			return permanentError{err}
		}
		return err
	})
}

// Remove content at the given path.
func (s *Instrumented) Remove(ctx context.Context, path string) error {
	return s.do(ctx, "remove", path, func() error { return s.Store.Remove(ctx, path) })
}

func (s *Instrumented) do(ctx context.Context, operation, path string, fn func() error) error {
	var attempt int

	var err = retry.Do(ctx, s.Policy, s.transient, func() error {
		var started = time.Now()
		var err = fn()

		var status = "success"
		switch {
		case err == nil:
		case isSentinel(err):
			status = "sentinel"
		default:
			status = "error"
		}
		storeOperationTotal.WithLabelValues(s.Key, operation, status).Inc()
		storeOperationDuration.WithLabelValues(s.Key, operation, status).Observe(time.Since(started).Seconds())

		if status == "error" && s.transient(err) {
			log.WithFields(log.Fields{
				"store":     s.Key,
				"operation": operation,
				"path":      path,
				"attempt":   attempt,
				"err":       err,
			}).Debug("transient store failure")

			storeRetriesTotal.WithLabelValues(s.Key, operation).Inc()
		}
		attempt++
		return err
	})

	if pe, ok := err.(permanentError); ok {
		err = pe.error
	}
	return err
}

func (s *Instrumented) transient(err error) bool {
	if _, ok := err.(permanentError); ok {
		return false
	}
	return IsTransient(s.Store, err)
}

func isSentinel(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed)
}

// permanentError marks a failure which must not be retried.
type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }
