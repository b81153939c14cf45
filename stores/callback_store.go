package stores

import (
	"context"
	"io"
	"time"
)

// CallbackStore implements Store for testing with customizable behavior.
// It allows tests to provide callback functions for each Store method.
// Unset callbacks delegate to Inner, if set.
type CallbackStore struct {
	Inner Store

	ProviderFunc    func() string
	GetFunc         func(ctx context.Context, path string) (io.ReadCloser, Version, error)
	PutFunc         func(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string, mode WriteMode, expect Version) (Version, error)
	ListFunc        func(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error
	RemoveFunc      func(ctx context.Context, path string) error
	IsAuthErrorFunc func(error) bool
}

// Provider returns the provider name, or "callback" if ProviderFunc is nil.
func (c *CallbackStore) Provider() string {
	if c.ProviderFunc != nil {
		return c.ProviderFunc()
	}
	return "callback"
}

// Get calls GetFunc if set.
func (c *CallbackStore) Get(ctx context.Context, path string) (io.ReadCloser, Version, error) {
	if c.GetFunc != nil {
		return c.GetFunc(ctx, path)
	} else if c.Inner != nil {
		return c.Inner.Get(ctx, path)
	}
	return nil, "", ErrNotFound
}

// Put calls PutFunc if set.
func (c *CallbackStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string, mode WriteMode, expect Version) (Version, error) {
	if c.PutFunc != nil {
		return c.PutFunc(ctx, path, content, contentLength, contentEncoding, mode, expect)
	} else if c.Inner != nil {
		return c.Inner.Put(ctx, path, content, contentLength, contentEncoding, mode, expect)
	}
	return "", nil
}

// List calls ListFunc if set.
func (c *CallbackStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	if c.ListFunc != nil {
		return c.ListFunc(ctx, prefix, callback)
	} else if c.Inner != nil {
		return c.Inner.List(ctx, prefix, callback)
	}
	return nil
}

// Remove calls RemoveFunc if set.
func (c *CallbackStore) Remove(ctx context.Context, path string) error {
	if c.RemoveFunc != nil {
		return c.RemoveFunc(ctx, path)
	} else if c.Inner != nil {
		return c.Inner.Remove(ctx, path)
	}
	return nil
}

// IsAuthError calls IsAuthErrorFunc if set, otherwise returns false.
func (c *CallbackStore) IsAuthError(err error) bool {
	if c.IsAuthErrorFunc != nil {
		return c.IsAuthErrorFunc(err)
	} else if c.Inner != nil {
		return c.Inner.IsAuthError(err)
	}
	return false
}
