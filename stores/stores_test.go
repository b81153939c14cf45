package stores

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// clearStores is a test helper to reset the global state
func clearStores() {
	storesMu.Lock()
	defer storesMu.Unlock()
	constructors = make(map[string]Constructor)
}

func TestRegisterAndOpen(t *testing.T) {
	clearStores()

	RegisterProviders(map[string]Constructor{
		"mock": func(u *url.URL) (Store, error) {
			return &CallbackStore{ProviderFunc: func() string { return u.Host + u.Path }}, nil
		},
		"error": func(u *url.URL) (Store, error) {
			return nil, errors.New("constructor error")
		},
	})
	require.Len(t, GetProviders(), 2)

	var s, err = Open("mock://bucket/prefix/")
	require.NoError(t, err)
	require.Equal(t, "bucket/prefix/", s.Provider())

	_, err = Open("error://bucket/prefix/")
	require.EqualError(t, err, "constructor error")

	_, err = Open("s3://bucket/prefix/")
	require.EqualError(t, err, "unsupported store scheme: s3")

	_, err = Open("mock://bucket/no-slash")
	require.EqualError(t, err, "store URL path must end in '/': mock://bucket/no-slash")
}

func TestGetProvidersReturnsCopy(t *testing.T) {
	clearStores()
	RegisterProviders(map[string]Constructor{
		"file": func(u *url.URL) (Store, error) { return NewMemoryStore(), nil },
	})

	var got = GetProviders()
	delete(got, "file")

	storesMu.RLock()
	require.Len(t, constructors, 1)
	storesMu.RUnlock()
}

func TestParseStoreArgs(t *testing.T) {
	var args struct {
		Region   string
		Endpoint string
	}
	var ep, _ = url.Parse("s3://bucket/prefix/?Region=us-east-1&Endpoint=http://localhost:9000")
	require.NoError(t, ParseStoreArgs(ep, &args))
	require.Equal(t, "us-east-1", args.Region)
	require.Equal(t, "http://localhost:9000", args.Endpoint)

	ep, _ = url.Parse("s3://bucket/prefix/?Unknown=1")
	require.Error(t, ParseStoreArgs(ep, &args))
}
