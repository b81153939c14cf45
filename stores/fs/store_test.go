package fs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.perfstore.dev/core/stores"
)

func newTestStore(t *testing.T) stores.Store {
	var root = t.TempDir()
	var prev = FileSystemStoreRoot
	FileSystemStoreRoot = root
	t.Cleanup(func() { FileSystemStoreRoot = prev })

	require.NoError(t, os.MkdirAll(filepath.Join(root, "results"), 0750))

	var ep, _ = url.Parse("file:///results/")
	var s, err = New(ep)
	require.NoError(t, err)
	return s
}

func TestFileStoreWriteModes(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var put = func(content string, mode stores.WriteMode, expect stores.Version) (stores.Version, error) {
		return s.Put(ctx, "7.csv.zip", strings.NewReader(content), int64(len(content)), "", mode, expect)
	}

	var _, err = put("one", stores.ReplaceExact, "bogus")
	require.Equal(t, stores.ErrPreconditionFailed, err)

	v1, err := put("one", stores.CreateNew, "")
	require.NoError(t, err)
	_, err = put("one", stores.CreateNew, "")
	require.Equal(t, stores.ErrPreconditionFailed, err)

	v2, err := put("two!", stores.ReplaceExact, v1)
	require.NoError(t, err)
	_, err = put("three", stores.ReplaceExact, v1)
	require.Equal(t, stores.ErrPreconditionFailed, err)

	rc, ver, err := s.Get(ctx, "7.csv.zip")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.Equal(t, "two!", string(b))
	require.Equal(t, v2, ver)

	require.NoError(t, s.Remove(ctx, "7.csv.zip"))
	require.Equal(t, stores.ErrNotFound, s.Remove(ctx, "7.csv.zip"))
	_, _, err = s.Get(ctx, "7.csv.zip")
	require.Equal(t, stores.ErrNotFound, err)
}

func TestFileStoreListByNamePrefix(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	for _, p := range []string{"E1Fa.smt2-stdout0", "E1Fa.smt2-stdout1", "E12Fb-stderr0", "E2Fa-stdout0"} {
		_, err := s.Put(ctx, p, strings.NewReader(p), int64(len(p)), "", stores.CreateNew, "")
		require.NoError(t, err)
	}

	var listed []string
	require.NoError(t, s.List(ctx, "E1F", func(path string, _ time.Time) error {
		listed = append(listed, path)
		return nil
	}))
	require.ElementsMatch(t, []string{"a.smt2-stdout0", "a.smt2-stdout1"}, listed)
}

func TestFileStorePassesCheck(t *testing.T) {
	require.NoError(t, stores.Check(context.Background(), newTestStore(t)))
}

func TestFileStoreIsAuthError(t *testing.T) {
	var s = &store{}
	require.True(t, s.IsAuthError(os.ErrPermission))
	require.False(t, s.IsAuthError(nil))
	require.False(t, s.IsAuthError(io.EOF))
}
