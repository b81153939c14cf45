// Package fs implements a stores.Store over the local filesystem.
package fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/stores"
)

// FileSystemStoreRoot is the filesystem path which roots paths of a file://
// store. It must be set at program startup prior to use.
var FileSystemStoreRoot = "/dev/null/must/configure/file/store/root"

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// store URL.
type StoreQueryArgs struct {
	// Mode of created files, in octal. Defaults to 0640.
	FileMode string
}

type store struct {
	args   StoreQueryArgs
	prefix string
	mode   os.FileMode

	// Serializes conditional writes within this process. CreateNew is also
	// atomic across processes (by hard-linking), but ReplaceExact is not.
	mu sync.Mutex
}

// New creates a new filesystem Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var s = &store{prefix: ep.Path, mode: 0640}

	if err := stores.ParseStoreArgs(ep, &s.args); err != nil {
		return nil, err
	}
	if s.args.FileMode != "" {
		var m uint32
		if _, err := fmt.Sscanf(s.args.FileMode, "%o", &m); err != nil {
			return nil, fmt.Errorf("parsing FileMode %q: %w", s.args.FileMode, err)
		}
		s.mode = os.FileMode(m)
	}
	return s, nil
}

func (s *store) Provider() string { return "fs" }

func (s *store) Get(_ context.Context, path string) (io.ReadCloser, stores.Version, error) {
	// Read fully, so that the returned Version describes exactly the
	// content being returned.
	var b, err = os.ReadFile(s.fsPath(path))
	if os.IsNotExist(err) {
		return nil, "", stores.ErrNotFound
	} else if err != nil {
		return nil, "", err
	}
	return io.NopCloser(bytes.NewReader(b)), versionOf(b), nil
}

func (s *store) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64,
	_ string, mode stores.WriteMode, expect stores.Version) (stores.Version, error) {

	// Verify that the base directory exists (FileSystemStoreRoot + prefix)
	var baseDir = filepath.Join(FileSystemStoreRoot, filepath.FromSlash(s.prefix))
	if _, err := os.Stat(baseDir); err != nil {
		return "", fmt.Errorf("%s %s: %w", invalidFileStoreDirectory, baseDir, err)
	}
	var fsPath = s.fsPath(path)

	if err := os.MkdirAll(filepath.Dir(fsPath), 0750); err != nil {
		return "", err
	}

	var f, err = os.CreateTemp(filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return "", err
	}
	defer func(name string) {
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": fsPath}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	var digest = sha256.New()
	_, err = io.Copy(io.MultiWriter(f, digest), io.NewSectionReader(content, 0, contentLength))
	if err == nil {
		err = f.Chmod(s.mode)
	}
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case stores.CreateNew:
		// Link fails if |fsPath| exists, making creation atomic.
		if err = os.Link(f.Name(), fsPath); os.IsExist(err) {
			return "", stores.ErrPreconditionFailed
		} else if err != nil {
			return "", err
		}
	case stores.ReplaceExact:
		if cur, err := os.ReadFile(fsPath); os.IsNotExist(err) {
			return "", stores.ErrPreconditionFailed
		} else if err != nil {
			return "", err
		} else if versionOf(cur) != expect {
			return "", stores.ErrPreconditionFailed
		}
		fallthrough
	default:
		if err = os.Rename(f.Name(), fsPath); err != nil {
			return "", err
		}
	}

	return stores.Version(hex.EncodeToString(digest.Sum(nil))), nil
}

func (s *store) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var dir = s.fsPath(prefix)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		// |prefix| may name a partial file name rather than a directory.
		dir = filepath.Dir(dir)
		if _, err = os.Stat(dir); os.IsNotExist(err) {
			return nil
		}
	}
	var root = s.fsPath("")

	return filepath.Walk(dir,
		func(name string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			} else if info.IsDir() {
				return nil // Descend into directory.
			} else if strings.HasPrefix(info.Name(), ".partial-") {
				return nil // Skip in-progress writes.
			}

			// Convert absolute path to relative path from the store root.
			relPath, err := filepath.Rel(root, name)
			if err != nil {
				return err
			}
			relPath = filepath.ToSlash(relPath)

			if !strings.HasPrefix(relPath, prefix) {
				return nil
			}
			return callback(strings.TrimPrefix(relPath, prefix), info.ModTime())
		})
}

func (s *store) Remove(_ context.Context, path string) error {
	if err := os.Remove(s.fsPath(path)); os.IsNotExist(err) {
		return stores.ErrNotFound
	} else {
		return err
	}
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission) || os.IsPermission(err) || strings.Contains(err.Error(), invalidFileStoreDirectory)
}

func (s *store) fsPath(path string) string {
	return filepath.Join(FileSystemStoreRoot, filepath.FromSlash(s.prefix+path))
}

// versionOf is the content digest. Rewriting identical content yields the
// same Version, which is harmless to a compare-and-swap over that content.
func versionOf(b []byte) stores.Version {
	var sum = sha256.Sum256(b)
	return stores.Version(hex.EncodeToString(sum[:]))
}

const invalidFileStoreDirectory = "invalid file store directory"
