package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for testing.
// Each write is assigned a Version from a store-wide sequence.
type MemoryStore struct {
	Content  map[string][]byte
	ModTimes map[string]time.Time
	Versions map[string]Version

	seq int64
	mu  sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Content:  make(map[string][]byte),
		ModTimes: make(map[string]time.Time),
		Versions: make(map[string]Version),
	}
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) Get(ctx context.Context, path string) (io.ReadCloser, Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), m.Versions[path], nil
}

func (m *MemoryStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64,
	contentEncoding string, mode WriteMode, expect Version) (Version, error) {

	// Read the entire content into memory
	var buf = make([]byte, contentLength)
	if contentLength != 0 {
		if _, err := content.ReadAt(buf, 0); err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read content: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current, exists = m.Versions[path]
	switch mode {
	case CreateNew:
		if exists {
			return "", ErrPreconditionFailed
		}
	case ReplaceExact:
		if !exists || current != expect {
			return "", ErrPreconditionFailed
		}
	}

	m.seq++
	var ver = Version(strconv.FormatInt(m.seq, 10))

	m.Content[path] = buf
	m.ModTimes[path] = time.Now()
	m.Versions[path] = ver
	return ver, nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	m.mu.RLock()
	var paths []string
	for fullPath := range m.Content {
		if strings.HasPrefix(fullPath, prefix) {
			paths = append(paths, fullPath)
		}
	}
	var modTimes = make([]time.Time, len(paths))
	for i, p := range paths {
		modTimes[i] = m.ModTimes[p]
	}
	m.mu.RUnlock()

	// Callbacks are invoked without holding the lock, so that they may
	// themselves Remove listed objects.
	for i, fullPath := range paths {
		if err := callback(strings.TrimPrefix(fullPath, prefix), modTimes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Content[path]; !ok {
		return ErrNotFound
	}
	delete(m.Content, path)
	delete(m.ModTimes, path)
	delete(m.Versions, path)
	return nil
}

func (m *MemoryStore) IsAuthError(err error) bool {
	return false
}
