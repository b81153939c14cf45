package ids

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.perfstore.dev/core/stores"
)

// StoreCounter is a Counter held as a decimal text object of a stores.Store.
type StoreCounter struct {
	store stores.Store
	path  string
}

// NewStoreCounter returns a StoreCounter of the object at |path| of |store|.
func NewStoreCounter(store stores.Store, path string) *StoreCounter {
	return &StoreCounter{store: store, path: path}
}

// Read implements Counter.
func (c *StoreCounter) Read(ctx context.Context) (int64, stores.Version, error) {
	var rc, version, err = c.store.Get(ctx, c.path)
	if errors.Is(err, stores.ErrNotFound) {
		return 0, "", nil
	} else if err != nil {
		return 0, "", errors.WithMessagef(err, "reading counter %s", c.path)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return 0, "", errors.WithMessagef(err, "reading counter %s", c.path)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, "", errors.WithMessagef(err, "parsing counter %s", c.path)
	}
	return value, version, nil
}

// TryWrite implements Counter.
func (c *StoreCounter) TryWrite(ctx context.Context, value int64, expect stores.Version) (bool, error) {
	var content = []byte(strconv.FormatInt(value, 10))
	var mode = stores.CreateNew
	if expect != "" {
		mode = stores.ReplaceExact
	}

	var _, err = c.store.Put(ctx, c.path, bytes.NewReader(content), int64(len(content)), "", mode, expect)
	if errors.Is(err, stores.ErrPreconditionFailed) {
		return false, nil
	} else if err != nil {
		return false, errors.WithMessagef(err, "writing counter %s", c.path)
	}
	return true, nil
}
