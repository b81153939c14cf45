package overflow

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.perfstore.dev/core/codecs"
	"go.perfstore.dev/core/stores"
)

// Stream is a forward-only reader of an overflow object. The object is
// opened on first Read and decompressed as it's read; it's never buffered
// in full. Stream does not support seeking: Reset is the only means of
// re-reading, and it restarts from the beginning by re-opening the object.
type Stream struct {
	ctx   context.Context
	store stores.Store
	name  string

	raw io.ReadCloser
	dec codecs.Decompressor
}

// Name of the overflow object read by the Stream.
func (s *Stream) Name() string { return s.name }

// Read the next bytes of the payload. If the overflow object doesn't exist,
// an error matching stores.ErrNotFound is returned.
func (s *Stream) Read(p []byte) (int, error) {
	if s.dec == nil {
		if err := s.open(); err != nil {
			return 0, err
		}
	}
	return s.dec.Read(p)
}

// Reset the Stream to the beginning of the payload.
func (s *Stream) Reset() error { return s.Close() }

// Close the Stream, releasing its underlying reader. A closed Stream may be
// read again, starting from the beginning of the payload.
func (s *Stream) Close() error {
	if s.raw == nil {
		return nil
	}
	var err = s.dec.Close()
	if rErr := s.raw.Close(); err == nil {
		err = rErr
	}
	s.raw, s.dec = nil, nil
	return err
}

func (s *Stream) open() error {
	var rc, _, err = s.store.Get(s.ctx, s.name)
	if err != nil {
		return errors.WithMessagef(err, "opening overflow object %s", s.name)
	}
	dec, err := codecs.NewSniffingReader(rc)
	if err != nil {
		rc.Close()
		return errors.WithMessagef(err, "decoding overflow object %s", s.name)
	}
	s.raw, s.dec = rc, dec
	return nil
}
