// Package codecs compresses and decompresses stored payloads. Encoded
// payloads are self-describing: Sniff recognizes the codec of a stream
// from its leading magic bytes.
package codecs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec names a compression scheme.
type Codec string

const (
	None      Codec = "none"
	Gzip      Codec = "gzip"
	Snappy    Codec = "snappy"
	Zstandard Codec = "zstd"
)

// Validate returns an error if the Codec is not known.
func (c Codec) Validate() error {
	switch c {
	case None, Gzip, Snappy, Zstandard:
		return nil
	default:
		return fmt.Errorf("unsupported codec %q", string(c))
	}
}

// ContentEncoding is the HTTP Content-Encoding under which content of
// the Codec is stored, or empty if there is none.
func (c Codec) ContentEncoding() string {
	switch c {
	case Gzip:
		return "gzip"
	case Snappy:
		return "x-snappy-framed"
	case Zstandard:
		return "zstd"
	default:
		return ""
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %q", string(codec))
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %q", string(codec))
	}
}

// Encode returns |content| encoded with Codec.
func Encode(content []byte, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(content); err != nil {
		return nil, err
	} else if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Sniff peeks at the leading bytes of |br| to determine its Codec.
// Content which matches no known magic is None.
func Sniff(br *bufio.Reader) Codec {
	var b, _ = br.Peek(len(snappyMagic))

	switch {
	case bytes.HasPrefix(b, snappyMagic):
		return Snappy
	case bytes.HasPrefix(b, zstdMagic):
		return Zstandard
	case bytes.HasPrefix(b, gzipMagic):
		return Gzip
	default:
		return None
	}
}

// NewSniffingReader returns a Decompressor of |r|, which may be encoded
// with any Codec.
func NewSniffingReader(r io.Reader) (Decompressor, error) {
	var br = bufio.NewReader(r)
	return NewCodecReader(br, Sniff(br))
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
