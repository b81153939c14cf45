// Package overflow externalizes benchmark output payloads which are too large
// to be stored inline within a result row-set.
//
// Overflow objects are write-once. Each is named for its experiment,
// benchmark file, output kind and index:
//
//	E{experimentID}F{benchmarkFileName}-stdout{index}
//	E{experimentID}F{benchmarkFileName}-stderr{index}
//
// Re-running a benchmark never overwrites prior output: Externalize probes
// upward from index zero for the first unused name, relying on the store's
// CreateNew write mode to arbitrate between concurrent writers.
package overflow

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/codecs"
	"go.perfstore.dev/core/stores"
)

// InlineLimit is the maximum number of characters of a payload which is
// stored inline. Characters are Unicode code points.
const InlineLimit = 4096

// Kind is the output stream of a payload.
type Kind int

const (
	Stdout Kind = iota
	Stderr
)

func (k Kind) String() string {
	switch k {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Kinds enumerates all output Kinds.
var Kinds = []Kind{Stdout, Stderr}

// IsInline returns true if |payload| is small enough to be stored inline.
func IsInline(payload string) bool {
	return utf8.RuneCountInString(payload) <= InlineLimit
}

// ObjectName returns the store path of an overflow object.
func ObjectName(experimentID int64, filename string, kind Kind, index int) string {
	return fmt.Sprintf("%s%s%d", filePrefix(experimentID, filename), kind, index)
}

func experimentPrefix(experimentID int64) string {
	return "E" + strconv.FormatInt(experimentID, 10) + "F"
}

func filePrefix(experimentID int64, filename string) string {
	return experimentPrefix(experimentID) + filename + "-"
}

// Store externalizes, dereferences and deletes overflow objects.
type Store struct {
	store stores.Store
	codec codecs.Codec
}

// New returns a Store of overflow objects held by |store|, which are
// compressed with |codec|.
func New(store stores.Store, codec codecs.Codec) *Store {
	return &Store{store: store, codec: codec}
}

// Externalize |payload| if it's too large to be stored inline, returning
// its allocated index. A nil index is returned for inline payloads.
func (s *Store) Externalize(ctx context.Context, experimentID int64, filename string, kind Kind, payload string) (*int, error) {
	if IsInline(payload) {
		return nil, nil
	}
	var content, err = codecs.Encode([]byte(payload), s.codec)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding payload")
	}
	var rdr = bytes.NewReader(content)

	for index := 0; ; index++ {
		var name = ObjectName(experimentID, filename, kind, index)

		_, err = s.store.Put(ctx, name, rdr, int64(len(content)), s.codec.ContentEncoding(), stores.CreateNew, "")
		if errors.Is(err, stores.ErrPreconditionFailed) {
			probesTotal.Inc()
			continue // Taken by a prior or concurrent run.
		} else if err != nil {
			return nil, errors.WithMessagef(err, "writing overflow object %s", name)
		}

		externalizedTotal.WithLabelValues(kind.String()).Inc()
		externalizedBytesTotal.WithLabelValues(kind.String()).Add(float64(len(payload)))

		log.WithFields(log.Fields{
			"name":  name,
			"bytes": len(payload),
			"codec": s.codec,
		}).Debug("externalized output payload")

		return &index, nil
	}
}

// Dereference returns a forward-only Stream of the overflow object.
// The object isn't opened until the Stream is first read.
func (s *Store) Dereference(ctx context.Context, experimentID int64, filename string, kind Kind, index int) *Stream {
	return &Stream{
		ctx:   ctx,
		store: s.store,
		name:  ObjectName(experimentID, filename, kind, index),
	}
}

// Delete removes a single overflow object. Failures are logged and ignored.
func (s *Store) Delete(ctx context.Context, experimentID int64, filename string, kind Kind, index int) {
	var name = ObjectName(experimentID, filename, kind, index)

	if err := s.store.Remove(ctx, name); err != nil && !errors.Is(err, stores.ErrNotFound) {
		log.WithFields(log.Fields{"name": name, "err": err}).
			Warn("failed to delete overflow object (ignoring)")
	}
}

var (
	// Matches the remainder of an object name following filePrefix.
	fileSuffixRe = regexp.MustCompile(`^(stdout|stderr)[0-9]+$`)
	// Matches the remainder of an object name following experimentPrefix.
	experimentSuffixRe = regexp.MustCompile(`^.*-(stdout|stderr)[0-9]+$`)
)

// DeleteAll removes all overflow objects of the benchmark file, returning
// the number removed. Failures are logged and ignored.
func (s *Store) DeleteAll(ctx context.Context, experimentID int64, filename string) int {
	var prefix = filePrefix(experimentID, filename)

	var removed, err = s.removeMatching(ctx, prefix, fileSuffixRe)
	if err != nil {
		log.WithFields(log.Fields{"prefix": prefix, "err": err}).
			Warn("failed to delete overflow objects (ignoring)")
	}
	return removed
}

// SweepExperiment removes every overflow object of the experiment,
// returning the number removed. Unlike DeleteAll, failures are returned so
// that a partial sweep may be retried.
func (s *Store) SweepExperiment(ctx context.Context, experimentID int64) (int, error) {
	var removed, err = s.removeMatching(ctx, experimentPrefix(experimentID), experimentSuffixRe)
	return removed, errors.WithMessagef(err, "sweeping overflow objects of experiment %d", experimentID)
}

func (s *Store) removeMatching(ctx context.Context, prefix string, re *regexp.Regexp) (int, error) {
	var names []string

	if err := s.store.List(ctx, prefix, func(path string, _ time.Time) error {
		if re.MatchString(path) {
			names = append(names, prefix+path)
		}
		return nil
	}); err != nil {
		return 0, errors.WithMessage(err, "listing overflow objects")
	}

	var removed int
	var firstErr error

	for _, name := range names {
		if err := s.store.Remove(ctx, name); err == nil || errors.Is(err, stores.ErrNotFound) {
			removed++
		} else if firstErr == nil {
			firstErr = errors.WithMessagef(err, "removing %s", name)
		}
	}
	return removed, firstErr
}

var (
	externalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_overflow_externalized_total",
		Help: "Number of output payloads externalized to overflow objects",
	}, []string{"kind"})

	externalizedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_overflow_externalized_bytes_total",
		Help: "Uncompressed bytes of output payloads externalized to overflow objects",
	}, []string{"kind"})

	probesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_overflow_index_probes_total",
		Help: "Number of overflow object indices found to be already taken",
	})
)
