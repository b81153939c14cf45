package stores

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructors = make(map[string]Constructor)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// GetProviders returns a copy of the currently registered store constructors.
// This is useful for tests that need to preserve and restore providers.
func GetProviders() map[string]Constructor {
	storesMu.RLock()
	defer storesMu.RUnlock()

	var copy = make(map[string]Constructor, len(constructors))
	for scheme, constructor := range constructors {
		copy[scheme] = constructor
	}
	return copy
}

// Open parses |rawURL| and constructs a Store using the constructor
// registered for its scheme. Store URLs must end in '/'.
func Open(rawURL string) (Store, error) {
	var ep, err = url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing store URL: %w", err)
	} else if !strings.HasSuffix(ep.Path, "/") {
		return nil, fmt.Errorf("store URL path must end in '/': %s", rawURL)
	}

	storesMu.RLock()
	var constructor, ok = constructors[ep.Scheme]
	storesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported store scheme: %s", ep.Scheme)
	}
	return constructor(ep)
}

// ParseStoreArgs decodes the query arguments of a store URL into |args|,
// which is a pointer to a provider-specific arguments struct.
// Unknown arguments are an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}

var (
	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perfstore_store_operation_duration_seconds",
		Help:    "Duration of store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"store", "operation", "status"})

	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_store_operation_total",
		Help: "Total number of store operations",
	}, []string{"store", "operation", "status"})

	storePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_store_put_bytes_total",
		Help: "Total bytes written to stores",
	}, []string{"store", "encoding"})

	storeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_store_retries_total",
		Help: "Number of store operations retried after a transient failure",
	}, []string{"store", "operation"})
)
