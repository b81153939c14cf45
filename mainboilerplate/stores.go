package mainboilerplate

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/codecs"
	"go.perfstore.dev/core/overflow"
	"go.perfstore.dev/core/results"
	"go.perfstore.dev/core/retry"
	"go.perfstore.dev/core/stores"
	"go.perfstore.dev/core/stores/azure"
	"go.perfstore.dev/core/stores/fs"
	"go.perfstore.dev/core/stores/gcs"
	"go.perfstore.dev/core/stores/s3"
)

// StoreConfig configures the object store of experiment results.
type StoreConfig struct {
	URL           string `long:"url" env:"URL" default:"file:///var/lib/perfstore/" description:"URL of the object store holding results, eg s3://bucket/prefix/?region=us-east-1"`
	OverflowCodec string `long:"overflow-codec" env:"OVERFLOW_CODEC" default:"gzip" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" description:"Compression of externalized output objects"`
	CacheSize     int    `long:"cache-size" env:"CACHE_SIZE" default:"64" description:"Number of decoded result row-sets to cache. If <= zero, no cache is used"`
	MaxAttempts   int    `long:"max-attempts" env:"MAX_ATTEMPTS" default:"32" description:"Attempts of an optimistic update which conflicts with concurrent writers"`

	Retry retry.Config `group:"Retry" namespace:"retry" env-namespace:"RETRY"`
}

// storeProviders are constructors of the supported store URL schemes.
var storeProviders = map[string]stores.Constructor{
	"file":     fs.New,
	"s3":       s3.New,
	"gs":       gcs.New,
	"azure":    azure.NewAccount,
	"azure-ad": azure.NewAD,
}

// RegisterStoreProviders registers constructors of all supported store schemes.
func RegisterStoreProviders() { stores.RegisterProviders(storeProviders) }

// Validate the StoreConfig without connecting to the store.
func (c *StoreConfig) Validate() error {
	var ep, err = url.Parse(c.URL)
	if err != nil {
		return errors.WithMessage(err, "store.url")
	} else if _, ok := storeProviders[ep.Scheme]; !ok {
		return errors.Errorf("store.url: unsupported scheme %q (%s)", ep.Scheme, c.URL)
	} else if ep.Scheme != "file" && ep.Host == "" {
		return errors.Errorf("store.url: missing host (%s)", c.URL)
	} else if !strings.HasSuffix(ep.Path, "/") {
		return errors.Errorf("store.url: path must end in '/' (%s)", c.URL)
	}

	if err = codecs.Codec(c.OverflowCodec).Validate(); err != nil {
		return errors.WithMessage(err, "store.overflow-codec")
	} else if c.MaxAttempts < 0 {
		return errors.Errorf("store.max-attempts: must be >= 0 (%d)", c.MaxAttempts)
	}
	return nil
}

// MustOpen opens the configured Store, instrumented with metrics and the
// configured retry of transient failures.
func (c *StoreConfig) MustOpen() stores.Store {
	RegisterStoreProviders()

	var store, err = stores.Open(c.URL)
	Must(err, "failed to open store", "url", c.URL)

	log.WithFields(log.Fields{"url": c.URL, "provider": store.Provider()}).Debug("opened store")
	return stores.NewInstrumented(c.URL, store, retry.NewPolicy(c.Retry))
}

// MustTable returns a results.Table of |store|, as configured.
func (c *StoreConfig) MustTable(store stores.Store) *results.Table {
	var codec = codecs.Codec(c.OverflowCodec)
	Must(codec.Validate(), "invalid overflow codec")

	var table = results.NewTable(store, overflow.New(store, codec), c.CacheSize)
	table.MaxAttempts = c.MaxAttempts

	return table
}
