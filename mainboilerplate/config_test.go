package mainboilerplate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Store   StoreConfig   `group:"Store" namespace:"store" env-namespace:"PERFSTORE_TEST_STORE"`
	Catalog CatalogConfig `group:"Catalog" namespace:"catalog" env-namespace:"PERFSTORE_TEST_CATALOG"`
	Counter CounterConfig `group:"Counter" namespace:"counter" env-namespace:"PERFSTORE_TEST_COUNTER"`
}

type runCmd struct{ ran bool }

func (c *runCmd) Execute([]string) error { c.ran = true; return nil }

func newTestParser(t *testing.T) (*flags.Parser, *testConfig, *runCmd) {
	var cfg, run = new(testConfig), new(runCmd)
	var parser = flags.NewParser(cfg, flags.None)

	var _, err = parser.AddCommand("run", "Run", "", run)
	require.NoError(t, err)
	AddPrintConfigCmd(parser, "test.ini")

	return parser, cfg, run
}

func parseTest(parser *flags.Parser, cfg *testConfig, dirs []string, args ...string) (string, error) {
	return ParseConfig(parser, "test.ini", dirs, args, &cfg.Store, &cfg.Catalog, &cfg.Counter)
}

func writeINI(t *testing.T, content string) string {
	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.ini"), []byte(content), 0644))
	return dir
}

func TestParseConfigReadsFirstINIFile(t *testing.T) {
	var missing = filepath.Join(t.TempDir(), "missing")
	var first = writeINI(t, "[Store]\nURL = s3://first/results/\n\n[Counter]\nBackend = dynamodb\nDynamoTable = counters\n")
	var second = writeINI(t, "[Store]\nURL = s3://second/results/\n")

	var parser, cfg, run = newTestParser(t)
	var path, err = parseTest(parser, cfg, []string{missing, first, second}, "run")
	require.NoError(t, err)

	require.Equal(t, filepath.Join(first, "test.ini"), path)
	require.Equal(t, "s3://first/results/", cfg.Store.URL)
	require.Equal(t, "dynamodb", cfg.Counter.Backend)
	require.Equal(t, "counters", cfg.Counter.DynamoTable)
	require.Equal(t, "gzip", cfg.Store.OverflowCodec) // Default.
	require.True(t, run.ran)
}

func TestParseConfigFlagsOverrideINI(t *testing.T) {
	var dir = writeINI(t, "[Store]\nURL = s3://bucket/results/\nCacheSize = 8\n")

	var parser, cfg, run = newTestParser(t)
	var _, err = parseTest(parser, cfg, []string{dir}, "--store.url=gs://other/", "run")
	require.NoError(t, err)

	require.Equal(t, "gs://other/", cfg.Store.URL)
	require.Equal(t, 8, cfg.Store.CacheSize)
	require.True(t, run.ran)

	// Without any INI file, defaults apply.
	parser, cfg, run = newTestParser(t)
	path, err := parseTest(parser, cfg, nil, "run")
	require.NoError(t, err)
	require.Empty(t, path)
	require.Equal(t, "file:///var/lib/perfstore/", cfg.Store.URL)
	require.True(t, run.ran)
}

func TestParseConfigValidatesBeforeRunning(t *testing.T) {
	for _, tc := range []struct {
		args   []string
		expect string
	}{
		{[]string{"--store.url=s3://bucket/no-slash"}, "store.url: path must end in '/'"},
		{[]string{"--store.url=ftp://host/"}, `store.url: unsupported scheme "ftp"`},
		{[]string{"--counter.backend=dynamodb", "--counter.dynamodb-table="}, "counter.dynamodb-table: required"},
		{[]string{"--counter.region=us-east-1"}, `counter.region: applies only to --counter.backend=dynamodb, not "store"`},
		{[]string{"--catalog.dsn="}, "catalog.dsn: must be set"},
	} {
		var parser, cfg, run = newTestParser(t)
		var _, err = parseTest(parser, cfg, nil, append(tc.args, "run")...)

		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr), tc.args)
		require.Contains(t, err.Error(), "invalid configuration: "+tc.expect)
		require.False(t, run.ran)
	}
}

func TestPrintConfigSkipsValidation(t *testing.T) {
	var parser, cfg, _ = newTestParser(t)
	var _, err = parseTest(parser, cfg, nil, "--store.url=s3://bucket/no-slash", "print-config")
	require.NoError(t, err)
}

func TestParseConfigRejectsMalformedINI(t *testing.T) {
	var dir = writeINI(t, "[Store]\nMaxAttempts = many\n")

	var parser, cfg, run = newTestParser(t)
	var _, err = parseTest(parser, cfg, []string{dir}, "run")

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Contains(t, err.Error(), "parsing "+filepath.Join(dir, "test.ini"))
	require.False(t, run.ran)
}

func TestConfigDirs(t *testing.T) {
	t.Setenv("PERFSTORE_CONFIG_DIR", "/etc/perfstore")
	t.Setenv("HOME", "/home/bench")
	t.Setenv("UserProfile", "")

	require.Equal(t, []string{
		"/etc/perfstore",
		".",
		filepath.Join("/home/bench", ".config", "perfstore"),
	}, ConfigDirs())

	t.Setenv("PERFSTORE_CONFIG_DIR", "")
	require.Equal(t, ".", ConfigDirs()[0])
}

func TestStoreConfigValidate(t *testing.T) {
	var valid = StoreConfig{URL: "s3://bucket/prefix/", OverflowCodec: "zstd", MaxAttempts: 32}
	require.NoError(t, valid.Validate())

	for _, tc := range []struct {
		mutate func(*StoreConfig)
		expect string
	}{
		{func(c *StoreConfig) { c.URL = "file:///var/lib/perfstore/" }, ""},
		{func(c *StoreConfig) { c.URL = "azure-ad://tenant/account/container/" }, ""},
		{func(c *StoreConfig) { c.URL = "s3:///prefix/" }, "store.url: missing host"},
		{func(c *StoreConfig) { c.URL = "gs://bucket/prefix" }, "store.url: path must end in '/'"},
		{func(c *StoreConfig) { c.URL = "%zz" }, "store.url"},
		{func(c *StoreConfig) { c.OverflowCodec = "lz4" }, `store.overflow-codec: unsupported codec "lz4"`},
		{func(c *StoreConfig) { c.MaxAttempts = -1 }, "store.max-attempts: must be >= 0"},
	} {
		var c = valid
		tc.mutate(&c)

		if tc.expect == "" {
			require.NoError(t, c.Validate())
		} else {
			require.ErrorContains(t, c.Validate(), tc.expect)
		}
	}
}

func TestCounterConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		cfg    CounterConfig
		expect string
	}{
		{CounterConfig{Backend: "store", Name: "experiments"}, ""},
		{CounterConfig{Backend: "sql", Name: "experiments"}, ""},
		{CounterConfig{Backend: "dynamodb", Name: "experiments", DynamoTable: "t", Region: "eu-west-1"}, ""},
		{CounterConfig{Backend: "store"}, "counter.name: must be set"},
		{CounterConfig{Backend: "sql", Name: "n", Region: "eu-west-1"}, "counter.region: applies only"},
		{CounterConfig{Backend: "dynamodb", Name: "n"}, "counter.dynamodb-table: required"},
		{CounterConfig{Backend: "etcd", Name: "n"}, `counter.backend: unknown backend "etcd"`},
	} {
		if tc.expect == "" {
			require.NoError(t, tc.cfg.Validate())
		} else {
			require.ErrorContains(t, tc.cfg.Validate(), tc.expect)
		}
	}
}

func TestCatalogConfigValidate(t *testing.T) {
	require.NoError(t, (&CatalogConfig{Driver: "postgres", DSN: "postgres://localhost/perf"}).Validate())
	require.ErrorContains(t, (&CatalogConfig{Driver: "mysql", DSN: "x"}).Validate(), `unknown driver "mysql"`)
	require.ErrorContains(t, (&CatalogConfig{Driver: "sqlite3"}).Validate(), "catalog.dsn: must be set")
}
