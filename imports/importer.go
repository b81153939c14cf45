package imports

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.perfstore.dev/core/experiments"
	"go.perfstore.dev/core/ids"
	"go.perfstore.dev/core/results"
	"gopkg.in/yaml.v2"
)

// Manifest describes experiments to import. For example:
//
//	experiments:
//	  - id: 17
//	    name: nightly
//	    submitted: 2024-03-05T10:11:12Z
//	    creator: ci
//	    results: 17.csv
//
// Paths of results are relative to the manifest.
type Manifest struct {
	Experiments []Entry `yaml:"experiments"`
}

// Entry is an experiment of a Manifest.
type Entry struct {
	experiments.Experiment `yaml:",inline"`
	// Results is the path of a row-set CSV of the experiment's results.
	// It may be empty, if the experiment has none.
	Results string `yaml:"results"`
}

// DefaultBatchSize bounds batches of catalog rows and results.
const DefaultBatchSize = 100

// Appender appends rows to the results of an experiment.
type Appender interface {
	Append(ctx context.Context, experimentID int64, rows []*results.BenchmarkResult) (results.Snapshot, error)
}

// Importer imports Manifests of experiments having externally assigned IDs.
type Importer struct {
	FS        afero.Fs
	Catalog   *experiments.Catalog
	Allocator *ids.Allocator
	Results   Appender
	// BatchSize bounds catalog rows inserted by one transaction, and rows
	// appended by one row-set write. If zero, DefaultBatchSize is used.
	BatchSize int
}

// Report summarizes a completed import.
type Report struct {
	Experiments  int
	Rows         int
	CatalogTxns  int
	ResultWrites int
}

type importedRow struct {
	experimentID int64
	row          *results.BenchmarkResult
}

// Import the Manifest at |path|. All result CSVs are read and validated
// before anything is written. The ID counter is then advanced past imported
// IDs, so that allocated IDs never collide with them, followed by insertion
// of catalog rows and appends of results.
//
// Import isn't transactional: a failure may leave a partial import.
func (im *Importer) Import(ctx context.Context, path string) (Report, error) {
	var manifest, err = im.readManifest(path)
	if err != nil {
		return Report{}, err
	}
	var batchSize = im.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var imported []int64
	var catalogRows []experiments.Experiment
	var rows []importedRow

	for _, entry := range manifest.Experiments {
		imported = append(imported, entry.ID)
		catalogRows = append(catalogRows, entry.Experiment)

		if entry.Results == "" {
			continue
		}
		var csvPath = entry.Results
		if !filepath.IsAbs(csvPath) {
			csvPath = filepath.Join(filepath.Dir(path), csvPath)
		}
		f, err := im.FS.Open(csvPath)
		if err != nil {
			return Report{}, errors.WithMessagef(err, "opening results of experiment %d", entry.ID)
		}
		parsed, err := results.ReadCSV(f, entry.ID)
		_ = f.Close()

		if err != nil {
			return Report{}, errors.WithMessagef(err, "reading %s", csvPath)
		}
		for _, r := range parsed {
			rows = append(rows, importedRow{experimentID: entry.ID, row: r})
		}
	}

	if _, err = im.Allocator.AdvancePast(ctx, imported); err != nil {
		return Report{}, errors.WithMessage(err, "advancing experiment counter")
	}
	var report = Report{Experiments: len(catalogRows), Rows: len(rows)}

	for _, batch := range GroupBatches(catalogRows,
		func(experiments.Experiment) struct{} { return struct{}{} }, batchSize) {

		if err = im.Catalog.InsertBatch(ctx, batch); err != nil {
			return report, errors.WithMessage(err, "inserting catalog batch")
		}
		report.CatalogTxns++
	}

	for _, batch := range GroupBatches(rows,
		func(r importedRow) int64 { return r.experimentID }, batchSize) {

		var id = batch[0].experimentID
		var appended = make([]*results.BenchmarkResult, len(batch))
		for i, r := range batch {
			appended[i] = r.row
		}
		if _, err = im.Results.Append(ctx, id, appended); err != nil {
			return report, err
		}
		report.ResultWrites++
	}

	log.WithFields(log.Fields{
		"manifest":     path,
		"experiments":  report.Experiments,
		"rows":         report.Rows,
		"catalogTxns":  report.CatalogTxns,
		"resultWrites": report.ResultWrites,
	}).Info("imported experiments")

	return report, nil
}

func (im *Importer) readManifest(path string) (Manifest, error) {
	var b, err = afero.ReadFile(im.FS, path)
	if err != nil {
		return Manifest{}, errors.WithMessage(err, "reading manifest")
	}
	var m Manifest
	if err = yaml.UnmarshalStrict(b, &m); err != nil {
		return Manifest{}, errors.WithMessagef(err, "decoding manifest %s", path)
	}

	var seen = make(map[int64]struct{}, len(m.Experiments))
	for _, e := range m.Experiments {
		if e.ID <= 0 {
			return Manifest{}, errors.Errorf("manifest %s: invalid experiment ID %d", path, e.ID)
		} else if _, ok := seen[e.ID]; ok {
			return Manifest{}, errors.Errorf("manifest %s: duplicated experiment ID %d", path, e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return m, nil
}
