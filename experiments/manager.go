package experiments

import (
	"context"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/ids"
	"go.perfstore.dev/core/overflow"
	"go.perfstore.dev/core/results"
	"golang.org/x/sync/errgroup"
)

// ResultsTable is the subset of results.Table used by a Manager.
type ResultsTable interface {
	Load(ctx context.Context, experimentID int64) (results.Snapshot, error)
	Delete(ctx context.Context, experimentID int64) error
}

// Manager composes the Catalog, the ID Allocator, and the results of
// experiments into whole-experiment operations.
type Manager struct {
	catalog    *Catalog
	allocator  *ids.Allocator
	results    ResultsTable
	outputs    *overflow.Store
	aggregator Aggregator
}

// NewManager returns a Manager. If |outputs| is nil, Delete doesn't sweep
// overflow objects. If |aggregator| is nil, StatusAggregator is used.
func NewManager(catalog *Catalog, allocator *ids.Allocator, table ResultsTable,
	outputs *overflow.Store, aggregator Aggregator) *Manager {

	if aggregator == nil {
		aggregator = StatusAggregator{}
	}
	return &Manager{
		catalog:    catalog,
		allocator:  allocator,
		results:    table,
		outputs:    outputs,
		aggregator: aggregator,
	}
}

// Catalog of the Manager.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// Create an Experiment under a newly allocated ID, which is returned with
// the created Experiment. An empty Name is replaced with a generated one,
// and a zero Submitted time with the current time.
func (m *Manager) Create(ctx context.Context, e Experiment) (Experiment, error) {
	var id, err = m.allocator.AllocateNextID(ctx)
	if err != nil {
		return Experiment{}, err
	}
	e.ID = id

	if e.Name == "" {
		e.Name = petname.Generate(2, "-")
	}
	if e.Submitted.IsZero() {
		e.Submitted = time.Now().UTC().Truncate(time.Second)
	}
	if err = m.catalog.Create(ctx, e); err != nil {
		return Experiment{}, err
	}
	createdTotal.Inc()

	log.WithFields(log.Fields{"id": e.ID, "name": e.Name}).Info("created experiment")
	return e, nil
}

// Delete the experiment |id|. Its overflow objects, its results row-set, and
// its Catalog row are deleted by independent concurrent tasks: the failure of
// one doesn't stop or roll back the others, and the first error encountered
// is returned. A partially deleted experiment is deleted again by re-invoking
// Delete.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	var eg errgroup.Group
	var task = func(name string, fn func() error) {
		eg.Go(func() error {
			var err = fn()
			if err != nil {
				log.WithFields(log.Fields{"id": id, "task": name, "err": err}).
					Warn("failed to delete part of experiment")
			}
			return err
		})
	}

	if m.outputs != nil {
		task("overflow", func() error {
			var n, err = m.outputs.SweepExperiment(ctx, id)
			log.WithFields(log.Fields{"id": id, "removed": n}).Debug("swept overflow objects")
			return err
		})
	}
	task("results", func() error { return m.results.Delete(ctx, id) })
	task("catalog", func() error { return m.catalog.Delete(ctx, id) })

	if err := eg.Wait(); err != nil {
		return errors.WithMessagef(err, "deleting experiment %d", id)
	}
	deletedTotal.Inc()

	log.WithField("id", id).Info("deleted experiment")
	return nil
}

// Summarize the results of experiment |id| with the Manager's Aggregator,
// and store the Summary in the Catalog.
func (m *Manager) Summarize(ctx context.Context, id int64) (Summary, error) {
	var snap, err = m.results.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	summary, err := m.aggregator.Aggregate(snap.Rows)
	if err != nil {
		return nil, errors.WithMessagef(err, "aggregating results of experiment %d", id)
	}
	if err = m.catalog.UpdateSummary(ctx, id, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

var (
	createdTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_experiments_created_total",
		Help: "Number of experiments created",
	})
	deletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_experiments_deleted_total",
		Help: "Number of experiments deleted",
	})
)
