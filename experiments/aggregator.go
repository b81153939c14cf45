package experiments

import (
	"sort"

	"go.perfstore.dev/core/results"
)

// Summary is a set of named figures aggregated over an experiment's results.
type Summary map[string]float64

// Keys of the Summary, in sorted order.
func (s Summary) Keys() []string {
	var out = make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Aggregator summarizes the results of an experiment.
type Aggregator interface {
	Aggregate(rows []*results.BenchmarkResult) (Summary, error)
}

// AggregatorFunc adapts a function to an Aggregator.
type AggregatorFunc func(rows []*results.BenchmarkResult) (Summary, error)

// Aggregate calls fn(rows).
func (fn AggregatorFunc) Aggregate(rows []*results.BenchmarkResult) (Summary, error) { return fn(rows) }

// StatusAggregator counts results by Status, and sums their runtimes.
// Figures are:
//   - "Rows": the number of results.
//   - "Status.<Name>": the number of results having each Status.
//   - "NormalizedCPUTime", "CPUTime", "WallClockTime": summed seconds.
type StatusAggregator struct{}

// Aggregate implements Aggregator.
func (StatusAggregator) Aggregate(rows []*results.BenchmarkResult) (Summary, error) {
	var s = Summary{
		"Rows":              float64(len(rows)),
		"NormalizedCPUTime": 0,
		"CPUTime":           0,
		"WallClockTime":     0,
	}
	for _, r := range rows {
		if err := r.Status.Validate(); err != nil {
			return nil, err
		}
		s["Status."+r.Status.String()]++
		s["NormalizedCPUTime"] += r.NormalizedCPUTime
		s["CPUTime"] += r.CPUTime
		s["WallClockTime"] += r.WallClockTime
	}
	return s, nil
}

var _ Aggregator = StatusAggregator{}
