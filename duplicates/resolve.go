// Package duplicates resolves repeated executions of a benchmark file within
// an experiment down to a single canonical result.
package duplicates

import (
	"sort"

	"github.com/pkg/errors"
	"go.perfstore.dev/core/results"
)

// Policy selects which duplicate groups are resolved without consulting a
// Chooser.
//
// Groups whose candidates are equivalent (all infrastructure errors, all
// timeouts, or all successes of identical runtime) are always resolved
// automatically by keeping the first candidate. ResolveTimeouts and
// ResolveSameRuntime name those cases and are implied by any Policy.
type Policy struct {
	ResolveTimeouts    bool
	ResolveSameRuntime bool
	// ResolveSlowest keeps the slowest of a group of all successes, or of
	// all out-of-memory results.
	ResolveSlowest bool
	// ResolveInfrastructureErrorsFirst discards infrastructure errors of a
	// group before resolving it, unless the group has nothing else.
	ResolveInfrastructureErrorsFirst bool
}

// Chooser picks the surviving result among |candidates| of a duplicated
// file. A nil return cancels the entire resolution.
type Chooser func(filename string, candidates []*results.BenchmarkResult) *results.BenchmarkResult

// Resolution is the outcome of Resolve: either Cancelled, or a (possibly
// empty) list of results to Remove.
type Resolution struct {
	Remove    []*results.BenchmarkResult
	cancelled bool
}

// Cancelled is true if a Chooser cancelled the resolution. A cancelled
// Resolution never has results to Remove.
func (r Resolution) Cancelled() bool { return r.cancelled }

// ErrUnsorted is returned if rows to Resolve aren't ordered by file name.
var ErrUnsorted = errors.New("rows are not sorted by BenchmarkFileName")

// SortByFileName stably orders |rows| by BenchmarkFileName.
func SortByFileName(rows []*results.BenchmarkResult) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].BenchmarkFileName < rows[j].BenchmarkFileName
	})
}

// Groups returns the maximal runs of two or more adjacent |rows| which share
// a BenchmarkFileName. |rows| must be sorted by file name.
func Groups(rows []*results.BenchmarkResult) [][]*results.BenchmarkResult {
	var out [][]*results.BenchmarkResult

	for begin := 0; begin < len(rows); {
		var end = begin + 1
		for end < len(rows) && rows[end].BenchmarkFileName == rows[begin].BenchmarkFileName {
			end++
		}
		if end-begin >= 2 {
			out = append(out, rows[begin:end])
		}
		begin = end
	}
	return out
}

// Resolve the duplicate groups of |rows|, which must be sorted by file name,
// to one survivor each. Groups not resolved automatically under |policy| are
// presented to |choose|. If |choose| is nil or cancels, the Resolution is
// Cancelled, even if other groups were resolved.
func Resolve(rows []*results.BenchmarkResult, policy Policy, choose Chooser) (Resolution, error) {
	if !sort.SliceIsSorted(rows, func(i, j int) bool {
		return rows[i].BenchmarkFileName < rows[j].BenchmarkFileName
	}) {
		return Resolution{}, ErrUnsorted
	}
	var remove []*results.BenchmarkResult

	for _, group := range Groups(rows) {
		var survivor = resolveAutomatically(group, policy)

		if survivor == nil {
			var candidates = candidatesOf(group, policy)
			if choose == nil {
				return Resolution{cancelled: true}, nil
			} else if survivor = choose(group[0].BenchmarkFileName, candidates); survivor == nil {
				return Resolution{cancelled: true}, nil
			} else if !contains(candidates, survivor) {
				return Resolution{}, errors.Errorf("chosen result of %s is not a candidate", group[0].BenchmarkFileName)
			}
		}

		for _, r := range group {
			if r != survivor {
				remove = append(remove, r)
			}
		}
	}
	return Resolution{Remove: remove}, nil
}

// candidatesOf returns the rows of |group| eligible to survive.
func candidatesOf(group []*results.BenchmarkResult, policy Policy) []*results.BenchmarkResult {
	if !policy.ResolveInfrastructureErrorsFirst || all(group, results.InfrastructureError) {
		return group
	}
	var out = make([]*results.BenchmarkResult, 0, len(group))
	for _, r := range group {
		if r.Status != results.InfrastructureError {
			out = append(out, r)
		}
	}
	return out
}

// resolveAutomatically returns the survivor of |group|, or nil if
// the group requires a Chooser.
func resolveAutomatically(group []*results.BenchmarkResult, policy Policy) *results.BenchmarkResult {
	var candidates = candidatesOf(group, policy)

	switch {
	case all(candidates, results.InfrastructureError),
		all(candidates, results.Timeout),
		all(candidates, results.Success) && sameRuntime(candidates):
		return candidates[0] // Equivalent.

	case policy.ResolveSlowest && (all(candidates, results.Success) || all(candidates, results.OutOfMemory)):
		var slowest = candidates[0]
		for _, r := range candidates[1:] {
			if r.NormalizedCPUTime > slowest.NormalizedCPUTime {
				slowest = r
			}
		}
		return slowest
	}
	return nil
}

func all(rows []*results.BenchmarkResult, status results.Status) bool {
	for _, r := range rows {
		if r.Status != status {
			return false
		}
	}
	return true
}

func sameRuntime(rows []*results.BenchmarkResult) bool {
	for _, r := range rows[1:] {
		if r.NormalizedCPUTime != rows[0].NormalizedCPUTime {
			return false
		}
	}
	return true
}

func contains(rows []*results.BenchmarkResult, row *results.BenchmarkResult) bool {
	for _, r := range rows {
		if r == row {
			return true
		}
	}
	return false
}
