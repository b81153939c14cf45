// Package results persists the benchmark results of experiments.
//
// All results of an experiment are held as a single row-set object, which is
// the unit of atomicity: it's read into a Snapshot which records the object
// Version it was read at, modified locally, and written back with a
// conditional write which succeeds only if the object is unchanged since the
// Snapshot was read. Writers which lose a race are told so, and must reload
// and retry. See Repository.
package results

import (
	"fmt"
	"strings"
	"time"

	"go.perfstore.dev/core/stores"
)

// Status is the outcome of a benchmark execution.
type Status int

const (
	Success Status = iota
	Bug
	Error
	InfrastructureError
	Timeout
	OutOfMemory
)

var statusNames = []string{
	"Success",
	"Bug",
	"Error",
	"InfrastructureError",
	"Timeout",
	"OutOfMemory",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Validate returns an error if the Status is not known.
func (s Status) Validate() error {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Errorf("unknown status %d", int(s))
	}
	return nil
}

// ParseStatus parses a Status from its name, ignoring case.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// BenchmarkResult is the result of one execution of a benchmark file
// within an experiment. Results of an experiment are not unique by
// BenchmarkFileName: a file may be executed more than once.
type BenchmarkResult struct {
	ExperimentID      int64
	BenchmarkFileName string
	// AcquireTime is the UTC time at which the execution began.
	AcquireTime time.Time
	Status      Status
	// NormalizedCPUTime is CPUTime normalized to a reference machine, in
	// seconds. It's persisted in column NormalizedRuntime.
	NormalizedCPUTime float64
	// CPUTime is the total processor time consumed, in seconds. It's
	// persisted in column TotalProcessorTime.
	CPUTime       float64
	WallClockTime float64
	PeakMemoryMB  float64
	// ExitCode of the benchmark process, if it exited.
	ExitCode *int

	StdOut string
	StdErr string
	// Indices of overflow objects holding StdOut and StdErr, if they were
	// too large to store inline. See package overflow.
	StdOutExtIndex *int
	StdErrExtIndex *int

	// Properties are open-ended, domain-specific attributes of the result.
	Properties map[string]string
}

// Clone returns a deep copy of the BenchmarkResult.
func (r *BenchmarkResult) Clone() *BenchmarkResult {
	var out = *r
	out.ExitCode = cloneInt(r.ExitCode)
	out.StdOutExtIndex = cloneInt(r.StdOutExtIndex)
	out.StdErrExtIndex = cloneInt(r.StdErrExtIndex)

	if r.Properties != nil {
		out.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

// Snapshot is the row-set of an experiment, as of the Version at which it
// was read. A Snapshot with an empty Version reflects an experiment for which
// nothing has been persisted.
//
// Rows of a Snapshot are identified by pointer: operations which take rows to
// remove or modify expect rows of the Snapshot itself.
type Snapshot struct {
	ExperimentID int64
	Rows         []*BenchmarkResult
	Version      stores.Version
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	var v = *p
	return &v
}

func cloneRows(rows []*BenchmarkResult) []*BenchmarkResult {
	var out = make([]*BenchmarkResult, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
