package perfctlcmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.perfstore.dev/core/overflow"
	"go.perfstore.dev/core/results"
	"go.perfstore.dev/core/retry"
)

type cmdResultsList struct {
	ID     int64  `long:"id" required:"true" description:"ID of the experiment"`
	Status string `long:"status" description:"List only results having this status"`
	Format string `long:"format" short:"o" choice:"table" choice:"csv" default:"table" description:"Output format"`
}

type cmdResultsAppend struct {
	ID  int64  `long:"id" required:"true" description:"ID of the experiment"`
	CSV string `long:"csv" default:"-" description:"Path of a results CSV to append. Use '-' for stdin"`
}

type cmdResultsSetStatus struct {
	ID     int64    `long:"id" required:"true" description:"ID of the experiment"`
	Files  []string `long:"file" short:"f" required:"true" description:"Benchmark file of results to modify. May be repeated"`
	Status string   `long:"status" required:"true" description:"Status to set, eg Success, Timeout, InfrastructureError"`
}

type cmdResultsOutput struct {
	ID   int64  `long:"id" required:"true" description:"ID of the experiment"`
	File string `long:"file" short:"f" required:"true" description:"Benchmark file of the result"`
	Kind string `long:"kind" choice:"stdout" choice:"stderr" default:"stdout" description:"Output to print"`
	Nth  int    `long:"nth" default:"0" description:"Index of the result, if the file has more than one"`
}

func init() {
	CommandRegistry.AddCommand("results", "list", "List results of an experiment", `
List the benchmark results of an experiment.

Results can be output in a variety of --format options:
table: Prints as a table, with outputs abbreviated.
csv:   Prints the row-set CSV of the results, compatible with "results append".
`, &cmdResultsList{})

	CommandRegistry.AddCommand("results", "append", "Append results to an experiment", `
Append benchmark results, read from a row-set CSV, to an experiment.
Oversized outputs are externalized. The append is retried if it races with
a concurrent writer of the experiment.
`, &cmdResultsAppend{})

	CommandRegistry.AddCommand("results", "set-status", "Set the status of results", `
Set the status of all results of the given benchmark files.

Example:
>  perfctl results set-status --id 42 -f a.smt2 -f b.smt2 --status InfrastructureError
`, &cmdResultsSetStatus{})

	CommandRegistry.AddCommand("results", "output", "Print the output of a result", `
Print the standard output or error of a benchmark result, whether it's held
inline or was externalized.
`, &cmdResultsOutput{})
}

func (cmd *cmdResultsList) Execute([]string) error {
	var env = startup()

	var snap, err = env.Table().Load(env.ctx, cmd.ID)
	if err != nil {
		return err
	}
	var rows = snap.Rows

	if cmd.Status != "" {
		var status, err = results.ParseStatus(cmd.Status)
		if err != nil {
			return err
		}
		rows = rows[:0:0]
		for _, r := range snap.Rows {
			if r.Status == status {
				rows = append(rows, r)
			}
		}
	}

	if cmd.Format == "csv" {
		return results.WriteCSV(os.Stdout, rows)
	}
	writeResultsTable(os.Stdout, rows, time.Now())
	return nil
}

func writeResultsTable(w io.Writer, rows []*results.BenchmarkResult, now time.Time) {
	var table = tablewriter.NewWriter(w)
	table.Header("#", "File", "Acquired", "Status", "Normalized", "CPU", "Wall", "Memory", "Exit", "StdOut", "StdErr")

	for i, r := range rows {
		var exit = "<none>"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		_ = table.Append([]string{
			strconv.Itoa(i),
			r.BenchmarkFileName,
			humanize.RelTime(r.AcquireTime, now, "ago", "from now"),
			r.Status.String(),
			humanize.Ftoa(r.NormalizedCPUTime),
			humanize.Ftoa(r.CPUTime),
			humanize.Ftoa(r.WallClockTime),
			humanize.IBytes(uint64(r.PeakMemoryMB * (1 << 20))),
			exit,
			abbreviate(r.StdOut, r.StdOutExtIndex),
			abbreviate(r.StdErr, r.StdErrExtIndex),
		})
	}
	_ = table.Render()
}

// abbreviate an output for tabular display.
func abbreviate(inline string, extIndex *int) string {
	const width = 32

	if extIndex != nil {
		return fmt.Sprintf("<externalized #%d>", *extIndex)
	}
	var runes = []rune(inline)
	if len(runes) > width {
		return string(runes[:width]) + "..."
	}
	return inline
}

func (cmd *cmdResultsAppend) Execute([]string) error {
	var env = startup()

	var r io.Reader = os.Stdin
	if cmd.CSV != "-" {
		var f, err = os.Open(cmd.CSV)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var rows, err = results.ReadCSV(r, cmd.ID)
	if err != nil {
		return err
	}
	snap, err := env.Table().Append(env.ctx, cmd.ID, rows)
	if err != nil {
		return err
	}
	fmt.Printf("Appended %d results to experiment %d (now %d)\n", len(rows), cmd.ID, len(snap.Rows))
	return nil
}

func (cmd *cmdResultsSetStatus) Execute([]string) error {
	var env = startup()

	var status, err = results.ParseStatus(cmd.Status)
	if err != nil {
		return err
	}
	changed, err := setStatus(env.ctx, env.Table(), cmd.ID, cmd.Files, status, baseCfg.Store.MaxAttempts)
	if err != nil {
		return err
	}
	fmt.Printf("Set status of %d results to %s\n", changed, status)
	return nil
}

// setStatus of results of |files| within the experiment, returning the
// number of results changed.
func setStatus(ctx context.Context, repo results.Repository, id int64,
	files []string, status results.Status, maxAttempts int) (int, error) {

	var selected = make(map[string]struct{}, len(files))
	for _, f := range files {
		selected[f] = struct{}{}
	}
	var changed int

	var _, err = retry.CASLoop(ctx, "results.set-status", maxAttempts,
		func(ctx context.Context) (results.Snapshot, error) {
			return repo.Load(ctx, id)
		},
		func(snap results.Snapshot) ([]*results.BenchmarkResult, error) {
			var modify []*results.BenchmarkResult
			for _, r := range snap.Rows {
				if _, ok := selected[r.BenchmarkFileName]; ok {
					modify = append(modify, r)
				}
			}
			return modify, nil
		},
		func(ctx context.Context, snap results.Snapshot, modify []*results.BenchmarkResult) (bool, error) {
			var updated, ok, err = repo.TryUpdateStatus(ctx, snap, modify, status)
			changed = len(updated)
			return ok, err
		},
	)
	return changed, err
}

func (cmd *cmdResultsOutput) Execute([]string) error {
	var env = startup()
	var kind = overflow.Stdout
	if cmd.Kind == "stderr" {
		kind = overflow.Stderr
	}
	return printOutput(env.ctx, os.Stdout, env.Table(), cmd.ID, cmd.File, kind, cmd.Nth)
}

// printOutput writes the |kind| output of the |nth| result of |file|.
func printOutput(ctx context.Context, w io.Writer, table *results.Table,
	id int64, file string, kind overflow.Kind, nth int) error {

	var snap, err = table.Load(ctx, id)
	if err != nil {
		return err
	}
	var matched []*results.BenchmarkResult
	for _, r := range snap.Rows {
		if r.BenchmarkFileName == file {
			matched = append(matched, r)
		}
	}
	if nth < 0 || nth >= len(matched) {
		return fmt.Errorf("experiment %d has %d results of %s", id, len(matched), file)
	}
	var r = matched[nth]

	var inline, extIndex = r.StdOut, r.StdOutExtIndex
	if kind == overflow.Stderr {
		inline, extIndex = r.StdErr, r.StdErrExtIndex
	}
	if extIndex == nil {
		_, err = io.WriteString(w, inline)
		return err
	}

	var stream = table.Outputs().Dereference(ctx, id, file, kind, *extIndex)
	defer stream.Close()

	_, err = io.Copy(w, stream)
	return err
}
