package perfctlcmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.perfstore.dev/core/duplicates"
	"go.perfstore.dev/core/results"
)

type cmdResultsDedupe struct {
	ID                 int64 `long:"id" required:"true" description:"ID of the experiment"`
	ResolveTimeouts    bool  `long:"resolve-timeouts" description:"Resolve files which timed out in every execution"`
	ResolveSameRuntime bool  `long:"resolve-same-runtime" description:"Resolve files which succeeded with identical runtimes"`
	ResolveSlowest     bool  `long:"resolve-slowest" description:"Keep the slowest of files which always succeeded, or always ran out of memory"`
	InfraErrorsFirst   bool  `long:"infra-errors-first" description:"Discard infrastructure errors of files having other results"`
	Interactive        bool  `long:"interactive" short:"i" description:"Prompt for the result to keep of files which aren't resolved automatically"`
	DryRun             bool  `long:"dry-run" description:"Print results which would be removed, without removing them"`
}

func init() {
	CommandRegistry.AddCommand("results", "dedupe", "Resolve duplicated results of an experiment", `
Resolve benchmark files having more than one result down to a single result.

Files whose results are equivalent (all timeouts, all infrastructure errors,
or all successes of identical runtime) are always resolved by keeping the
first. Other files are resolved per the --resolve-* flags. Any remaining file
requires a choice: with --interactive, you're prompted to pick the result to
keep. Otherwise, or if a prompt is cancelled, nothing is removed.
`, &cmdResultsDedupe{})
}

func (cmd *cmdResultsDedupe) policy() duplicates.Policy {
	return duplicates.Policy{
		ResolveTimeouts:                  cmd.ResolveTimeouts,
		ResolveSameRuntime:               cmd.ResolveSameRuntime,
		ResolveSlowest:                   cmd.ResolveSlowest,
		ResolveInfrastructureErrorsFirst: cmd.InfraErrorsFirst,
	}
}

func (cmd *cmdResultsDedupe) Execute([]string) error {
	var env = startup()

	var choose duplicates.Chooser
	if cmd.Interactive {
		choose = promptChooser(os.Stdin, os.Stdout)
	}

	var res duplicates.Resolution
	var err error

	if cmd.DryRun {
		var snap results.Snapshot
		if snap, err = env.Table().Load(env.ctx, cmd.ID); err != nil {
			return err
		}
		var rows = append([]*results.BenchmarkResult(nil), snap.Rows...)
		duplicates.SortByFileName(rows)
		res, err = duplicates.Resolve(rows, cmd.policy(), choose)
	} else {
		res, err = duplicates.Apply(env.ctx, env.Table(), cmd.ID, cmd.policy(), choose, baseCfg.Store.MaxAttempts)
	}
	if err != nil {
		return err
	} else if res.Cancelled() {
		fmt.Println("Resolution cancelled: some files require a choice. Nothing was removed.")
		return nil
	}

	if cmd.DryRun {
		fmt.Printf("Would remove %d results:\n", len(res.Remove))
		writeResultsTable(os.Stdout, res.Remove, time.Now())
	} else {
		fmt.Printf("Removed %d duplicated results\n", len(res.Remove))
	}
	return nil
}

// promptChooser returns a Chooser which presents candidates on |out|, and
// reads the choice of the user from |in|. An empty or "c" response, or the
// end of |in|, cancels.
func promptChooser(in io.Reader, out io.Writer) duplicates.Chooser {
	var scanner = bufio.NewScanner(in)

	return func(filename string, candidates []*results.BenchmarkResult) *results.BenchmarkResult {
		fmt.Fprintf(out, "\n%s has %d results:\n", filename, len(candidates))
		writeResultsTable(out, candidates, time.Now())

		for {
			fmt.Fprintf(out, "Keep which result [0-%d], or (c)ancel? ", len(candidates)-1)
			if !scanner.Scan() {
				return nil
			}
			var answer = strings.TrimSpace(scanner.Text())
			if answer == "" || strings.EqualFold(answer, "c") {
				return nil
			}
			if i, err := strconv.Atoi(answer); err == nil && i >= 0 && i < len(candidates) {
				return candidates[i]
			}
			fmt.Fprintf(out, "Invalid choice %q.\n", answer)
		}
	}
}
