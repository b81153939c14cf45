package perfctlcmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.perfstore.dev/core/experiments"
	mbp "go.perfstore.dev/core/mainboilerplate"
	"gopkg.in/yaml.v2"
)

type cmdExperimentsNew struct {
	Name       string `long:"name" description:"Name of the experiment. If empty, a name is generated"`
	Creator    string `long:"creator" env:"USER" description:"Creator of the experiment"`
	Note       string `long:"note" description:"Free-form note of the experiment"`
	Executable string `long:"executable" description:"Executable under test"`
	Parameters string `long:"parameters" description:"Parameters of the executable"`
}

type cmdExperimentsList struct {
	NameContains string `long:"name-contains" description:"List only experiments having names containing this value"`
	Format       string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

type cmdExperimentsDelete struct {
	ID int64 `long:"id" required:"true" description:"ID of the experiment to delete"`
}

type cmdExperimentsSummarize struct {
	ID int64 `long:"id" required:"true" description:"ID of the experiment to summarize"`
}

func init() {
	CommandRegistry.AddCommand("experiments", "new", "Create an experiment", `
Create an experiment under a newly allocated ID, and print its ID.

Example:
>  perfctl experiments new --name nightly --executable z3.zip --parameters "-T:30"
`, &cmdExperimentsNew{})

	CommandRegistry.AddCommand("experiments", "list", "List experiments", `
List experiments of the catalog, in ascending ID order.
`, &cmdExperimentsList{})

	CommandRegistry.AddCommand("experiments", "delete", "Delete an experiment", `
Delete an experiment: its externalized outputs, its results, and its catalog entry.

Parts of the experiment are deleted independently, and a failure to delete one
part doesn't prevent deletion of the others. Re-run delete to finish a partial
deletion.
`, &cmdExperimentsDelete{})

	CommandRegistry.AddCommand("experiments", "summarize", "Summarize results of an experiment", `
Aggregate the results of an experiment by status, store the summary in the
catalog, and print it.
`, &cmdExperimentsSummarize{})
}

func (cmd *cmdExperimentsNew) Execute([]string) error {
	var env = startup()

	var e, err = env.Manager().Create(env.ctx, experiments.Experiment{
		Name:       cmd.Name,
		Creator:    cmd.Creator,
		Note:       cmd.Note,
		Executable: cmd.Executable,
		Parameters: cmd.Parameters,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created experiment %d (%s)\n", e.ID, e.Name)
	return nil
}

func (cmd *cmdExperimentsList) Execute([]string) error {
	var env = startup()

	var list, err = env.Catalog().List(env.ctx, cmd.NameContains)
	if err != nil {
		return err
	}

	switch cmd.Format {
	case "yaml":
		b, err := yaml.Marshal(list)
		mbp.Must(err, "failed to encode to yaml")
		_, _ = os.Stdout.Write(b)
	default:
		writeExperimentsTable(list, time.Now())
	}
	return nil
}

func writeExperimentsTable(list []experiments.Experiment, now time.Time) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Submitted", "Creator", "Executable", "Results", "Note")

	for _, e := range list {
		var rows = "<none>"
		if n, ok := e.Summary["Rows"]; ok {
			rows = strconv.FormatFloat(n, 'f', -1, 64)
		}
		_ = table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.Name,
			humanize.RelTime(e.Submitted, now, "ago", "from now"),
			e.Creator,
			e.Executable,
			rows,
			e.Note,
		})
	}
	_ = table.Render()
}

func (cmd *cmdExperimentsDelete) Execute([]string) error {
	var env = startup()

	if err := env.Manager().Delete(env.ctx, cmd.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted experiment %d\n", cmd.ID)
	return nil
}

func (cmd *cmdExperimentsSummarize) Execute([]string) error {
	var env = startup()

	var summary, err = env.Manager().Summarize(env.ctx, cmd.ID)
	if err != nil {
		return err
	}
	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("Figure", "Value")

	for _, k := range summary.Keys() {
		_ = table.Append([]string{k, humanize.Ftoa(summary[k])})
	}
	return table.Render()
}
