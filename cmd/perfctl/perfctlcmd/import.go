package perfctlcmd

import (
	"fmt"

	"github.com/spf13/afero"
	"go.perfstore.dev/core/imports"
)

type cmdImport struct {
	Manifest  string `long:"manifest" required:"true" description:"Path of the YAML manifest of experiments to import"`
	BatchSize int    `long:"batch-size" default:"100" description:"Maximum catalog rows per transaction, and results per write"`
}

func init() {
	CommandRegistry.AddCommand("", "import", "Import experiments having assigned IDs", `
Import experiments, and their results, described by a YAML manifest:

  experiments:
    - id: 17
      name: nightly
      submitted: 2024-03-05T10:11:12Z
      creator: ci
      results: 17.csv

Result paths are relative to the manifest. All results are read and validated
before anything is written. The experiment ID counter is advanced past
imported IDs. An import isn't transactional, and a failed import may be
partially applied.
`, &cmdImport{})
}

func (cmd *cmdImport) Execute([]string) error {
	var env = startup()

	var im = &imports.Importer{
		FS:        afero.NewOsFs(),
		Catalog:   env.Catalog(),
		Allocator: env.Allocator(),
		Results:   env.Table(),
		BatchSize: cmd.BatchSize,
	}
	var report, err = im.Import(env.ctx, cmd.Manifest)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d experiments having %d results (%d catalog transactions, %d result writes)\n",
		report.Experiments, report.Rows, report.CatalogTxns, report.ResultWrites)
	return nil
}
