// Package perfctlcmd implements the commands of perfctl, a tool for managing
// experiments and their benchmark results.
package perfctlcmd

import (
	"context"
	"database/sql"

	"github.com/jessevdk/go-flags"
	"go.perfstore.dev/core/experiments"
	"go.perfstore.dev/core/ids"
	mbp "go.perfstore.dev/core/mainboilerplate"
	"go.perfstore.dev/core/results"
	"go.perfstore.dev/core/stores"
)

const iniFilename = "perfctl.ini"

var (
	baseCfg = new(struct {
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"diagnostics" env-namespace:"DIAGNOSTICS"`
		Store       mbp.StoreConfig       `group:"Store" namespace:"store" env-namespace:"STORE"`
		Catalog     mbp.CatalogConfig     `group:"Catalog" namespace:"catalog" env-namespace:"CATALOG"`
		Counter     mbp.CounterConfig     `group:"Counter" namespace:"counter" env-namespace:"COUNTER"`
	})

	// CommandRegistry holds sub-commands of perfctl, registered by init().
	CommandRegistry = mbp.NewCommandRegistry()
)

// env lazily builds the clients used by a command, so that commands
// connect only to the services they use.
type env struct {
	ctx       context.Context
	store     stores.Store
	table     *results.Table
	db        *sql.DB
	catalog   *experiments.Catalog
	allocator *ids.Allocator
}

func startup() *env {
	mbp.InitLog(baseCfg.Log)
	mbp.InitDiagnostics(baseCfg.Diagnostics)
	return &env{ctx: context.Background()}
}

func (e *env) Store() stores.Store {
	if e.store == nil {
		e.store = baseCfg.Store.MustOpen()
	}
	return e.store
}

func (e *env) Table() *results.Table {
	if e.table == nil {
		e.table = baseCfg.Store.MustTable(e.Store())
	}
	return e.table
}

func (e *env) DB() *sql.DB {
	if e.db == nil {
		e.db = baseCfg.Catalog.MustOpen(e.ctx)
	}
	return e.db
}

func (e *env) Catalog() *experiments.Catalog {
	if e.catalog == nil {
		e.catalog = baseCfg.Catalog.MustCatalog(e.ctx, e.DB())
	}
	return e.catalog
}

func (e *env) Allocator() *ids.Allocator {
	if e.allocator != nil {
		return e.allocator
	}
	var store stores.Store
	var db *sql.DB

	switch baseCfg.Counter.Backend {
	case "store":
		store = e.Store()
	case "sql":
		db = e.DB()
	}
	e.allocator = baseCfg.Counter.MustAllocator(e.ctx, store, db)
	e.allocator.MaxAttempts = baseCfg.Store.MaxAttempts
	return e.allocator
}

func (e *env) Manager() *experiments.Manager {
	var table = e.Table()
	return experiments.NewManager(e.Catalog(), e.Allocator(), table, table.Outputs(), experiments.StatusAggregator{})
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}

// Execute parses configuration and runs the selected perfctl command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `perfctl is a tool for managing experiments and their benchmark results.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure perfctl with a '` + iniFilename + `' file in $PERFSTORE_CONFIG_DIR, in the
	current working directory, or in '~/.config/perfstore/'. Use the 'print-config' sub-command to
	inspect the tool's current configuration.
	`

	// Subcommands that exist solely to contain and organize further nested
	// subcommands. They must exist before registered sub-commands are added.
	_ = mustAddCmd(parser.Command, "experiments", "Manage experiments", "", &struct{}{})
	_ = mustAddCmd(parser.Command, "results", "Inspect and modify results of an experiment", "", &struct{}{})
	_ = mustAddCmd(parser.Command, "ids", "Manage the experiment ID counter", "", &struct{}{})
	_ = mustAddCmd(parser.Command, "store", "Inspect the results store", "", &struct{}{})

	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename, &baseCfg.Store, &baseCfg.Catalog, &baseCfg.Counter)
}
