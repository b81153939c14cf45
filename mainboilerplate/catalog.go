package mainboilerplate

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"           // Import for "postgres" driver.
	_ "github.com/mattn/go-sqlite3" // Import for "sqlite3" driver.
	"github.com/pkg/errors"
	"go.perfstore.dev/core/experiments"
)

// CatalogConfig configures the database of the experiment catalog.
type CatalogConfig struct {
	Driver string `long:"driver" env:"DRIVER" default:"sqlite3" choice:"sqlite3" choice:"postgres" description:"Database driver of the catalog"`
	DSN    string `long:"dsn" env:"DSN" default:"perfstore.db" description:"Data source name of the catalog database, eg postgres://user@host/db or a sqlite3 file path"`
}

// MustOpen opens and pings the catalog database.
func (c *CatalogConfig) MustOpen(ctx context.Context) *sql.DB {
	var db, err = sql.Open(c.Driver, c.DSN)
	Must(err, "failed to open catalog database", "driver", c.Driver)
	Must(db.PingContext(ctx), "failed to connect to catalog database", "driver", c.Driver)

	return db
}

// Validate the CatalogConfig.
func (c *CatalogConfig) Validate() error {
	switch c.Driver {
	case "sqlite3", "postgres":
	default:
		return errors.Errorf("catalog.driver: unknown driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("catalog.dsn: must be set")
	}
	return nil
}

// MustCatalog returns the Catalog of |db|, which was opened by MustOpen,
// creating its tables if required.
func (c *CatalogConfig) MustCatalog(ctx context.Context, db *sql.DB) *experiments.Catalog {
	var catalog = experiments.NewCatalog(db)
	Must(catalog.EnsureSchema(ctx), "failed to create catalog schema", "driver", c.Driver)

	return catalog
}
