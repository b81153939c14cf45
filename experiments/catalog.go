// Package experiments maintains the catalog of experiments: their metadata,
// allocation of their IDs, their deletion, and summaries of their results.
package experiments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned for an experiment which isn't in the Catalog.
var ErrNotFound = errors.New("experiment not found")

// Experiment is the metadata of an experiment.
type Experiment struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
	// Submitted is the UTC time at which the experiment was submitted.
	Submitted  time.Time `yaml:"submitted"`
	Creator    string    `yaml:"creator"`
	Note       string    `yaml:"note"`
	Executable string    `yaml:"executable"`
	Parameters string    `yaml:"parameters"`
	// Summary of the experiment's results, or nil if not yet summarized.
	Summary Summary `yaml:"-"`
}

// Catalog is a table of Experiments held by a remote database having a
// "database/sql" compatible driver. Experiments are rows of a table
// "perfstore_experiments", having a schema like:
//
//	CREATE TABLE perfstore_experiments (
//	  id         BIGINT    PRIMARY KEY NOT NULL,
//	  name       TEXT      NOT NULL,
//	  submitted  TIMESTAMP NOT NULL,
//	  creator    TEXT      NOT NULL,
//	  note       TEXT      NOT NULL,
//	  executable TEXT      NOT NULL,
//	  parameters TEXT      NOT NULL,
//	  summary    TEXT
//	);
//
// Statements use $N placeholders, which both postgres and sqlite3 accept.
type Catalog struct {
	DB *sql.DB

	table string
}

// NewCatalog returns a Catalog of the database.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{DB: db, table: "perfstore_experiments"}
}

// EnsureSchema creates the experiments table, if it doesn't exist.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	var _, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         BIGINT    PRIMARY KEY NOT NULL,
			name       TEXT      NOT NULL,
			submitted  TIMESTAMP NOT NULL,
			creator    TEXT      NOT NULL,
			note       TEXT      NOT NULL,
			executable TEXT      NOT NULL,
			parameters TEXT      NOT NULL,
			summary    TEXT
		);`, c.table))
	return errors.WithMessage(err, "creating experiments table")
}

const columns = "id, name, submitted, creator, note, executable, parameters, summary"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (c *Catalog) insert(ctx context.Context, db execer, e Experiment) error {
	var summary, err = e.Summary.marshal()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);", c.table, columns),
		e.ID, e.Name, e.Submitted.UTC(), e.Creator, e.Note, e.Executable, e.Parameters, summary)

	return errors.WithMessagef(err, "inserting experiment %d", e.ID)
}

// Create inserts the Experiment. It's an error if its ID already exists.
func (c *Catalog) Create(ctx context.Context, e Experiment) error {
	return c.insert(ctx, c.DB, e)
}

// InsertBatch inserts all |batch| Experiments within a single transaction.
// Either all are inserted, or none are.
func (c *Catalog) InsertBatch(ctx context.Context, batch []Experiment) error {
	var txn, err = c.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithMessage(err, "DB.BeginTx")
	}
	for _, e := range batch {
		if err = c.insert(ctx, txn, e); err != nil {
			_ = txn.Rollback()
			return err
		}
	}
	return errors.WithMessage(txn.Commit(), "txn.Commit")
}

// Get the Experiment with |id|, or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id int64) (Experiment, error) {
	var row = c.DB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE id=$1;", columns, c.table), id)

	var e, err = scanExperiment(row.Scan)
	if err == sql.ErrNoRows {
		return Experiment{}, errors.WithMessagef(ErrNotFound, "experiment %d", id)
	}
	return e, errors.WithMessagef(err, "reading experiment %d", id)
}

// List Experiments in ascending ID order. If |nameContains| is non-empty,
// only Experiments having names containing it are listed.
func (c *Catalog) List(ctx context.Context, nameContains string) ([]Experiment, error) {
	var rows, err = c.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY id;", columns, c.table))
	if err != nil {
		return nil, errors.WithMessage(err, "listing experiments")
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		var e, err = scanExperiment(rows.Scan)
		if err != nil {
			return nil, errors.WithMessage(err, "listing experiments")
		} else if strings.Contains(e.Name, nameContains) {
			out = append(out, e)
		}
	}
	return out, errors.WithMessage(rows.Err(), "listing experiments")
}

// Delete the Experiment with |id|. Deleting an absent Experiment is not an
// error, so that a partial deletion may be retried.
func (c *Catalog) Delete(ctx context.Context, id int64) error {
	var _, err = c.DB.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id=$1;", c.table), id)
	return errors.WithMessagef(err, "deleting experiment %d", id)
}

// UpdateSummary stores the Summary of the Experiment with |id|.
func (c *Catalog) UpdateSummary(ctx context.Context, id int64, summary Summary) error {
	var text, err = summary.marshal()
	if err != nil {
		return err
	}
	update, err := c.DB.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET summary=$1 WHERE id=$2;", c.table), text, id)

	var rowsAffected int64
	if err == nil {
		rowsAffected, err = update.RowsAffected()
	}
	if err != nil {
		return errors.WithMessagef(err, "updating summary of experiment %d", id)
	} else if rowsAffected == 0 {
		return errors.WithMessagef(ErrNotFound, "experiment %d", id)
	}
	return nil
}

func scanExperiment(scan func(...interface{}) error) (Experiment, error) {
	var e Experiment
	var summary sql.NullString

	if err := scan(&e.ID, &e.Name, &e.Submitted, &e.Creator, &e.Note,
		&e.Executable, &e.Parameters, &summary); err != nil {
		return Experiment{}, err
	}
	e.Submitted = e.Submitted.UTC()

	if summary.Valid {
		if err := json.Unmarshal([]byte(summary.String), &e.Summary); err != nil {
			return Experiment{}, errors.WithMessagef(err, "decoding summary of experiment %d", e.ID)
		}
	}
	return e, nil
}

func (s Summary) marshal() (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	var b, err = json.Marshal(s)
	if err != nil {
		return sql.NullString{}, errors.WithMessage(err, "encoding summary")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
