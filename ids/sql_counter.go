package ids

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"go.perfstore.dev/core/stores"
)

// SQLCounter is a Counter held as a row of a remote database having a
// "database/sql" compatible driver. Counters are rows of a table
// "perfstore_counters", having a schema like:
//
//	CREATE TABLE perfstore_counters (
//	  name  TEXT    PRIMARY KEY NOT NULL,
//	  value INTEGER NOT NULL
//	);
//
// Counter values only increase, so the value itself serves as the Version
// which fences conditional updates.
type SQLCounter struct {
	DB *sql.DB

	name  string
	table string
}

// NewSQLCounter returns a SQLCounter of the named row.
func NewSQLCounter(db *sql.DB, name string) *SQLCounter {
	return &SQLCounter{DB: db, name: name, table: "perfstore_counters"}
}

// EnsureSchema creates the counters table, if it doesn't exist.
func (c *SQLCounter) EnsureSchema(ctx context.Context) error {
	var _, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name  TEXT    PRIMARY KEY NOT NULL,
			value INTEGER NOT NULL
		);`, c.table))
	return errors.WithMessage(err, "creating counters table")
}

// Read implements Counter.
func (c *SQLCounter) Read(ctx context.Context) (int64, stores.Version, error) {
	var value int64
	var err = c.DB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT value FROM %s WHERE name=$1;", c.table), c.name).Scan(&value)

	if err == sql.ErrNoRows {
		return 0, "", nil
	} else if err != nil {
		return 0, "", errors.WithMessagef(err, "reading counter %s", c.name)
	}
	return value, stores.Version(strconv.FormatInt(value, 10)), nil
}

// TryWrite implements Counter.
func (c *SQLCounter) TryWrite(ctx context.Context, value int64, expect stores.Version) (bool, error) {
	var update sql.Result
	var err error

	if expect == "" {
		update, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (name, value) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING;`, c.table), c.name, value)
	} else {
		var fence, pErr = strconv.ParseInt(string(expect), 10, 64)
		if pErr != nil {
			return false, errors.Errorf("invalid counter version %q", expect)
		}
		update, err = c.DB.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET value=$1 WHERE name=$2 AND value=$3;`, c.table), value, c.name, fence)
	}

	var rowsAffected int64
	if err == nil {
		rowsAffected, err = update.RowsAffected()
	}
	if err != nil {
		return false, errors.WithMessagef(err, "writing counter %s", c.name)
	}
	return rowsAffected != 0, nil
}
