package mainboilerplate

import (
	"context"
	"database/sql"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/ids"
	"go.perfstore.dev/core/stores"
)

// CounterConfig configures the backend of the experiment ID counter.
type CounterConfig struct {
	Backend     string `long:"backend" env:"BACKEND" default:"store" choice:"store" choice:"sql" choice:"dynamodb" description:"Backend holding the experiment ID counter"`
	Name        string `long:"name" env:"NAME" default:"experiments" description:"Name of the counter"`
	DynamoTable string `long:"dynamodb-table" env:"DYNAMODB_TABLE" default:"perfstore-counters" description:"DynamoDB table of counters, if --counter.backend=dynamodb"`
	Region      string `long:"region" env:"REGION" description:"AWS region of the DynamoDB table. Defaults to the region of the AWS environment"`
}

// Validate the CounterConfig. Options of the DynamoDB backend are rejected
// if another backend is selected.
func (c *CounterConfig) Validate() error {
	if c.Name == "" {
		return errors.New("counter.name: must be set")
	}
	switch c.Backend {
	case "store", "sql":
		if c.Region != "" {
			return errors.Errorf("counter.region: applies only to --counter.backend=dynamodb, not %q", c.Backend)
		}
	case "dynamodb":
		if c.DynamoTable == "" {
			return errors.New("counter.dynamodb-table: required by --counter.backend=dynamodb")
		}
	default:
		return errors.Errorf("counter.backend: unknown backend %q", c.Backend)
	}
	return nil
}

// MustAllocator builds an ID Allocator of the configured backend. |store|
// is used by the "store" backend, and |db| by the "sql" backend.
func (c *CounterConfig) MustAllocator(ctx context.Context, store stores.Store, db *sql.DB) *ids.Allocator {
	var counter ids.Counter

	switch c.Backend {
	case "store":
		counter = ids.NewStoreCounter(store, "counters/"+c.Name)
	case "sql":
		var sc = ids.NewSQLCounter(db, c.Name)
		Must(sc.EnsureSchema(ctx), "failed to create counters schema")
		counter = sc
	case "dynamodb":
		var opts []func(*config.LoadOptions) error
		if c.Region != "" {
			opts = append(opts, config.WithRegion(c.Region))
		}
		var awsCfg, err = config.LoadDefaultConfig(ctx, opts...)
		Must(err, "failed to load AWS config")
		counter = ids.NewDynamoCounter(dynamodb.NewFromConfig(awsCfg), c.DynamoTable, c.Name)
	default:
		log.WithField("backend", c.Backend).Panic("unknown counter backend")
	}
	return ids.NewAllocator(counter)
}
