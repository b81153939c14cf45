package ids

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.perfstore.dev/core/retry"
	"go.perfstore.dev/core/stores"
)

func newSQLCounter(t *testing.T) *SQLCounter {
	var db, err = sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1) // Each connection would otherwise have its own database.
	t.Cleanup(func() { db.Close() })

	var c = NewSQLCounter(db, "experiments")
	require.NoError(t, c.EnsureSchema(context.Background()))
	return c
}

func counterBackends(t *testing.T) map[string]func() Counter {
	return map[string]func() Counter{
		"store": func() Counter { return NewStoreCounter(stores.NewMemoryStore(), "counters/experiments") },
		"sql":   func() Counter { return newSQLCounter(t) },
		"dynamo": func() Counter {
			return NewDynamoCounter(newMockDDBClient(), "perfstore-counters", "experiments")
		},
	}
}

func TestCounterConditionalWrites(t *testing.T) {
	for name, newCounter := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			var c = newCounter()

			var value, ver, err = c.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(0), value)
			require.Equal(t, stores.Version(""), ver)

			ok, err := c.TryWrite(ctx, 1, "")
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = c.TryWrite(ctx, 5, "")
			require.NoError(t, err)
			require.False(t, ok)

			value, v1, err := c.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(1), value)
			require.NotEmpty(t, v1)

			ok, err = c.TryWrite(ctx, 2, v1)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = c.TryWrite(ctx, 3, v1) // Stale.
			require.NoError(t, err)
			require.False(t, ok)

			value, _, err = c.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(2), value)
		})
	}
}

func TestConcurrentAllocationIsUniqueAndContiguous(t *testing.T) {
	for name, newCounter := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			var alloc = NewAllocator(newCounter())
			alloc.MaxAttempts = 10000

			// Start from a non-zero prior value.
			var prior, err = alloc.AdvancePast(ctx, []int64{41})
			require.NoError(t, err)
			require.Equal(t, int64(41), prior)

			const workers, perWorker = 8, 25
			var mu sync.Mutex
			var issued []int64
			var wg sync.WaitGroup

			for w := 0; w != workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i != perWorker; i++ {
						var id, err = alloc.AllocateNextID(ctx)
						require.NoError(t, err)

						mu.Lock()
						issued = append(issued, id)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			sort.Slice(issued, func(i, j int) bool { return issued[i] < issued[j] })
			require.Len(t, issued, workers*perWorker)
			for i, id := range issued {
				require.Equal(t, prior+1+int64(i), id)
			}

			current, err := alloc.Current(ctx)
			require.NoError(t, err)
			require.Equal(t, issued[len(issued)-1], current)
		})
	}
}

func TestFirstIDIsOne(t *testing.T) {
	var alloc = NewAllocator(NewStoreCounter(stores.NewMemoryStore(), "c"))

	for expect := int64(1); expect != 4; expect++ {
		var id, err = alloc.AllocateNextID(context.Background())
		require.NoError(t, err)
		require.Equal(t, expect, id)
	}
}

func TestAdvancePast(t *testing.T) {
	var ctx = context.Background()
	var alloc = NewAllocator(newSQLCounter(t))

	var value, err = alloc.AdvancePast(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), value)

	// The Counter takes the largest imported ID, and the next issued ID
	// follows it directly.
	value, err = alloc.AdvancePast(ctx, []int64{7, 19, 3})
	require.NoError(t, err)
	require.Equal(t, int64(19), value)

	current, err := alloc.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(19), current)

	// Never regresses.
	value, err = alloc.AdvancePast(ctx, []int64{4})
	require.NoError(t, err)
	require.Equal(t, int64(19), value)
	value, err = alloc.AdvancePast(ctx, []int64{19})
	require.NoError(t, err)
	require.Equal(t, int64(19), value)

	id, err := alloc.AllocateNextID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20), id)

	// Advancing past an issued ID is a no-op.
	value, err = alloc.AdvancePast(ctx, []int64{20})
	require.NoError(t, err)
	require.Equal(t, int64(20), value)

	id, err = alloc.AllocateNextID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(21), id)
}

func TestAllocationGivesUpUnderContention(t *testing.T) {
	var alloc = NewAllocator(NewStoreCounter(&stores.CallbackStore{
		Inner: stores.NewMemoryStore(),
		PutFunc: func(context.Context, string, io.ReaderAt, int64, string, stores.WriteMode, stores.Version) (stores.Version, error) {
			return "", stores.ErrPreconditionFailed
		},
	}, "c"))
	alloc.MaxAttempts = 4

	var _, err = alloc.AllocateNextID(context.Background())
	require.True(t, errors.Is(err, retry.ErrContention))
	require.Contains(t, err.Error(), "allocating experiment ID: ids.allocate")
}

func TestStoreCounterRejectsGarbage(t *testing.T) {
	var ctx = context.Background()
	var mem = stores.NewMemoryStore()
	var _, err = mem.Put(ctx, "c", bytesReader("forty-two"), 9, "", stores.CreateNew, "")
	require.NoError(t, err)

	_, _, err = NewStoreCounter(mem, "c").Read(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing counter c")
}

type bytesReader string

func (b bytesReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	return copy(p, b[off:]), nil
}

// mockDDBClient is an in-memory DynamoDB mock supporting the conditions
// used by DynamoCounter.
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue // name -> item
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockDDBClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var name = params.Key["name"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.items[name]}, nil
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var name = params.Item["name"].(*types.AttributeValueMemberS).Value
	var cur, exists = m.items[name]
	var failed = &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}

	switch aws.ToString(params.ConditionExpression) {
	case "attribute_not_exists(#n)":
		if exists {
			return nil, failed
		}
	case "#v = :expect":
		var expect = params.ExpressionAttributeValues[":expect"].(*types.AttributeValueMemberN).Value
		if !exists || cur["value"].(*types.AttributeValueMemberN).Value != expect {
			return nil, failed
		}
	}
	m.items[name] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}
