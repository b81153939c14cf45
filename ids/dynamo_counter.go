package ids

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.perfstore.dev/core/stores"
)

// DDBClient is the subset of *dynamodb.Client used by DynamoCounter.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoCounter is a Counter held as an item of a DynamoDB table, using
// conditional PutItem for compare-and-swap.
//
// Table schema:
//   - Partition key: name (string)
//   - Attribute: value (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name perfstore-counters \
//	  --attribute-definitions AttributeName=name,AttributeType=S \
//	  --key-schema AttributeName=name,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoCounter struct {
	client    DDBClient
	tableName string
	name      string
}

// NewDynamoCounter returns a DynamoCounter of the named item of |tableName|.
func NewDynamoCounter(client DDBClient, tableName, name string) *DynamoCounter {
	return &DynamoCounter{client: client, tableName: tableName, name: name}
}

// Read implements Counter.
func (c *DynamoCounter) Read(ctx context.Context) (int64, stores.Version, error) {
	resp, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: c.name}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to read counter %s from DynamoDB: %w", c.name, err)
	} else if resp.Item == nil {
		return 0, "", nil
	}

	valueAttr, ok := resp.Item["value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", fmt.Errorf("invalid value attribute of counter %s", c.name)
	}
	value, err := strconv.ParseInt(valueAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse counter %s: %w", c.name, err)
	}
	return value, stores.Version(valueAttr.Value), nil
}

// TryWrite implements Counter.
func (c *DynamoCounter) TryWrite(ctx context.Context, value int64, expect stores.Version) (bool, error) {
	var input = &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"name":  &types.AttributeValueMemberS{Value: c.name},
			"value": &types.AttributeValueMemberN{Value: strconv.FormatInt(value, 10)},
		},
	}
	// "name" and "value" are DynamoDB reserved words, and must be aliased.
	if expect == "" {
		input.ConditionExpression = aws.String("attribute_not_exists(#n)")
		input.ExpressionAttributeNames = map[string]string{"#n": "name"}
	} else {
		input.ConditionExpression = aws.String("#v = :expect")
		input.ExpressionAttributeNames = map[string]string{"#v": "value"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expect": &types.AttributeValueMemberN{Value: string(expect)},
		}
	}

	if _, err := c.client.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write counter %s to DynamoDB: %w", c.name, err)
	}
	return true, nil
}
