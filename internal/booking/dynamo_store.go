package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// snapshotItem is the DynamoDB row. The workflow itself is kept as a JSON
// document; the other attributes exist for conditions and ad hoc queries.
type snapshotItem struct {
	ID             string `dynamodbav:"id"`
	Version        int64  `dynamodbav:"version"`
	State          string `dynamodbav:"state"`
	PractitionerID string `dynamodbav:"practitioner_id"`
	PatientID      string `dynamodbav:"patient_id"`
	UpdatedAt      string `dynamodbav:"updated_at"`
	Document       string `dynamodbav:"document"`
}

// DynamoSnapshotStore persists workflows to a DynamoDB table keyed by id.
type DynamoSnapshotStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ SnapshotStore = (*DynamoSnapshotStore)(nil)

func NewDynamoSnapshotStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoSnapshotStore {
	if client == nil {
		panic("booking: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("booking: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoSnapshotStore{client: client, tableName: tableName, logger: logger}
}

func (s *DynamoSnapshotStore) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id.String()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("booking: get workflow: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item snapshotItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("booking: decode workflow item: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(item.Document), &wf); err != nil {
		return nil, fmt.Errorf("booking: decode workflow document: %w", err)
	}
	wf.Version = item.Version
	return &wf, nil
}

func (s *DynamoSnapshotStore) Save(ctx context.Context, wf *Workflow, expected int64) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("booking: encode workflow: %w", err)
	}
	item, err := attributevalue.MarshalMap(snapshotItem{
		ID:             wf.ID.String(),
		Version:        wf.Version,
		State:          string(wf.State),
		PractitionerID: wf.PractitionerID,
		PatientID:      wf.PatientID,
		UpdatedAt:      wf.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Document:       string(doc),
	})
	if err != nil {
		return fmt.Errorf("booking: marshal workflow item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(id)")
	} else {
		input.ConditionExpression = aws.String("#version = :expected")
		input.ExpressionAttributeNames = map[string]string{"#version": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return ErrConflict
		}
		return fmt.Errorf("booking: persist workflow: %w", err)
	}
	return nil
}
