package booking

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/slots"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

type mockDynamo struct {
	putInput  *dynamodb.PutItemInput
	putErr    error
	getInput  *dynamodb.GetItemInput
	getOutput *dynamodb.GetItemOutput
	getErr    error
}

func (m *mockDynamo) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = input
	if m.putErr != nil {
		return nil, m.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.getInput = input
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getOutput == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return m.getOutput, nil
}

func sampleWorkflow() *Workflow {
	now := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	resID := uuid.New()
	expires := now.Add(10 * time.Minute)
	return &Workflow{
		ID:             uuid.New(),
		PractitionerID: "pr-1",
		PatientID:      "patient-a",
		Amount:         50000,
		Currency:       "inr",
		State:          StateAwaitingPayment,
		Slot:           &slots.Slot{PractitionerID: "pr-1", Date: monday, Start: at(9, 0), End: at(9, 30)},
		ReservationID:  &resID,
		HoldExpiresAt:  &expires,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        2,
	}
}

func TestDynamoSaveConditions(t *testing.T) {
	mock := &mockDynamo{}
	store := NewDynamoSnapshotStore(mock, "booking_workflows", logging.Discard())
	wf := sampleWorkflow()

	require.NoError(t, store.Save(context.Background(), wf, 0))
	assert.Equal(t, "booking_workflows", aws.ToString(mock.putInput.TableName))
	assert.Equal(t, "attribute_not_exists(id)", aws.ToString(mock.putInput.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: wf.ID.String()}, mock.putInput.Item["id"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "awaiting_payment"}, mock.putInput.Item["state"])

	require.NoError(t, store.Save(context.Background(), wf, 1))
	assert.Equal(t, "#version = :expected", aws.ToString(mock.putInput.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, mock.putInput.ExpressionAttributeValues[":expected"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, mock.putInput.Item["version"])
}

func TestDynamoSaveConflict(t *testing.T) {
	mock := &mockDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("version mismatch")}}
	store := NewDynamoSnapshotStore(mock, "booking_workflows", logging.Discard())

	err := store.Save(context.Background(), sampleWorkflow(), 1)
	assert.ErrorIs(t, err, ErrConflict)

	mock.putErr = errors.New("throttled")
	err = store.Save(context.Background(), sampleWorkflow(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "throttled")
}

func TestDynamoGet(t *testing.T) {
	wf := sampleWorkflow()
	doc, err := json.Marshal(wf)
	require.NoError(t, err)
	mock := &mockDynamo{getOutput: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"id":       &types.AttributeValueMemberS{Value: wf.ID.String()},
		"version":  &types.AttributeValueMemberN{Value: "7"},
		"state":    &types.AttributeValueMemberS{Value: string(wf.State)},
		"document": &types.AttributeValueMemberS{Value: string(doc)},
	}}}
	store := NewDynamoSnapshotStore(mock, "booking_workflows", logging.Discard())

	got, err := store.Get(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.True(t, aws.ToBool(mock.getInput.ConsistentRead))
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, StateAwaitingPayment, got.State)
	require.NotNil(t, got.Slot)
	assert.Equal(t, *wf.Slot, *got.Slot)
	assert.Equal(t, *wf.ReservationID, *got.ReservationID)
	assert.True(t, wf.HoldExpiresAt.Equal(*got.HoldExpiresAt))
}

func TestDynamoGetNotFound(t *testing.T) {
	store := NewDynamoSnapshotStore(&mockDynamo{}, "booking_workflows", logging.Discard())
	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySnapshotStoreVersions(t *testing.T) {
	store := NewMemorySnapshotStore()
	wf := sampleWorkflow()
	wf.Version = 1
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, wf, 0))
	assert.ErrorIs(t, store.Save(ctx, wf, 0), ErrConflict)

	next := wf.Clone()
	next.Version = 2
	next.State = StateConfirmed
	require.NoError(t, store.Save(ctx, next, 1))
	assert.ErrorIs(t, store.Save(ctx, next, 1), ErrConflict)

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	got.Slot.Start = at(11, 0)

	again, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, at(9, 0), again.Slot.Start)
	assert.Equal(t, map[State]int{StateConfirmed: 1}, store.Count())
}
