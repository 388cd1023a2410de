package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexrad/radsched/pkg/logging"
)

type mockDynamo struct {
	putInput     *dynamodb.PutItemInput
	putErr       error
	updateInputs []*dynamodb.UpdateItemInput
	updateErr    error
	getOutput    *dynamodb.GetItemOutput
	getErr       error
}

func (m *mockDynamo) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = input
	return &dynamodb.PutItemOutput{}, m.putErr
}

func (m *mockDynamo) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, input)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getOutput == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return m.getOutput, nil
}

func TestJobStorePutPendingPersistsDefaults(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "intake_jobs", logging.Default())

	job := &JobRecord{
		JobID:    "job-123",
		Kind:     jobKindOrder,
		TenantID: "acme",
		OrderID:  "ord-1",
	}
	require.NoError(t, store.PutPending(context.Background(), job))
	require.NotNil(t, mock.putInput)

	var stored JobRecord
	require.NoError(t, attributevalue.UnmarshalMap(mock.putInput.Item, &stored))

	assert.Equal(t, JobStatusPending, stored.Status)
	assert.NotEmpty(t, stored.CreatedAt)
	assert.NotEmpty(t, stored.UpdatedAt)
	assert.Greater(t, stored.ExpiresAt, time.Now().Unix())

	require.NotNil(t, mock.putInput.ConditionExpression)
	assert.Equal(t, "attribute_not_exists(jobId)", *mock.putInput.ConditionExpression)
}

func TestJobStorePutPendingNilJob(t *testing.T) {
	store := NewJobStore(&mockDynamo{}, "intake_jobs", logging.Default())
	assert.Error(t, store.PutPending(context.Background(), nil))
}

func TestJobStoreMarkCompletedAliasesReservedNames(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "intake_jobs", logging.Default())

	require.NoError(t, store.MarkCompleted(context.Background(), "job-123", "sess-1", OutcomeSessionStarted))
	require.Len(t, mock.updateInputs, 1)

	update := mock.updateInputs[0]
	assert.Equal(t, "status", update.ExpressionAttributeNames["#status"])
	assert.Equal(t, "errorMessage", update.ExpressionAttributeNames["#error"])

	values := update.ExpressionAttributeValues
	assert.Equal(t, string(JobStatusCompleted), values[":status"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "sess-1", values[":session"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, OutcomeSessionStarted, values[":outcome"].(*types.AttributeValueMemberS).Value)

	require.NotNil(t, update.ConditionExpression)
	assert.Equal(t, "attribute_exists(jobId) AND #status = :pending", *update.ConditionExpression)
	assert.Equal(t, string(JobStatusPending), values[":pending"].(*types.AttributeValueMemberS).Value)
}

func TestJobStoreFinalizeAfterFinalizedAcksCleanly(t *testing.T) {
	mock := &mockDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	store := NewJobStore(mock, "intake_jobs", logging.Default())

	assert.NoError(t, store.MarkCompleted(context.Background(), "job-123", "sess-1", OutcomeSessionStarted),
		"a lost pending guard means another delivery already finalized the job")
	assert.NoError(t, store.MarkFailed(context.Background(), "job-123", "boom"))
}

func TestJobStoreFinalizePropagatesOtherErrors(t *testing.T) {
	mock := &mockDynamo{updateErr: errors.New("throttled")}
	store := NewJobStore(mock, "intake_jobs", logging.Default())

	assert.Error(t, store.MarkCompleted(context.Background(), "job-123", "", OutcomeQueued))
}

func TestJobStoreMarkFailedRecordsMessage(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "intake_jobs", logging.Default())

	require.NoError(t, store.MarkFailed(context.Background(), "job-123", "boom"))
	require.Len(t, mock.updateInputs, 1)

	values := mock.updateInputs[0].ExpressionAttributeValues
	assert.Equal(t, string(JobStatusFailed), values[":status"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "boom", values[":error"].(*types.AttributeValueMemberS).Value)
}

func TestJobStoreGetJobNotFound(t *testing.T) {
	store := NewJobStore(&mockDynamo{}, "intake_jobs", logging.Default())

	_, err := store.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobStoreGetJobDecodes(t *testing.T) {
	rec := &JobRecord{JobID: "job-1", Status: JobStatusCompleted, Kind: jobKindOrder, TenantID: "acme", SessionID: "sess-1", Outcome: OutcomeSessionStarted}
	item, err := attributevalue.MarshalMap(rec)
	require.NoError(t, err)

	store := NewJobStore(&mockDynamo{getOutput: &dynamodb.GetItemOutput{Item: item}}, "intake_jobs", logging.Default())

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, OutcomeSessionStarted, got.Outcome)
}

func TestJobStorePutPendingPropagatesError(t *testing.T) {
	store := NewJobStore(&mockDynamo{putErr: errors.New("throttled")}, "intake_jobs", logging.Default())
	err := store.PutPending(context.Background(), &JobRecord{JobID: "job-1", Kind: jobKindOrder})
	assert.Error(t, err)
}
