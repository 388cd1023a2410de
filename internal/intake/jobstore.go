package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/apexrad/radsched/pkg/logging"
)

const jobTTL = 24 * time.Hour

// JobStatus represents the lifecycle of a tracked intake job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Outcomes reported on completed order jobs.
const (
	OutcomeSessionStarted = "session_started"
	OutcomeQueued         = "queued"
)

// ErrJobNotFound indicates the requested job ID does not exist.
var ErrJobNotFound = errors.New("intake: job not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// JobRecord captures the persisted state of one tracked order job. Phone
// numbers never appear here; the record carries only identifiers safe for
// the polling endpoint.
type JobRecord struct {
	JobID        string    `dynamodbav:"jobId" json:"jobId"`
	Status       JobStatus `dynamodbav:"status" json:"status"`
	Kind         jobKind   `dynamodbav:"kind" json:"kind"`
	TenantID     string    `dynamodbav:"tenantId" json:"tenantId"`
	OrderID      string    `dynamodbav:"orderId,omitempty" json:"orderId,omitempty"`
	SessionID    string    `dynamodbav:"sessionId,omitempty" json:"sessionId,omitempty"`
	Outcome      string    `dynamodbav:"outcome,omitempty" json:"outcome,omitempty"`
	ErrorMessage string    `dynamodbav:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt    string    `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt    string    `dynamodbav:"updatedAt" json:"updatedAt"`
	ExpiresAt    int64     `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// NewOrderJob builds the pending record for a tracked order job. The
// webhook persists it before enqueueing so a poll can never race an
// unwritten record.
func NewOrderJob(jobID, tenantID, orderID string) *JobRecord {
	return &JobRecord{
		JobID:    jobID,
		Kind:     jobKindOrder,
		TenantID: tenantID,
		OrderID:  orderID,
	}
}

// JobRecorder writes new job records and reads them back.
type JobRecorder interface {
	PutPending(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
}

// JobUpdater finalizes job records from the worker.
type JobUpdater interface {
	MarkCompleted(ctx context.Context, jobID, sessionID, outcome string) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
}

// JobStore persists job records to DynamoDB with a TTL attribute so the
// table self-cleans. Records move pending -> completed|failed exactly once;
// a conditional update enforces the transition so a redelivered queue
// message cannot rewrite a job some earlier delivery already finalized.
type JobStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ JobRecorder = (*JobStore)(nil)
var _ JobUpdater = (*JobStore)(nil)

// NewJobStore builds a store backed by the provided DynamoDB client.
func NewJobStore(client dynamoAPI, tableName string, logger *logging.Logger) *JobStore {
	if client == nil {
		panic("intake: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("intake: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &JobStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// PutPending inserts a new pending job record. Job IDs are write-once; a
// duplicate insert fails rather than resetting a job another writer owns.
func (s *JobStore) PutPending(ctx context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("intake: job cannot be nil")
	}
	now := time.Now().UTC()
	job.Status = JobStatusPending
	job.CreatedAt = now.Format(time.RFC3339Nano)
	job.UpdatedAt = job.CreatedAt
	if job.ExpiresAt == 0 {
		job.ExpiresAt = now.Add(jobTTL).Unix()
	}

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("intake: marshal job: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("intake: put job: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a job. sessionID is empty when the order parked
// behind an active conversation.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID, sessionID, outcome string) error {
	return s.finalize(ctx, jobID, jobFinal{
		status:    JobStatusCompleted,
		sessionID: sessionID,
		outcome:   outcome,
	})
}

// MarkFailed finalizes a job in the failed state.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return s.finalize(ctx, jobID, jobFinal{
		status: JobStatusFailed,
		errMsg: errMsg,
	})
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, errors.New("intake: jobID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       jobKey(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("intake: get job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}

	var job JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("intake: decode job: %w", err)
	}
	return &job, nil
}

// jobFinal is the terminal state written by finalize. Fields irrelevant to
// the status stay empty.
type jobFinal struct {
	status    JobStatus
	sessionID string
	outcome   string
	errMsg    string
}

const finalizeExpression = "SET #status = :status, sessionId = :session, outcome = :outcome, #error = :error, #updated = :updated"

// finalize writes the terminal state, guarded on the record still being
// pending. Losing the guard is not an error: the worker retries jobs by
// queue redelivery, so a second delivery finalizing an already finalized
// job must ack cleanly instead of wedging the message in the queue.
func (s *JobStore) finalize(ctx context.Context, jobID string, final jobFinal) error {
	if jobID == "" {
		return errors.New("intake: jobID required")
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              jobKey(jobID),
		UpdateExpression: aws.String(finalizeExpression),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(final.status)},
			":session": &types.AttributeValueMemberS{Value: final.sessionID},
			":outcome": &types.AttributeValueMemberS{Value: final.outcome},
			":error":   &types.AttributeValueMemberS{Value: final.errMsg},
			":updated": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			":pending": &types.AttributeValueMemberS{Value: string(JobStatusPending)},
		},
		ConditionExpression: aws.String("attribute_exists(jobId) AND #status = :pending"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			s.logger.Warn("job already finalized or expired, keeping existing record",
				"job_id", jobID,
				"attempted_status", string(final.status))
			return nil
		}
		return fmt.Errorf("intake: finalize job %s: %w", jobID, err)
	}
	return nil
}

func jobKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"jobId": &types.AttributeValueMemberS{Value: jobID},
	}
}
