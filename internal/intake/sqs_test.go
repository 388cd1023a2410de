package intake

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSQS struct {
	sendInputs    []*sqs.SendMessageInput
	sendErr       error
	receiveInputs []*sqs.ReceiveMessageInput
	receiveOut    []sqstypes.Message
	receiveErr    error
	deleteInputs  []*sqs.DeleteMessageInput
}

func (m *mockSQS) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sendInputs = append(m.sendInputs, input)
	return &sqs.SendMessageOutput{}, m.sendErr
}

func (m *mockSQS) ReceiveMessage(_ context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveInputs = append(m.receiveInputs, input)
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	return &sqs.ReceiveMessageOutput{Messages: m.receiveOut}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleteInputs = append(m.deleteInputs, input)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueSendTargetsQueueURL(t *testing.T) {
	mock := &mockSQS{}
	queue := NewSQSQueue(mock, "https://sqs.local/intake")

	require.NoError(t, queue.Send(context.Background(), `{"kind":"order_received"}`))
	require.Len(t, mock.sendInputs, 1)
	assert.Equal(t, "https://sqs.local/intake", aws.ToString(mock.sendInputs[0].QueueUrl))
	assert.Equal(t, `{"kind":"order_received"}`, aws.ToString(mock.sendInputs[0].MessageBody))
}

func TestSQSQueueReceiveClampsToSQSLimits(t *testing.T) {
	mock := &mockSQS{}
	queue := NewSQSQueue(mock, "https://sqs.local/intake")

	_, err := queue.Receive(context.Background(), 50, 99)
	require.NoError(t, err)
	require.Len(t, mock.receiveInputs, 1)
	assert.Equal(t, int32(maxReceiveBatchSize), mock.receiveInputs[0].MaxNumberOfMessages)
	assert.Equal(t, int32(maxWaitSeconds), mock.receiveInputs[0].WaitTimeSeconds)

	_, err = queue.Receive(context.Background(), 0, -5)
	require.NoError(t, err)
	require.Len(t, mock.receiveInputs, 2)
	assert.Equal(t, int32(1), mock.receiveInputs[1].MaxNumberOfMessages)
	assert.Equal(t, int32(0), mock.receiveInputs[1].WaitTimeSeconds)
}

func TestSQSQueueReceiveMapsMessages(t *testing.T) {
	mock := &mockSQS{receiveOut: []sqstypes.Message{
		{MessageId: aws.String("m1"), Body: aws.String("one"), ReceiptHandle: aws.String("rh1")},
		{MessageId: aws.String("m2"), Body: aws.String("two"), ReceiptHandle: aws.String("rh2")},
	}}
	queue := NewSQSQueue(mock, "https://sqs.local/intake")

	messages, err := queue.Receive(context.Background(), 5, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "one", messages[0].Body)
	assert.Equal(t, "rh2", messages[1].ReceiptHandle)
}

func TestSQSQueueReceivePropagatesError(t *testing.T) {
	mock := &mockSQS{receiveErr: errors.New("throttled")}
	queue := NewSQSQueue(mock, "https://sqs.local/intake")

	_, err := queue.Receive(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestSQSQueueDeleteSkipsEmptyHandle(t *testing.T) {
	mock := &mockSQS{}
	queue := NewSQSQueue(mock, "https://sqs.local/intake")

	require.NoError(t, queue.Delete(context.Background(), ""))
	assert.Empty(t, mock.deleteInputs, "no API call without a receipt handle")

	require.NoError(t, queue.Delete(context.Background(), "rh1"))
	require.Len(t, mock.deleteInputs, 1)
	assert.Equal(t, "rh1", aws.ToString(mock.deleteInputs[0].ReceiptHandle))
}
