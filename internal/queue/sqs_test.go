package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/logging"
)

type mockSQS struct {
	mock.Mock
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.ReceiveMessageOutput)
	return out, args.Error(1)
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.DeleteMessageOutput)
	return out, args.Error(1)
}

func (m *mockSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.ChangeMessageVisibilityOutput)
	return out, args.Error(1)
}

const testQueueURL = "http://localhost:4566/000000000000/deliveries"

func newTestSQSQueue(client SQSAPI) *SQSQueue {
	return NewSQSQueue(client, testQueueURL, SQSOptions{
		WaitTime:          30 * time.Second,
		VisibilityTimeout: time.Minute,
		Logger:            logging.Discard(),
	})
}

func TestSQSQueue_EnqueueSendsJSONBody(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)

	job := Job{ID: "job-1", Kind: "delivery", Payload: json.RawMessage(`{"product":1}`)}

	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		var got Job
		if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
			return false
		}
		return aws.ToString(in.QueueUrl) == testQueueURL &&
			got.ID == "job-1" &&
			aws.ToString(in.MessageAttributes["Kind"].StringValue) == "delivery"
	})).Return(&sqs.SendMessageOutput{}, nil)

	require.NoError(t, q.Enqueue(context.Background(), job))
	client.AssertExpectations(t)
}

func TestSQSQueue_EnqueueWrapsError(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := q.Enqueue(context.Background(), Job{ID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestSQSQueue_DequeueAckDeletes(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)
	body, _ := json.Marshal(Job{ID: "job-2", Kind: "import"})

	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return in.WaitTimeSeconds == 20 && in.VisibilityTimeout == 60 && in.MaxNumberOfMessages == 1
	})).Return(&sqs.ReceiveMessageOutput{}, nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{Body: aws.String(string(body)), ReceiptHandle: aws.String("rh-2")}},
	}, nil).Once()
	client.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-2"
	})).Return(&sqs.DeleteMessageOutput{}, nil)

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-2", msg.Job.ID)
	require.NoError(t, msg.Ack(context.Background()))

	client.AssertExpectations(t)
}

func TestSQSQueue_NackReleasesVisibility(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)
	body, _ := json.Marshal(Job{ID: "job-3"})

	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{Body: aws.String(string(body)), ReceiptHandle: aws.String("rh-3")}},
	}, nil)
	client.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-3" && in.VisibilityTimeout == 0
	})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil)

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, msg.Nack(context.Background()))

	client.AssertExpectations(t)
}

func TestSQSQueue_DropsUndecodableBody(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)
	good, _ := json.Marshal(Job{ID: "good"})

	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{Body: aws.String("not json"), ReceiptHandle: aws.String("rh-bad")}},
	}, nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{Body: aws.String(string(good)), ReceiptHandle: aws.String("rh-good")}},
	}, nil).Once()
	client.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-bad"
	})).Return(&sqs.DeleteMessageOutput{}, nil)

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good", msg.Job.ID)
	client.AssertExpectations(t)
}

func TestSQSQueue_Closed(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{}), ErrClosed)
	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	client.AssertNotCalled(t, "ReceiveMessage", mock.Anything, mock.Anything)
}

func TestSQSQueue_DequeueStampsAttemptAndLease(t *testing.T) {
	client := new(mockSQS)
	q := newTestSQSQueue(client)
	body, _ := json.Marshal(Job{ID: "job-4", Kind: "import"})

	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return len(in.MessageSystemAttributeNames) == 1 &&
			in.MessageSystemAttributeNames[0] == types.MessageSystemAttributeNameApproximateReceiveCount
	})).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{
			Body:          aws.String(string(body)),
			ReceiptHandle: aws.String("rh-4"),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		}},
	}, nil)
	client.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-4" && in.VisibilityTimeout == 60
	})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil)

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, msg.Job.Attempt)
	assert.Equal(t, time.Minute, msg.Lease)
	require.NoError(t, msg.Extend(context.Background()))

	client.AssertExpectations(t)
}

func TestReceiveCount(t *testing.T) {
	assert.Equal(t, 2, receiveCount(map[string]string{"ApproximateReceiveCount": "2"}, 1))
	assert.Equal(t, 1, receiveCount(map[string]string{"ApproximateReceiveCount": "x"}, 1))
	assert.Equal(t, 1, receiveCount(nil, 1))
}
