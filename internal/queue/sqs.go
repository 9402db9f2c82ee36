package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of *sqs.Client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewSQSClient builds an SQS client for region. A non-empty endpoint
// targets a local emulator with static dummy credentials.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	var clientOpts []func(*sqs.Options)
	if endpoint != "" {
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg, clientOpts...), nil
}

// SQSOptions tunes receive behaviour.
type SQSOptions struct {
	// WaitTime is the long-poll duration per ReceiveMessage (max 20s).
	WaitTime time.Duration

	// VisibilityTimeout hides a received message while it is handled.
	VisibilityTimeout time.Duration

	Logger *slog.Logger
}

// SQSQueue is an at-least-once Queue backed by one SQS queue URL. A worker
// crash before Ack makes the message visible again after the visibility
// timeout, so handlers may see a job twice.
type SQSQueue struct {
	client     SQSAPI
	url        string
	wait       int32
	visibility int32
	logger     *slog.Logger
	closed     atomic.Bool
}

// NewSQSQueue wraps client for queueURL.
func NewSQSQueue(client SQSAPI, queueURL string, opts SQSOptions) *SQSQueue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	wait := int32(opts.WaitTime / time.Second)
	if wait > 20 {
		wait = 20
	}
	return &SQSQueue{
		client:     client,
		url:        queueURL,
		wait:       wait,
		visibility: int32(opts.VisibilityTimeout / time.Second),
		logger:     opts.Logger.With("queue_url", queueURL),
	}
}

// Enqueue sends job as a JSON message body.
func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Kind": {DataType: aws.String("String"), StringValue: aws.String(job.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("send job %s to SQS: %w", job.ID, err)
	}
	return nil
}

// Dequeue long-polls until one message arrives. Bodies that do not decode
// are deleted so they cannot block the queue.
func (q *SQSQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in := &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.url),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.wait,
		}
		in.MessageSystemAttributeNames = []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		}
		if q.visibility > 0 {
			in.VisibilityTimeout = q.visibility
		}

		out, err := q.client.ReceiveMessage(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("receive from SQS: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		raw := out.Messages[0]
		receipt := aws.ToString(raw.ReceiptHandle)

		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &job); err != nil {
			q.logger.Warn("dropping undecodable SQS message",
				"message_id", aws.ToString(raw.MessageId),
				"error", err,
			)
			if err := q.delete(ctx, receipt); err != nil {
				q.logger.Error("delete undecodable message failed", "error", err)
			}
			continue
		}

		job.Attempt = receiveCount(raw.Attributes, job.Attempt+1)

		msg := &Message{
			Job:  job,
			ack:  func(ctx context.Context) error { return q.delete(ctx, receipt) },
			nack: func(ctx context.Context) error { return q.release(ctx, receipt) },
		}
		if q.visibility > 0 {
			msg.Lease = time.Duration(q.visibility) * time.Second
			msg.extend = func(ctx context.Context) error { return q.setVisibility(ctx, receipt, q.visibility) }
		}
		return msg, nil
	}
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete SQS message: %w", err)
	}
	return nil
}

// release makes the message visible again right away.
func (q *SQSQueue) release(ctx context.Context, receipt string) error {
	if err := q.setVisibility(ctx, receipt, 0); err != nil {
		return fmt.Errorf("release SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) setVisibility(ctx context.Context, receipt string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("change SQS visibility: %w", err)
	}
	return nil
}

// receiveCount reads ApproximateReceiveCount, falling back to def.
func receiveCount(attrs map[string]string, def int) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Close stops Enqueue and Dequeue. The SQS client itself holds no resources.
func (q *SQSQueue) Close() error {
	q.closed.Store(true)
	return nil
}
