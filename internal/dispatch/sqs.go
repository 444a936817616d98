package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/pkg/metrics"
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient builds an SQS client from a resolved AWS config.
func NewSQSClient(cfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg)
}

// SQSQueue publishes job ids to an SQS queue. Messages are deleted on Ack;
// unacked messages reappear after the visibility timeout.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Name() string { return "sqs" }

func (q *SQSQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		metrics.DispatchErrors.WithLabelValues(q.Name()).Inc()
		return fmt.Errorf("publishing to SQS: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, wait time.Duration) ([]Message, error) {
	secs := int32(wait / time.Second)
	if secs > 20 {
		secs = 20
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     secs,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.DispatchErrors.WithLabelValues(q.Name()).Inc()
		return nil, fmt.Errorf("SQS receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		handle := m.ReceiptHandle
		e, err := decode(aws.ToString(m.Body))
		if err != nil {
			logger.Warn("[dispatch.SQS] bad message", "error", err)
			q.delete(ctx, handle)
			continue
		}
		msgs = append(msgs, Message{
			JobID:      e.JobID,
			EnqueuedAt: e.EnqueuedAt,
			ack: func(ctx context.Context) error {
				return q.delete(ctx, handle)
			},
		})
	}
	return msgs, nil
}

func (q *SQSQueue) delete(ctx context.Context, handle *string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		return fmt.Errorf("SQS delete: %w", err)
	}
	return nil
}
