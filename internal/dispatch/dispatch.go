// Package dispatch hands report job ids from the submitting API to the
// worker pool. Delivery is at-least-once: a job id may arrive twice, and the
// claim compare-and-set makes the duplicate a no-op.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/pkg/awsutil"
)

// Queue is both ends of the dispatch facility.
type Queue interface {
	// Enqueue publishes a job id. Fire and forget.
	Enqueue(ctx context.Context, jobID string) error
	// Receive blocks up to wait for messages. An empty result with a nil
	// error means nothing arrived.
	Receive(ctx context.Context, wait time.Duration) ([]Message, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Message is one delivered job id.
type Message struct {
	JobID      string
	EnqueuedAt time.Time
	ack        func(ctx context.Context) error
}

// Ack removes the message from the queue once it has been handled.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

type envelope struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encode(jobID string) (string, error) {
	b, err := json.Marshal(envelope{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(body string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return e, err
	}
	if e.JobID == "" {
		return e, fmt.Errorf("message has no job_id")
	}
	return e, nil
}

// New creates the queue selected by cfg.Backend. rdb is required for the
// redis backend.
func New(ctx context.Context, cfg config.DispatchConfig, rdb *redis.Client, awsCfg config.AWSConfig) (Queue, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("dispatch: redis backend needs a redis client")
		}
		return NewRedisQueue(rdb, cfg.RedisQueue), nil
	case "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("dispatch: sqs_queue_url is required for sqs backend")
		}
		ac, err := awsutil.Load(ctx, awsCfg)
		if err != nil {
			return nil, err
		}
		return NewSQSQueue(NewSQSClient(ac), cfg.SQSQueueURL), nil
	case "memory":
		return NewMemoryQueue(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("dispatch: unknown backend %q", cfg.Backend)
	}
}
