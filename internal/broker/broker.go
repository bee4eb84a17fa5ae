package broker

import (
	"context"
	"errors"
	"time"

	"relayq/internal/domain"
)

// ErrUnavailable wraps any connectivity failure to the underlying broker.
// Callers must never see it masked as a timeout or an empty dequeue.
var ErrUnavailable = errors.New("broker unavailable")

// Delivery is one dequeued task plus the receipt needed to acknowledge it.
// An unacknowledged delivery becomes visible to other consumers again once
// the channel's visibility timeout elapses.
type Delivery struct {
	Task    *domain.TaskEnvelope
	Channel string

	// tag is the backend-specific receipt for Ack.
	tag string
}

// WorkerInfo is a liveness record published by a worker process.
type WorkerInfo struct {
	ID       string    `json:"id"`
	Channels []string  `json:"channels"`
	Slots    int       `json:"slots"`
	SeenAt   time.Time `json:"seen_at"`
}

// Broker is the single coordination medium between the coordinator and the
// worker pool: a named FIFO queue per channel plus a keyed, TTL-bound result
// store. Implementations provide at-least-once delivery under their
// acknowledgment discipline.
type Broker interface {
	// Enqueue appends the envelope to the tail of the named channel.
	Enqueue(ctx context.Context, channel string, env *domain.TaskEnvelope) error

	// Dequeue blocks up to block waiting for the oldest available envelope.
	// Returns (nil, nil) when the wait elapses with nothing available.
	Dequeue(ctx context.Context, channel string, block time.Duration) (*Delivery, error)

	// Ack marks a delivery as done so it is never redelivered.
	Ack(ctx context.Context, d *Delivery) error

	// RecoverStale returns leased-but-unacknowledged tasks whose visibility
	// timeout has elapsed back to their queues. Returns the count revived.
	RecoverStale(ctx context.Context) (int, error)

	// StoreResult upserts the result under its task id. Last write wins.
	StoreResult(ctx context.Context, taskID string, res *domain.ResultEnvelope, ttl time.Duration) error

	// FetchResult is a non-blocking read; (nil, nil) when absent or expired.
	FetchResult(ctx context.Context, taskID string) (*domain.ResultEnvelope, error)

	// SetStatus and GetStatus maintain the advisory task status key.
	SetStatus(ctx context.Context, taskID string, st domain.Status, ttl time.Duration) error
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)

	// QueueLen reports the number of tasks waiting on a channel.
	QueueLen(ctx context.Context, channel string) (int64, error)

	// PurgeChannel drops all waiting tasks on a channel. Maintenance only.
	PurgeChannel(ctx context.Context, channel string) error

	// Heartbeat publishes worker liveness; LiveWorkers lists unexpired records.
	Heartbeat(ctx context.Context, info WorkerInfo, ttl time.Duration) error
	LiveWorkers(ctx context.Context) ([]WorkerInfo, error)

	// Ping checks broker reachability.
	Ping(ctx context.Context) error

	Close() error
}
