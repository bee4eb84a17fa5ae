// Package dispatch implements the coordinator side of the queue: submitting
// task envelopes and correlating results back to the caller by task id.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"relayq/internal/broker"
	"relayq/internal/domain"
	"relayq/internal/metrics"
	"relayq/internal/routing"
)

type Dispatcher struct {
	broker    broker.Broker
	table     *routing.Table
	poll      time.Duration
	resultTTL time.Duration
}

type Option func(*Dispatcher)

// WithPollInterval overrides how often the dispatcher checks the result store.
func WithPollInterval(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.poll = d }
}

// WithResultTTL overrides the retention window used for status bookkeeping.
func WithResultTTL(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.resultTTL = d }
}

func New(b broker.Broker, table *routing.Table, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		broker:    b,
		table:     table,
		poll:      500 * time.Millisecond,
		resultTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates the task type, enqueues a fresh envelope and returns its
// id without waiting for a result. The type is checked against the routing
// table first; an unknown type never reaches the broker.
func (d *Dispatcher) Submit(ctx context.Context, taskType string, params map[string]any, callerContext string) (string, error) {
	env, err := d.submit(ctx, taskType, params, callerContext, "")
	if err != nil {
		return "", err
	}
	return env.ID, nil
}

// Resubmit enqueues a new envelope for a previously submitted task. The new
// envelope gets a fresh id and references the original via retry_of; the
// original is never mutated.
func (d *Dispatcher) Resubmit(ctx context.Context, original *domain.TaskEnvelope) (string, error) {
	env, err := d.submit(ctx, original.Type, original.Parameters, original.CallerContext, original.ID)
	if err != nil {
		return "", err
	}
	return env.ID, nil
}

func (d *Dispatcher) submit(ctx context.Context, taskType string, params map[string]any, callerContext, retryOf string) (*domain.TaskEnvelope, error) {
	channel, err := d.table.Resolve(taskType)
	if err != nil {
		return nil, err
	}

	env := &domain.TaskEnvelope{
		ID:            "tsk_" + uuid.NewString(),
		Type:          taskType,
		CallerContext: callerContext,
		Parameters:    params,
		SubmittedAt:   time.Now().UTC(),
		RetryOf:       retryOf,
	}
	if err := d.broker.Enqueue(ctx, channel, env); err != nil {
		return nil, err
	}

	// Status is advisory; a failure here must not fail the submission.
	if err := d.broker.SetStatus(ctx, env.ID, domain.StatusPending, d.resultTTL); err != nil {
		log.Warn().Err(err).Str("task_id", env.ID).Msg("set pending status")
	}

	metrics.TasksSubmittedTotal.WithLabelValues(taskType, channel).Inc()
	log.Debug().
		Str("task_id", env.ID).
		Str("task_type", taskType).
		Str("channel", channel).
		Msg("task enqueued")
	return env, nil
}

// SubmitAndWait submits a task and polls the result store until a matching
// result appears or deadline elapses.
//
// Outcomes:
//   - a ResultEnvelope, success or worker-reported failure, returned verbatim;
//   - *domain.TaskError with KindUnknownTaskType before anything is enqueued;
//   - *domain.TaskError with KindTimeout when the deadline expires - the
//     outcome is unknown, the task is not cancelled and may still complete;
//   - a broker.ErrUnavailable-wrapped error, never masked as a timeout;
//   - ctx.Err() if the caller's own context ends first.
func (d *Dispatcher) SubmitAndWait(ctx context.Context, taskType string, params map[string]any, callerContext string, deadline time.Duration) (*domain.ResultEnvelope, error) {
	env, err := d.submit(ctx, taskType, params, callerContext, "")
	if err != nil {
		if routing.IsUnknownType(err) {
			return nil, &domain.TaskError{Kind: domain.KindUnknownTaskType, Message: err.Error()}
		}
		return nil, err
	}

	start := time.Now()
	res, err := d.wait(ctx, env.ID, deadline)
	if err != nil {
		return nil, err
	}
	if res == nil {
		metrics.DispatchTimeoutsTotal.WithLabelValues(taskType).Inc()
		log.Warn().
			Str("task_id", env.ID).
			Str("task_type", taskType).
			Dur("deadline", deadline).
			Msg("no result before deadline")
		return nil, &domain.TaskError{
			Kind:    domain.KindTimeout,
			Message: "no result for task " + env.ID + " within " + deadline.String(),
			TaskID:  env.ID,
		}
	}
	metrics.DispatchWaitSeconds.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
	return res, nil
}

// Result is a one-shot, non-blocking probe of the result store, usable by
// callers that timed out earlier and want to check whether the task finished
// after all.
func (d *Dispatcher) Result(ctx context.Context, taskID string) (*domain.ResultEnvelope, error) {
	return d.broker.FetchResult(ctx, taskID)
}

// Status returns the advisory status of a task, "" when unknown or expired.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (domain.Status, error) {
	return d.broker.GetStatus(ctx, taskID)
}

// wait polls until a result appears or deadline passes; (nil, nil) on expiry.
func (d *Dispatcher) wait(ctx context.Context, taskID string, deadline time.Duration) (*domain.ResultEnvelope, error) {
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		// Check immediately so fast handlers don't pay a full poll interval.
		res, err := d.broker.FetchResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}
