package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"relayq/internal/broker"
	"relayq/internal/domain"
	"relayq/internal/metrics"
)

// Config carries the pool's timing knobs. Zero values get sane defaults.
type Config struct {
	Slots          int
	BlockTimeout   time.Duration
	ExecTimeout    time.Duration
	ResultTTL      time.Duration
	HeartbeatEvery time.Duration
	RecoverEvery   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Slots <= 0 {
		c.Slots = 8
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 5 * time.Minute
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	if c.RecoverEvery <= 0 {
		c.RecoverEvery = 30 * time.Second
	}
}

// Pool runs one dequeue loop per subscribed channel, sharing a bounded set
// of execution slots. Each loop is independent and stateless between
// iterations; a handler fault never stops a loop.
type Pool struct {
	id       string
	broker   broker.Broker
	registry *Registry
	channels []string
	cfg      Config
	sem      chan struct{}
}

func NewPool(b broker.Broker, reg *Registry, channels []string, cfg Config) *Pool {
	cfg.applyDefaults()
	host, _ := os.Hostname()
	return &Pool{
		id:       fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		broker:   b,
		registry: reg,
		channels: channels,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Slots),
	}
}

// ID returns this pool instance's worker identifier.
func (p *Pool) ID() string { return p.id }

// Run blocks until ctx is cancelled, then waits for in-flight handlers to
// finish. Tasks already dequeued are completed and their results stored;
// nothing is abandoned mid-execution.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().
		Str("worker_id", p.id).
		Strs("channels", p.channels).
		Int("slots", p.cfg.Slots).
		Msg("worker pool starting")

	if n, err := p.broker.RecoverStale(ctx); err == nil && n > 0 {
		metrics.TasksRecoveredTotal.Add(float64(n))
		log.Info().Int("recovered", n).Msg("recovered stale tasks at startup")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.recoverLoop(ctx)
	}()

	for _, ch := range p.channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			p.runChannel(ctx, channel)
		}(ch)
	}

	wg.Wait()

	// Drain: wait for every execution slot to come back.
	for i := 0; i < p.cfg.Slots; i++ {
		p.sem <- struct{}{}
	}
	log.Info().Str("worker_id", p.id).Msg("worker pool stopped")
	return nil
}

func (p *Pool) runChannel(ctx context.Context, channel string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := p.broker.Dequeue(ctx, channel, p.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("channel", channel).Msg("dequeue failed")
			// Backoff so a broker outage doesn't spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue // empty wait, not an error
		}

		p.sem <- struct{}{}
		go func(d *broker.Delivery) {
			defer func() { <-p.sem }()
			// Detached context: a task in flight is finished and its result
			// stored even when the pool is shutting down, and regardless of
			// how long the original caller kept waiting.
			p.process(context.Background(), d)
		}(d)
	}
}

func (p *Pool) process(ctx context.Context, d *broker.Delivery) {
	env := d.Task
	start := time.Now()
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	if err := p.broker.SetStatus(ctx, env.ID, domain.StatusProcessing, p.cfg.ResultTTL); err != nil {
		log.Warn().Err(err).Str("task_id", env.ID).Msg("set processing status")
	}

	h, ok := p.registry.Lookup(env.Type)
	if !ok {
		// A routing/deployment problem, surfaced to operators through the
		// result. Never re-enqueued by the worker.
		log.Error().Str("task_id", env.ID).Str("task_type", env.Type).Msg("no handler for task type")
		res := domain.FailureResult(env.ID, domain.KindUnhandledTaskType,
			"no handler registered for task type "+env.Type)
		p.finish(ctx, d, res, start)
		return
	}

	log.Info().
		Str("task_id", env.ID).
		Str("task_type", env.Type).
		Str("caller", env.CallerContext).
		Msg("executing task")

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	data, err := p.execute(execCtx, h, env)
	cancel()

	var res *domain.ResultEnvelope
	if err != nil {
		if te, ok := err.(*domain.TaskError); ok {
			res = domain.FailureResult(env.ID, te.Kind, te.Message)
		} else {
			res = domain.FailureResult(env.ID, domain.KindHandlerFault, err.Error())
		}
		log.Error().Err(err).Str("task_id", env.ID).Str("task_type", env.Type).Msg("task failed")
	} else {
		res = domain.SuccessResult(env.ID, data)
		log.Info().
			Str("task_id", env.ID).
			Dur("took", time.Since(start)).
			Msg("task completed")
	}
	res.Metadata = map[string]any{
		"worker_id":   p.id,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	p.finish(ctx, d, res, start)
}

// execute runs the handler, converting a panic into an error so one broken
// handler cannot take the loop down.
func (p *Pool) execute(ctx context.Context, h Handler, env *domain.TaskEnvelope) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.TaskError{
				Kind:    domain.KindHandlerFault,
				Message: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()
	return h(ctx, env.Parameters)
}

func (p *Pool) finish(ctx context.Context, d *broker.Delivery, res *domain.ResultEnvelope, start time.Time) {
	env := d.Task

	if err := p.broker.StoreResult(ctx, env.ID, res, p.cfg.ResultTTL); err != nil {
		// Without a stored result the caller can never learn the outcome.
		// Leave the delivery unacknowledged so the visibility timeout hands
		// the task to another worker.
		log.Error().Err(err).Str("task_id", env.ID).Msg("store result failed, not acking")
		metrics.ResultStoreFailuresTotal.WithLabelValues(env.Type).Inc()
		return
	}

	status := domain.StatusCompleted
	outcome := "success"
	if !res.Success {
		status = domain.StatusFailed
		outcome = "error"
	}
	if err := p.broker.SetStatus(ctx, env.ID, status, p.cfg.ResultTTL); err != nil {
		log.Warn().Err(err).Str("task_id", env.ID).Msg("set final status")
	}
	if err := p.broker.Ack(ctx, d); err != nil {
		log.Error().Err(err).Str("task_id", env.ID).Msg("ack failed")
	}

	metrics.TasksProcessedTotal.WithLabelValues(env.Type, outcome).Inc()
	metrics.TaskDurationSeconds.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	info := broker.WorkerInfo{
		ID:       p.id,
		Channels: p.channels,
		Slots:    p.cfg.Slots,
	}
	ttl := 2 * p.cfg.HeartbeatEvery

	beat := func() {
		info.SeenAt = time.Now().UTC()
		if err := p.broker.Heartbeat(ctx, info, ttl); err != nil {
			log.Warn().Err(err).Msg("heartbeat failed")
		}
	}
	beat()

	t := time.NewTicker(p.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			beat()
		}
	}
}

func (p *Pool) recoverLoop(ctx context.Context) {
	t := time.NewTicker(p.cfg.RecoverEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.broker.RecoverStale(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("stale task recovery failed")
				continue
			}
			if n > 0 {
				metrics.TasksRecoveredTotal.Add(float64(n))
				log.Info().Int("recovered", n).Msg("recovered stale tasks")
			}
		}
	}
}
