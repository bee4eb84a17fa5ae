// Package scheduler submits configured tasks on cron schedules through the
// normal dispatch path, so periodic work flows through the same routing and
// result bookkeeping as caller-submitted tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"relayq/internal/config"
	"relayq/internal/dispatch"
)

type entry struct {
	cfg      config.Schedule
	schedule cron.Schedule
	next     time.Time
}

// Entry is a read-only snapshot of one schedule, for the API.
type Entry struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	Type    string    `json:"type"`
	NextRun time.Time `json:"next_run"`
}

type Service struct {
	dispatcher *dispatch.Dispatcher
	interval   time.Duration

	mu      sync.Mutex
	entries []*entry
}

// NewService parses and validates every configured schedule. An invalid cron
// expression is a startup error, not something to discover at runtime.
func NewService(d *dispatch.Dispatcher, schedules []config.Schedule, checkInterval time.Duration) (*Service, error) {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	s := &Service{dispatcher: d, interval: checkInterval}
	now := time.Now()
	for _, sc := range schedules {
		parsed, err := cron.ParseStandard(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression %q: %w", sc.Name, sc.Cron, err)
		}
		s.entries = append(s.entries, &entry{cfg: sc, schedule: parsed, next: parsed.Next(now)})
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Int("schedules", len(s.entries)).Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.processDue(ctx, now)
		}
	}
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		caller := e.cfg.CallerContext
		if caller == "" {
			caller = "scheduler:" + e.cfg.Name
		}
		taskID, err := s.dispatcher.Submit(ctx, e.cfg.Type, e.cfg.Parameters, caller)
		if err != nil {
			log.Error().Err(err).Str("schedule", e.cfg.Name).Msg("failed to submit scheduled task")
		} else {
			log.Info().
				Str("schedule", e.cfg.Name).
				Str("task_id", taskID).
				Time("next_run", e.schedule.Next(now)).
				Msg("scheduled task submitted")
		}
		e.next = e.schedule.Next(now)
	}
}

// Entries returns a snapshot of all schedules and their next run times.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{
			Name:    e.cfg.Name,
			Cron:    e.cfg.Cron,
			Type:    e.cfg.Type,
			NextRun: e.next,
		})
	}
	return out
}

// ValidateCronExpression checks a cron expression without building a service.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
