package report

import (
	"context"
	"log/slog"
	"time"

	"finflow/internal/core"
)

// Scheduler periodically closes out the previous month: once the calendar
// rolls over, it generates monthly reports for every owner until all of them
// pass the readiness gate.
type Scheduler struct {
	service  *Service
	interval time.Duration
	now      func() time.Time

	lastClosed core.Period
}

func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: interval,
		now:      time.Now,
	}
}

// Run blocks until the context is cancelled, checking on each tick whether
// the previous month still needs a report pass. A pass that skips owners is
// retried on the next tick, so slow categorization delays reports instead of
// truncating them.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				slog.ErrorContext(ctx, "Monthly report pass failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	previous := core.PeriodOf(s.now()).Previous()
	if previous == s.lastClosed {
		return nil
	}

	if err := s.service.GenerateForPeriod(ctx, previous); err != nil {
		return err
	}

	// Only mark the month closed once every owner passed the gate.
	owners, err := s.service.store.OwnersWithTransactions(ctx, previous)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		ready, _, err := s.service.Readiness(ctx, owner, previous)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
	}

	s.lastClosed = previous
	slog.InfoContext(ctx, "Month closed", "period", previous.String())
	return nil
}
