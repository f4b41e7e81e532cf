package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cdcw/intake/internal/engine"
)

// Triggerer starts a background drain.
type Triggerer interface {
	Trigger(reason engine.Reason) bool
}

// SyncScheduler fires a periodic drain trigger. The engine decides whether
// the trigger does anything: it skips while a drain is running, when the
// queue is empty, and while the head item is backing off.
type SyncScheduler struct {
	target   Triggerer
	interval time.Duration
	cron     *cron.Cron
}

// NewSyncScheduler creates a scheduler that triggers target every interval.
// Cron runs on whole seconds, so intervals below one second round up.
func NewSyncScheduler(target Triggerer, interval time.Duration) (*SyncScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %s", interval)
	}
	s := &SyncScheduler{
		target:   target,
		interval: interval,
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.fire); err != nil {
		return nil, fmt.Errorf("schedule periodic sync every %s: %w", interval, err)
	}
	return s, nil
}

func (s *SyncScheduler) fire() {
	started := s.target.Trigger(engine.ReasonPeriodic)
	slog.Debug("periodic sync tick",
		"component", "worker",
		"worker", "sync-scheduler",
		"interval", s.interval.String(),
		"started", started,
	)
}

// Run starts the scheduler and blocks until ctx is cancelled. It returns
// after any tick in progress has finished.
func (s *SyncScheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}
