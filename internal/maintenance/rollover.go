// Package maintenance runs the scheduled upkeep of the usage ledger: month
// rollover and compressed store snapshots.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RolloverTimeout bounds one scheduled rollover run.
const RolloverTimeout = 5 * time.Minute

// Roller finalizes the active month once the clock has moved past it.
type Roller interface {
	Rollover(ctx context.Context) error
}

// RolloverScheduler periodically asks the ledger to roll over, so a month is
// finalized even when no usage arrives after midnight on the first.
type RolloverScheduler struct {
	roller   Roller
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

// NewRolloverScheduler creates a scheduler for a standard five-field cron schedule.
func NewRolloverScheduler(roller Roller, schedule string, logger zerolog.Logger) *RolloverScheduler {
	return &RolloverScheduler{
		roller:   roller,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.With().Str("component", "rollover").Logger(),
	}
}

// Start registers the schedule and starts the cron runner.
func (s *RolloverScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("rollover scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runRollover); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Str("schedule", s.schedule).Msg("rollover scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once a running job finishes.
func (s *RolloverScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping rollover scheduler")
	return s.cron.Stop()
}

func (s *RolloverScheduler) runRollover() {
	ctx, cancel := context.WithTimeout(context.Background(), RolloverTimeout)
	defer cancel()

	if err := s.roller.Rollover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled rollover failed")
		return
	}
	s.logger.Debug().Msg("scheduled rollover check completed")
}

// RunNow triggers an immediate rollover check.
func (s *RolloverScheduler) RunNow() {
	s.runRollover()
}
