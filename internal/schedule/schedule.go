// Package schedule fires periodic backup triggers from a cron expression.
// The trigger only nudges the orchestrator; all gating (drive present,
// passphrase cached, nothing running) happens there.
package schedule

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs a single cron entry that invokes the trigger function.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	trigger func()
}

// New creates a stopped scheduler.
func New(trigger func(), logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger.With().Str("component", "schedule").Logger(),
		trigger: trigger,
	}
}

// Validate reports whether expr parses as a standard 5-field cron expression.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

// Start begins firing on the given expression. An empty expression disables
// scheduling.
func (s *Scheduler) Start(expr string) error {
	if expr == "" {
		s.logger.Debug().Msg("no backup schedule configured")
		return nil
	}
	if _, err := s.cron.AddFunc(expr, func() {
		s.logger.Info().Msg("scheduled backup trigger")
		s.trigger()
	}); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", expr).Msg("backup schedule active")
	return nil
}

// Stop halts the scheduler and waits for a running trigger to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
