package cttso_pieriandx_gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// Scheduler drives serve mode: a reconciliation pass every interval and a
// vendor token refresh ahead of expiry.
type Scheduler struct {
	s      *gocron.Scheduler
	runner PassRunner
	tokens TokenSource
}

func NewScheduler(runner PassRunner, tokens TokenSource) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{s: s, runner: runner, tokens: tokens}
}

// Start registers the jobs and starts them without blocking. The first pass
// runs immediately.
func (sc *Scheduler) Start(ctx context.Context, passInterval, tokenInterval time.Duration) error {
	if passInterval <= 0 {
		return fmt.Errorf("Failed to schedule passes: interval must be positive, got %s", passInterval)
	}
	if _, err := sc.s.Every(passInterval).Do(sc.runPass, ctx); err != nil {
		return fmt.Errorf("Failed to schedule passes: %w", err)
	}
	if sc.tokens != nil && tokenInterval > 0 {
		if _, err := sc.s.Every(tokenInterval).WaitForSchedule().Do(sc.refreshToken, ctx); err != nil {
			return fmt.Errorf("Failed to schedule token refresh: %w", err)
		}
	}
	sc.s.StartAsync()
	log.Info().Dur("pass_interval", passInterval).Dur("token_interval", tokenInterval).Msg("Scheduler started")
	return nil
}

func (sc *Scheduler) Stop() {
	sc.s.Stop()
}

func (sc *Scheduler) runPass(ctx context.Context) {
	report, err := sc.runner.Run(ctx, false)
	if err != nil {
		log.Error().Err(err).Msg("Scheduled pass could not start")
		return
	}
	log.Info().Str("pass_id", report.PassID).Int("submitted", len(report.Successes)).Int("failed", len(report.Failures)).Bool("halted", report.Halted()).Msg("Scheduled pass finished")
}

func (sc *Scheduler) refreshToken(ctx context.Context) {
	if _, err := sc.tokens.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Scheduled token refresh failed")
	}
}
