package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSettlementSchedule = "0 2 1 * *"
	DefaultRecalcSchedule     = "30 1 * * *"
)

const jobTimeout = 30 * time.Minute

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Scheduler runs monthly settlement and the nightly recalculation.
type Scheduler struct {
	cron       *cron.Cron
	service    *Service
	settlement string
	recalc     string
}

// NewScheduler creates a scheduler. Empty schedules fall back to the defaults.
func NewScheduler(service *Service, settlement, recalc string) *Scheduler {
	if settlement == "" {
		settlement = DefaultSettlementSchedule
	}
	if recalc == "" {
		recalc = DefaultRecalcSchedule
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})))
	return &Scheduler{
		cron:       c,
		service:    service,
		settlement: settlement,
		recalc:     recalc,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.settlement, s.settle); err != nil {
		return fmt.Errorf("schedule commission settlement: %w", err)
	}
	log.Info().Str("schedule", s.settlement).Msg("Scheduled commission settlement job")

	if _, err := s.cron.AddFunc(s.recalc, s.recompute); err != nil {
		return fmt.Errorf("schedule commission recalculation: %w", err)
	}
	log.Info().Str("schedule", s.recalc).Msg("Scheduled commission recalculation job")

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs end.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.service.Settle(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled commission settlement failed")
	}
}

func (s *Scheduler) recompute() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.service.RecomputeRecent(ctx)
	if err != nil {
		log.Error().Err(err).Int("agents", n).Msg("Scheduled commission recalculation failed")
		return
	}
	log.Info().Int("agents", n).Msg("Commission recalculation finished")
}
