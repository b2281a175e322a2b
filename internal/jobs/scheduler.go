// Package jobs runs the periodic maintenance tasks: the expired-session reaper
// and the pending-quota reconciler.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/diycloud/usermgmt/internal/services/accounts"
)

// jobTimeout bounds a single run of any job.
const jobTimeout = 5 * time.Minute

// SessionPurger deletes expired sessions.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// QuotaReconciler re-applies quotas whose enforcement is pending.
type QuotaReconciler interface {
	ReconcilePending(ctx context.Context) (accounts.ReconcileReport, error)
}

// Schedules holds the cron specs of the jobs. An empty spec disables that job.
type Schedules struct {
	SessionReap    string
	QuotaReconcile string
}

type Scheduler struct {
	cron       *cron.Cron
	sessions   SessionPurger
	reconciler QuotaReconciler
	schedules  Schedules
	log        zerolog.Logger
}

func NewScheduler(sessions SessionPurger, reconciler QuotaReconciler, schedules Schedules, log zerolog.Logger) *Scheduler {
	logger := cronLogger{log: log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	return &Scheduler{
		cron:       c,
		sessions:   sessions,
		reconciler: reconciler,
		schedules:  schedules,
		log:        log,
	}
}

// Start registers the jobs and starts the scheduler in its own goroutine.
func (s *Scheduler) Start() error {
	if spec := s.schedules.SessionReap; spec != "" && s.sessions != nil {
		if _, err := s.cron.AddFunc(spec, s.reapSessions); err != nil {
			return fmt.Errorf("schedule session reaper %q: %w", spec, err)
		}
	}
	if spec := s.schedules.QuotaReconcile; spec != "" && s.reconciler != nil {
		if _, err := s.cron.AddFunc(spec, s.reconcileQuotas); err != nil {
			return fmt.Errorf("schedule quota reconciler %q: %w", spec, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits up to timeout for running jobs to finish.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.log.Warn().Dur("timeout", timeout).Msg("jobs still running at shutdown")
	}
}

func (s *Scheduler) reapSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("session reaper failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("expired sessions removed")
	}
}

func (s *Scheduler) reconcileQuotas() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := s.reconciler.ReconcilePending(ctx)
	if err != nil {
		s.log.Error().Err(err).
			Int("applied", report.Applied).
			Int("failed", report.Failed).
			Msg("quota reconciler failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
