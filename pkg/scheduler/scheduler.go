// Package scheduler fires scheduled syncs on each integration's cadence and runs the
// periodic recommendation sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
)

const (
	Actor                         = "scheduler"
	DefaultRecommendationInterval = time.Hour
	sweepTag                      = "recommendation-sweep"
)

// ErrSchedulerStopped is returned when changing jobs after Stop
var ErrSchedulerStopped = errors.New("scheduler stopped")

const (
	outcomeCompleted  = "completed"
	outcomePartial    = "partial"
	outcomeFailed     = "failed"
	outcomeInProgress = "skipped_in_progress"
	outcomeBlocked    = "skipped_blocked"
	outcomeError      = "error"
)

type SyncTrigger interface {
	TriggerSync(ctx context.Context, req orchestrator.TriggerRequest) (*models.SyncRun, error)
}

type IntegrationSource interface {
	ListScheduled(ctx context.Context) ([]models.Integration, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) error
}

type Config struct {
	RecommendationInterval time.Duration
}

type entry struct {
	workspaceID uuid.UUID
	cadence     models.Cadence
}

type Scheduler struct {
	cron         *gocron.Scheduler
	trigger      SyncTrigger
	integrations IntegrationSource
	sweeper      Sweeper
	cfg          Config
	logger       ectologger.Logger

	mu      sync.Mutex
	jobs    map[uuid.UUID]entry
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func New(trigger SyncTrigger, integrations IntegrationSource, sweeper Sweeper, cfg Config, logger ectologger.Logger) *Scheduler {
	if cfg.RecommendationInterval <= 0 {
		cfg.RecommendationInterval = DefaultRecommendationInterval
	}

	cron := gocron.NewScheduler(time.UTC)
	cron.TagsUnique()
	// a tick still running when the next one is due is skipped, not queued
	cron.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:         cron,
		trigger:      trigger,
		integrations: integrations,
		sweeper:      sweeper,
		cfg:          cfg,
		logger:       logger,
		jobs:         map[uuid.UUID]entry{},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start registers every integration with a cadence plus the sweep job and starts ticking.
// Jobs wait a full interval before their first run; missed ticks are not backfilled.
func (s *Scheduler) Start(ctx context.Context) error {
	integrations, err := s.integrations.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduled integrations: %w", err)
	}

	for _, in := range integrations {
		if err := s.SetCadence(in.WorkspaceID, in.ID, in.Cadence); err != nil {
			return err
		}
	}

	if s.sweeper != nil {
		_, err := s.cron.Every(s.cfg.RecommendationInterval).WaitForSchedule().Tag(sweepTag).Do(s.sweep)
		if err != nil {
			return fmt.Errorf("failed to schedule recommendation sweep: %w", err)
		}
	}

	s.cron.StartAsync()
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"integrations":            len(integrations),
		"recommendation_interval": s.cfg.RecommendationInterval.String(),
	}).Info("Scheduler started")
	return nil
}

// Stop halts all jobs. In-flight syncs run to completion.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.cancel()
	s.logger.WithContext(ctx).Info("Scheduler stopped")
	return nil
}

// SetCadence replaces the integration's job. CadenceNone removes it. An unchanged cadence
// keeps the existing job and its next run.
func (s *Scheduler) SetCadence(workspaceID, integrationID uuid.UUID, cadence models.Cadence) error {
	if !cadence.Valid() {
		return fmt.Errorf("unknown cadence %q", cadence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	if e, ok := s.jobs[integrationID]; ok && e.cadence == cadence && e.workspaceID == workspaceID {
		return nil
	}

	s.removeLocked(integrationID)
	if cadence == models.CadenceNone {
		return nil
	}

	_, err := s.cron.Every(cadence.Interval()).WaitForSchedule().Tag(jobTag(integrationID)).Do(func() {
		s.tick(workspaceID, integrationID, cadence)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule integration %s: %w", integrationID, err)
	}

	s.jobs[integrationID] = entry{workspaceID: workspaceID, cadence: cadence}
	metrics.SchedulerJobs.Set(float64(len(s.jobs)))
	return nil
}

// RemoveCadence drops the integration's job if any
func (s *Scheduler) RemoveCadence(integrationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(integrationID)
}

func (s *Scheduler) removeLocked(integrationID uuid.UUID) {
	if _, ok := s.jobs[integrationID]; !ok {
		return
	}
	_ = s.cron.RemoveByTag(jobTag(integrationID))
	delete(s.jobs, integrationID)
	metrics.SchedulerJobs.Set(float64(len(s.jobs)))
}

// NextRun returns when the integration's next scheduled sync fires
func (s *Scheduler) NextRun(integrationID uuid.UUID) (time.Time, bool) {
	jobs, err := s.cron.FindJobsByTag(jobTag(integrationID))
	if err != nil || len(jobs) == 0 {
		return time.Time{}, false
	}
	next := jobs[0].NextRun()
	return next, !next.IsZero()
}

// Cadence returns the cadence the integration is scheduled on
func (s *Scheduler) Cadence(integrationID uuid.UUID) models.Cadence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[integrationID]; ok {
		return e.cadence
	}
	return models.CadenceNone
}

func (s *Scheduler) tick(workspaceID, integrationID uuid.UUID, cadence models.Cadence) {
	ctx := appctx.SetWorkspaceID(s.ctx, workspaceID.String())
	ctx = appctx.SetUserID(ctx, Actor)
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integrationID,
		"cadence":        cadence,
	})

	period := models.PeriodLastDay
	if cadence == models.CadenceWeekly {
		period = models.PeriodLast7Days
	}

	run, err := s.trigger.TriggerSync(ctx, orchestrator.TriggerRequest{
		IntegrationID: integrationID,
		Period:        period,
		Scope:         models.ScopeAll,
		Mode:          models.SyncModeScheduled,
		Actor:         Actor,
	})

	outcome := outcomeError
	switch {
	case errors.Is(err, failures.ErrSyncAlreadyInProgress):
		outcome = outcomeInProgress
		log.Info("Scheduled sync skipped, a run is already in progress")
	case errors.Is(err, orchestrator.ErrSyncBlocked):
		outcome = outcomeBlocked
		log.WithError(err).Info("Scheduled sync skipped, platform rate limit in effect")
	case err != nil:
		log.WithError(err).Error("Scheduled sync could not start")
	case run.Status == models.SyncRunStatusCompleted:
		outcome = outcomeCompleted
	case run.Status == models.SyncRunStatusPartiallyCompleted:
		outcome = outcomePartial
	default:
		outcome = outcomeFailed
	}
	metrics.SchedulerTicksTotal.WithLabelValues(string(cadence), outcome).Inc()
}

func (s *Scheduler) sweep() {
	if err := s.sweeper.Sweep(s.ctx); err != nil {
		s.logger.WithContext(s.ctx).WithError(err).Error("Recommendation sweep failed")
	}
}

func jobTag(integrationID uuid.UUID) string {
	return "integration:" + integrationID.String()
}
