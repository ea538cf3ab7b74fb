// Package orchestrator runs integration syncs: one run per integration at a time, from
// credential lookup through connector fetch to a single committed batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultLockTTL    = 15 * time.Minute
	DefaultRunsLimit  = 50
	releaseTimeout    = 5 * time.Second
	lockKeyPrefix     = "sync:"
	blockKeyPrefix    = "ratelimit:"
	interruptedReason = "sync interrupted before completion"
)

// DefaultPeriod is synced when a trigger names no period
const DefaultPeriod = models.PeriodLast7Days

// ErrSyncBlocked rejects scheduled triggers while a platform rate limit is in effect
var ErrSyncBlocked = errors.New("sync blocked by platform rate limit")

type IntegrationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error
	UpdateSyncState(ctx context.Context, id uuid.UUID, state models.SyncStateUpdate) error
	ListByStatus(ctx context.Context, status models.IntegrationStatus) ([]models.Integration, error)
}

type RunStore interface {
	Create(ctx context.Context, run *models.SyncRun) error
	MarkRunning(ctx context.Context, run *models.SyncRun, startedAt time.Time) error
	Finish(ctx context.Context, run *models.SyncRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.SyncRun, error)
	ListInFlight(ctx context.Context) ([]models.SyncRun, error)
}

// MetricsStore commits a fetched batch atomically
type MetricsStore interface {
	CommitSyncResult(ctx context.Context, run *models.SyncRun, batch models.SyncBatch) error
}

type CredentialSource interface {
	Get(ctx context.Context, integrationID uuid.UUID) (connectors.Credentials, error)
}

type ConnectorSource interface {
	Get(platform models.Platform) (connectors.Connector, error)
	Timeout(platform models.Platform) time.Duration
}

type EventEmitter interface {
	EmitSyncCompleted(ctx context.Context, run *models.SyncRun) error
}

// TriggerRequest asks for one sync of an integration
type TriggerRequest struct {
	IntegrationID uuid.UUID
	Period        models.Period
	// Range is required for PeriodCustom
	Range *models.Window
	Scope models.Scope
	Mode  models.SyncMode
	Actor string
}

type Config struct {
	LockTTL time.Duration
}

type Orchestrator struct {
	integrations IntegrationStore
	runs         RunStore
	store        MetricsStore
	credentials  CredentialSource
	connectors   ConnectorSource
	locker       *redis.Locker
	blocker      *redis.Blocker
	events       EventEmitter
	cfg          Config
	logger       ectologger.Logger
	now          func() time.Time
	background   sync.WaitGroup
}

func New(
	integrations IntegrationStore,
	runs RunStore,
	store MetricsStore,
	credentials CredentialSource,
	connectorSource ConnectorSource,
	locker *redis.Locker,
	blocker *redis.Blocker,
	events EventEmitter,
	cfg Config,
	logger ectologger.Logger,
) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Orchestrator{
		integrations: integrations,
		runs:         runs,
		store:        store,
		credentials:  credentials,
		connectors:   connectorSource,
		locker:       locker,
		blocker:      blocker,
		events:       events,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// TriggerSync runs a sync to completion and returns the terminal run. A held run-lock fails
// fast with failures.ErrSyncAlreadyInProgress and creates no run. Connector failures are
// recorded on the run, not returned. The run ignores cancellation of ctx once started.
func (o *Orchestrator) TriggerSync(ctx context.Context, req TriggerRequest) (*models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.TriggerSync")
	defer span.End()

	p, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer o.release(p.ctx, p.lock)

	o.execute(p.ctx, p.integration, p.connector, p.run, p.lock)
	return p.run, nil
}

// StartSync admits a sync like TriggerSync but runs it in the background. It returns the
// pending run once the run-lock is held and the run row exists; callers poll GetRun for the
// outcome. Wait blocks until background runs have finished.
func (o *Orchestrator) StartSync(ctx context.Context, req TriggerRequest) (*models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.StartSync")
	defer span.End()

	p, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	pending := *p.run
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer o.release(p.ctx, p.lock)
		o.execute(p.ctx, p.integration, p.connector, p.run, p.lock)
	}()
	return &pending, nil
}

// Wait blocks until every run started by StartSync is terminal or ctx ends
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type admittedRun struct {
	ctx         context.Context
	integration *models.Integration
	connector   connectors.Connector
	run         *models.SyncRun
	lock        *redis.Lock
}

// begin validates the request, takes the run-lock and creates the pending run. The returned
// context is detached from the caller's cancellation. On success the caller owns the lock.
func (o *Orchestrator) begin(ctx context.Context, req TriggerRequest) (*admittedRun, error) {
	if req.Period == "" {
		req.Period = DefaultPeriod
	}
	if req.Scope == "" {
		req.Scope = models.ScopeAll
	}
	if req.Mode == "" {
		req.Mode = models.SyncModeManual
	}
	if req.Actor == "" {
		req.Actor = appctx.GetActor(ctx)
	}
	if !req.Scope.Valid() {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown scope %q", req.Scope)
	}
	window, err := models.ResolveWindow(req.Period, req.Range, o.now())
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	integration, err := o.integrations.GetByID(ctx, req.IntegrationID)
	if err != nil {
		return nil, err
	}
	connector, err := o.connectors.Get(integration.Platform)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
		"platform":       integration.Platform,
		"mode":           req.Mode,
	})

	if req.Mode == models.SyncModeScheduled {
		blocked, remaining, err := o.blocker.IsBlocked(ctx, blockKeyPrefix+integration.ID.String())
		if err != nil {
			log.WithError(err).Warn("Failed to read rate-limit block, continuing")
		} else if blocked {
			return nil, fmt.Errorf("%w: %s remaining", ErrSyncBlocked, remaining.Round(time.Second))
		}
	}

	lock, err := o.locker.Acquire(ctx, lockKeyPrefix+integration.ID.String(), o.cfg.LockTTL)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		metrics.SyncLockContention.WithLabelValues(string(req.Mode)).Inc()
		log.Info("Sync already in progress, trigger rejected")
		return nil, failures.New(failures.KindSyncAlreadyInProgress, string(integration.Platform),
			"a sync is already running for integration %s", integration.ID)
	}
	if err != nil {
		return nil, failures.Internal(err, "failed to acquire run lock")
	}

	runCtx := context.WithoutCancel(ctx)
	run := &models.SyncRun{
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Mode:          req.Mode,
		Period:        req.Period,
		PeriodStart:   window.Start,
		PeriodEnd:     window.End,
		Scope:         req.Scope,
		Status:        models.SyncRunStatusPending,
		TriggeredBy:   req.Actor,
		CreatedAt:     o.now(),
	}
	if err := o.runs.Create(runCtx, run); err != nil {
		o.release(runCtx, lock)
		return nil, err
	}

	return &admittedRun{ctx: runCtx, integration: integration, connector: connector, run: run, lock: lock}, nil
}

// execute drives a created run to a terminal state. Every path ends in finish.
func (o *Orchestrator) execute(ctx context.Context, integration *models.Integration, connector connectors.Connector, run *models.SyncRun, lock *redis.Lock) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.execute")
	defer span.End()

	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
		"platform":       integration.Platform,
		"sync_run_id":    run.ID,
	})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Sync panicked: %v", r)
			if !run.Status.IsTerminal() {
				o.fail(ctx, run, failures.Internal(fmt.Errorf("panic: %v", r), "unexpected error during sync"), models.IntegrationStatusError)
			}
		}
	}()

	if err := o.runs.MarkRunning(ctx, run, o.now()); err != nil {
		o.fail(ctx, run, failures.Internal(err, "failed to start sync run"), models.IntegrationStatusError)
		return
	}
	if err := o.integrations.UpdateStatus(ctx, integration.ID, models.IntegrationStatusSyncing); err != nil {
		log.WithError(err).Warn("Failed to mark integration syncing")
	}

	creds, err := o.credentials.Get(ctx, integration.ID)
	if err != nil {
		status := models.IntegrationStatusError
		if errors.Is(err, failures.ErrCredentialsNotConfigured) {
			status = models.IntegrationStatusNotConfigured
		}
		o.fail(ctx, run, failures.As(err), status)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.connectors.Timeout(integration.Platform))
	result, err := connector.Fetch(fetchCtx, creds, run.Window(), run.Scope)
	if err == nil && fetchCtx.Err() != nil {
		err = fetchCtx.Err()
	}
	cancel()
	if err != nil {
		failure := o.classifyFetchError(integration, err)
		if failure.Kind == failures.KindRateLimited {
			if blockErr := o.blocker.BlockFor(ctx, blockKeyPrefix+integration.ID.String(), failure.RetryAfter); blockErr != nil {
				log.WithError(blockErr).Warn("Failed to record rate-limit block")
			}
		}
		o.fail(ctx, run, failure, models.IntegrationStatusError)
		return
	}

	// the lock may have expired during a long fetch; committing without it could race another run
	if err := lock.Extend(ctx, o.cfg.LockTTL); err != nil {
		o.fail(ctx, run, failures.Internal(err, "run lock lost before commit"), models.IntegrationStatusError)
		return
	}

	if err := o.commit(ctx, run, result); err != nil {
		o.fail(ctx, run, failures.Internal(err, "failed to commit sync result"), models.IntegrationStatusError)
		return
	}

	run.CampaignsFetched = len(result.Campaigns)
	run.CreativesFetched = len(result.Creatives)
	run.MetricsFetched = len(result.Metrics)
	run.Errors.Data = result.SoftErrors

	now := o.now()
	state := models.SyncStateUpdate{Status: models.IntegrationStatusActive, LastSyncAt: &now}
	if len(result.SoftErrors) > 0 {
		run.Status = models.SyncRunStatusPartiallyCompleted
		outcome := models.SyncResultPartialFailure
		lastError := summarizeSoftErrors(result.SoftErrors)
		state.LastSyncResult = &outcome
		state.LastError = &lastError
	} else {
		run.Status = models.SyncRunStatusCompleted
		outcome := models.SyncResultSuccess
		state.LastSyncResult = &outcome
		state.ClearError = true
	}
	o.finish(ctx, run, state)
}

func (o *Orchestrator) classifyFetchError(integration *models.Integration, err error) *failures.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failures.UpstreamUnavailable(string(integration.Platform), err,
			fmt.Sprintf("platform did not respond within %s", o.connectors.Timeout(integration.Platform)))
	}
	return failures.As(connectors.ClassifyTransport(string(integration.Platform), err))
}

// commit writes the batch in one transaction; a panic inside rolls it back and surfaces as an error
func (o *Orchestrator) commit(ctx context.Context, run *models.SyncRun, result *connectors.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during commit: %v", r)
		}
	}()
	return o.store.CommitSyncResult(ctx, run, result.Batch())
}

func (o *Orchestrator) fail(ctx context.Context, run *models.SyncRun, failure *failures.Error, status models.IntegrationStatus) {
	kind := string(failure.Kind)
	message := failure.Error()

	run.Status = models.SyncRunStatusFailed
	run.FailureKind = &kind
	run.Errors.Data = append(run.Errors.Data, models.SyncRunError{Kind: kind, Message: message})

	outcome := models.SyncResultFailure
	metrics.SyncFailuresTotal.WithLabelValues(string(run.Platform), kind).Inc()
	o.finish(ctx, run, models.SyncStateUpdate{
		Status:         status,
		LastSyncResult: &outcome,
		LastError:      &message,
	})
}

func (o *Orchestrator) finish(ctx context.Context, run *models.SyncRun, state models.SyncStateUpdate) {
	completed := o.now()
	run.CompletedAt = &completed

	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": run.IntegrationID,
		"platform":       run.Platform,
		"sync_run_id":    run.ID,
		"status":         run.Status,
	})

	if err := o.runs.Finish(ctx, run); err != nil {
		log.WithError(err).Error("Failed to record sync run outcome")
	}
	if err := o.integrations.UpdateSyncState(ctx, run.IntegrationID, state); err != nil {
		log.WithError(err).Error("Failed to update integration sync state")
	}

	metrics.SyncRunsTotal.WithLabelValues(string(run.Platform), string(run.Mode), string(run.Status)).Inc()
	if run.StartedAt != nil {
		metrics.SyncRunDuration.WithLabelValues(string(run.Platform)).Observe(completed.Sub(*run.StartedAt).Seconds())
	}

	if o.events != nil {
		if err := o.events.EmitSyncCompleted(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to emit sync completed event")
		}
	}

	if run.Status == models.SyncRunStatusFailed {
		log.WithField("failure_kind", *run.FailureKind).Warn("Sync failed")
		return
	}
	log.WithFields(map[string]any{
		"campaigns":   run.CampaignsFetched,
		"creatives":   run.CreativesFetched,
		"metrics":     run.MetricsFetched,
		"soft_errors": len(run.Errors.Data),
	}).Info("Sync finished")
}

func (o *Orchestrator) release(ctx context.Context, lock *redis.Lock) {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("lock", lock.Key()).Warn("Failed to release run lock")
	}
}

// GetRun returns a run of the caller's workspace
func (o *Orchestrator) GetRun(ctx context.Context, runID uuid.UUID) (*models.SyncRun, error) {
	return o.runs.GetByID(ctx, runID)
}

// ListRuns returns the sync history of an integration, newest first
func (o *Orchestrator) ListRuns(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.SyncRun, error) {
	if _, err := o.integrations.GetByID(ctx, integrationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultRunsLimit {
		limit = DefaultRunsLimit
	}
	return o.runs.ListByIntegration(ctx, integrationID, limit)
}

// RecoverInterrupted fails runs left pending or running by a process that died mid-sync.
// Runs whose lock is still held belong to a live process and are left alone.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.RecoverInterrupted")
	defer span.End()

	runs, err := o.runs.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range runs {
		run := &runs[i]
		locked, err := o.locker.IsLocked(ctx, lockKeyPrefix+run.IntegrationID.String())
		if err != nil {
			return recovered, err
		}
		if locked {
			continue
		}

		runCtx := appctx.SetWorkspaceID(ctx, run.WorkspaceID.String())
		o.fail(runCtx, run, failures.New(failures.KindInternal, string(run.Platform), interruptedReason), models.IntegrationStatusError)
		recovered++
	}

	if recovered > 0 {
		o.logger.WithContext(ctx).WithField("runs", recovered).Warn("Recovered interrupted sync runs")
	}

	if err := o.resetStuckIntegrations(ctx); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// resetStuckIntegrations moves integrations left syncing without a live run to error. This
// covers a process dying after its run row was finished but before the integration was.
func (o *Orchestrator) resetStuckIntegrations(ctx context.Context) error {
	stuck, err := o.integrations.ListByStatus(ctx, models.IntegrationStatusSyncing)
	if err != nil {
		return err
	}

	outcome := models.SyncResultFailure
	message := interruptedReason
	for _, integration := range stuck {
		locked, err := o.locker.IsLocked(ctx, lockKeyPrefix+integration.ID.String())
		if err != nil {
			return err
		}
		if locked {
			continue
		}

		wsCtx := appctx.SetWorkspaceID(ctx, integration.WorkspaceID.String())
		err = o.integrations.UpdateSyncState(wsCtx, integration.ID, models.SyncStateUpdate{
			Status:         models.IntegrationStatusError,
			LastSyncResult: &outcome,
			LastError:      &message,
		})
		if err != nil {
			return err
		}
		o.logger.WithContext(ctx).WithField("integration_id", integration.ID).Warn("Reset integration left syncing by an interrupted run")
	}
	return nil
}

func summarizeSoftErrors(errs []models.SyncRunError) string {
	first := errs[0]
	msg := first.Message
	if first.Resource != "" {
		msg = first.Resource + ": " + msg
	}
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return msg
}
