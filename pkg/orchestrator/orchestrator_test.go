package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/redis"
)

type fakeIntegrations struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.Integration
}

func (f *fakeIntegrations) GetByID(_ context.Context, id uuid.UUID) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration, ok := f.records[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	copied := *integration
	return &copied, nil
}

func (f *fakeIntegrations) UpdateStatus(_ context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id].Status = status
	return nil
}

func (f *fakeIntegrations) UpdateSyncState(_ context.Context, id uuid.UUID, state models.SyncStateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration := f.records[id]
	integration.Status = state.Status
	if state.LastSyncAt != nil {
		integration.LastSyncAt = state.LastSyncAt
	}
	if state.LastSyncResult != nil {
		integration.LastSyncResult = state.LastSyncResult
	}
	if state.LastError != nil {
		integration.LastError = state.LastError
	} else if state.ClearError {
		integration.LastError = nil
	}
	return nil
}

func (f *fakeIntegrations) ListByStatus(_ context.Context, status models.IntegrationStatus) ([]models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Integration
	for _, integration := range f.records {
		if integration.Status == status {
			out = append(out, *integration)
		}
	}
	return out, nil
}

func (f *fakeIntegrations) get(id uuid.UUID) models.Integration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[id]
}

type fakeRuns struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*models.SyncRun
	inFlight []models.SyncRun
}

func (f *fakeRuns) Create(_ context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.ID = uuid.New()
	stored := *run
	f.runs[run.ID] = &stored
	return nil
}

func (f *fakeRuns) MarkRunning(_ context.Context, run *models.SyncRun, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &startedAt
	stored := *run
	f.runs[run.ID] = &stored
	return nil
}

func (f *fakeRuns) Finish(_ context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *run
	f.runs[run.ID] = &stored
	return nil
}

func (f *fakeRuns) GetByID(_ context.Context, id uuid.UUID) (*models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "sync run not found")
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRuns) ListByIntegration(_ context.Context, integrationID uuid.UUID, _ int) ([]models.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncRun
	for _, run := range f.runs {
		if run.IntegrationID == integrationID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeRuns) ListInFlight(_ context.Context) ([]models.SyncRun, error) {
	return f.inFlight, nil
}

// fakeStore keeps metric rows keyed like the campaign_metrics primary key
type fakeStore struct {
	mu      sync.Mutex
	batches []models.SyncBatch
	rows    map[string]models.CampaignMetric
	err     error
}

func (f *fakeStore) CommitSyncResult(_ context.Context, run *models.SyncRun, batch models.SyncBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	if f.rows == nil {
		f.rows = map[string]models.CampaignMetric{}
	}
	for _, m := range batch.Metrics {
		m.SyncRunID = run.ID
		f.rows[string(m.Platform)+"|"+m.CampaignID+"|"+m.DateBucket.Format(time.DateOnly)] = m
	}
	return nil
}

func (f *fakeStore) metricRows() map[string]models.CampaignMetric {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.CampaignMetric, len(f.rows))
	for k, v := range f.rows {
		out[k] = v
	}
	return out
}

type fakeCredentials struct {
	creds map[uuid.UUID]connectors.Credentials
}

func (f *fakeCredentials) Get(_ context.Context, integrationID uuid.UUID) (connectors.Credentials, error) {
	creds, ok := f.creds[integrationID]
	if !ok {
		return nil, failures.New(failures.KindCredentialsNotConfigured, "", "no credentials stored")
	}
	return creds, nil
}

type fakeEmitter struct {
	mu   sync.Mutex
	runs []models.SyncRun
}

func (f *fakeEmitter) EmitSyncCompleted(_ context.Context, run *models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

type fakeConnector struct {
	fetch func(ctx context.Context, creds connectors.Credentials, window models.Window, scope models.Scope) (*connectors.Result, error)
}

func (f *fakeConnector) Platform() models.Platform { return models.PlatformAdsA }

func (f *fakeConnector) CredentialFields() []connectors.FieldSpec { return nil }

func (f *fakeConnector) Fetch(ctx context.Context, creds connectors.Credentials, window models.Window, scope models.Scope) (*connectors.Result, error) {
	return f.fetch(ctx, creds, window, scope)
}

type harness struct {
	orch         *orchestrator.Orchestrator
	integrations *fakeIntegrations
	runs         *fakeRuns
	store        *fakeStore
	emitter      *fakeEmitter
	connector    *fakeConnector
	locker       *redis.Locker
	blocker      *redis.Blocker
	integration  uuid.UUID
	ctx          context.Context
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewClientFromRedis(rdb, logger)

	workspaceID := uuid.New()
	integrationID := uuid.New()
	h := &harness{
		integrations: &fakeIntegrations{records: map[uuid.UUID]*models.Integration{
			integrationID: {
				ID:          integrationID,
				WorkspaceID: workspaceID,
				Platform:    models.PlatformAdsA,
				Status:      models.IntegrationStatusConfiguring,
			},
		}},
		runs:      &fakeRuns{runs: map[uuid.UUID]*models.SyncRun{}},
		store:     &fakeStore{},
		emitter:   &fakeEmitter{},
		connector: &fakeConnector{},
		locker:    redis.NewLocker(client, "lock:"),
		blocker:   redis.NewBlocker(client, "block:"),
		integration: integrationID,
	}
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		return &connectors.Result{}, nil
	}

	registry := connectors.NewRegistry()
	registry.Register(h.connector, timeout)
	credentials := &fakeCredentials{creds: map[uuid.UUID]connectors.Credentials{
		integrationID: {"developer_token": "token"},
	}}

	h.orch = orchestrator.New(h.integrations, h.runs, h.store, credentials, registry, h.locker, h.blocker, h.emitter,
		orchestrator.Config{LockTTL: time.Minute}, logger)

	ctx := appctx.SetWorkspaceID(context.Background(), workspaceID.String())
	h.ctx = appctx.SetUserID(ctx, "user-1")
	return h
}

func (h *harness) trigger(mode models.SyncMode) (*models.SyncRun, error) {
	return h.orch.TriggerSync(h.ctx, orchestrator.TriggerRequest{
		IntegrationID: h.integration,
		Period:        models.PeriodLast7Days,
		Mode:          mode,
	})
}

func sampleResult() *connectors.Result {
	return &connectors.Result{
		Campaigns: []models.Campaign{{Platform: models.PlatformAdsA, CampaignID: "c-1", Name: "Spring"}},
		Metrics: []models.CampaignMetric{
			{Platform: models.PlatformAdsA, CampaignID: "c-1", DateBucket: models.Date(time.Now()), Impressions: 100, Clicks: 5},
		},
	}
}

func TestTriggerSync_Completed(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.connector.fetch = func(_ context.Context, _ connectors.Credentials, window models.Window, scope models.Scope) (*connectors.Result, error) {
		assert.Equal(t, models.ScopeAll, scope)
		assert.Equal(t, 7, window.Days())
		return sampleResult(), nil
	}

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.CampaignsFetched)
	assert.Equal(t, 1, run.MetricsFetched)
	assert.Equal(t, "user-1", run.TriggeredBy)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.FailureKind)
	assert.Len(t, h.store.batches, 1)

	integration := h.integrations.get(h.integration)
	assert.Equal(t, models.IntegrationStatusActive, integration.Status)
	require.NotNil(t, integration.LastSyncResult)
	assert.Equal(t, models.SyncResultSuccess, *integration.LastSyncResult)
	assert.NotNil(t, integration.LastSyncAt)
	assert.Nil(t, integration.LastError)

	require.Len(t, h.emitter.runs, 1)
	assert.Equal(t, run.ID, h.emitter.runs[0].ID)

	locked, err := h.locker.IsLocked(h.ctx, "sync:"+h.integration.String())
	require.NoError(t, err)
	assert.False(t, locked, "run-lock should be released")
}

func TestTriggerSync_PartiallyCompleted(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		result := sampleResult()
		result.SoftErrors = []models.SyncRunError{
			{Kind: string(failures.KindUpstreamUnavailable), Resource: "creatives:c-1", Message: "timeout"},
			{Kind: string(failures.KindMalformedResponse), Resource: "creatives:c-2", Message: "bad json"},
		}
		return result, nil
	}

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusPartiallyCompleted, run.Status)
	assert.Len(t, run.Errors.Data, 2)
	assert.Len(t, h.store.batches, 1)

	integration := h.integrations.get(h.integration)
	assert.Equal(t, models.IntegrationStatusActive, integration.Status)
	assert.Equal(t, models.SyncResultPartialFailure, *integration.LastSyncResult)
	assert.NotNil(t, integration.LastSyncAt)
	require.NotNil(t, integration.LastError)
	assert.Equal(t, "creatives:c-1: timeout (and 1 more)", *integration.LastError)
}

func TestTriggerSync_AuthInvalidCommitsNothing(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		return nil, failures.AuthInvalid("ads_a", "token revoked")
	}

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusFailed, run.Status)
	require.NotNil(t, run.FailureKind)
	assert.Equal(t, string(failures.KindAuthInvalid), *run.FailureKind)
	assert.Empty(t, h.store.batches)

	integration := h.integrations.get(h.integration)
	assert.Equal(t, models.IntegrationStatusError, integration.Status)
	assert.Equal(t, models.SyncResultFailure, *integration.LastSyncResult)
	assert.Nil(t, integration.LastSyncAt, "a failed sync leaves last_sync_at untouched")
	require.NotNil(t, integration.LastError)
	assert.Contains(t, *integration.LastError, "token revoked")
}

func TestTriggerSync_CredentialsNotConfigured(t *testing.T) {
	h := newHarness(t, time.Minute)
	other := uuid.New()
	h.integrations.records[other] = &models.Integration{ID: other, Platform: models.PlatformAdsA, Status: models.IntegrationStatusConfiguring}
	h.integration = other

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusFailed, run.Status)
	assert.Equal(t, string(failures.KindCredentialsNotConfigured), *run.FailureKind)
	assert.Equal(t, models.IntegrationStatusNotConfigured, h.integrations.get(other).Status)
}

func TestTriggerSync_ConcurrentTriggerRejected(t *testing.T) {
	h := newHarness(t, time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		close(entered)
		<-release
		return sampleResult(), nil
	}

	done := make(chan *models.SyncRun)
	go func() {
		run, err := h.trigger(models.SyncModeManual)
		assert.NoError(t, err)
		done <- run
	}()
	<-entered

	_, err := h.trigger(models.SyncModeScheduled)
	assert.ErrorIs(t, err, failures.ErrSyncAlreadyInProgress)

	h.runs.mu.Lock()
	assert.Len(t, h.runs.runs, 1, "a rejected trigger creates no run")
	h.runs.mu.Unlock()

	close(release)
	first := <-done
	assert.Equal(t, models.SyncRunStatusCompleted, first.Status)
}

func TestTriggerSync_RateLimitBlocksScheduledOnly(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		return nil, failures.RateLimited("ads_a", 10*time.Minute, "quota exhausted")
	}

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)
	assert.Equal(t, string(failures.KindRateLimited), *run.FailureKind)

	_, err = h.trigger(models.SyncModeScheduled)
	assert.ErrorIs(t, err, orchestrator.ErrSyncBlocked)

	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		return sampleResult(), nil
	}
	run, err = h.trigger(models.SyncModeManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusCompleted, run.Status)
}

func TestTriggerSync_TimeoutIsUpstreamUnavailable(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.connector.fetch = func(ctx context.Context, _ connectors.Credentials, _ models.Window, _ models.Scope) (*connectors.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)
	assert.Equal(t, string(failures.KindUpstreamUnavailable), *run.FailureKind)
}

func TestTriggerSync_CommitFailureIsInternal(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.store.err = errors.New("deadlock detected")
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		return sampleResult(), nil
	}

	run, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, run.Status)
	assert.Equal(t, string(failures.KindInternal), *run.FailureKind)
	assert.Nil(t, h.integrations.get(h.integration).LastSyncAt)
}

func TestTriggerSync_CallerCancellationDoesNotAbortRun(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx, cancel := context.WithCancel(h.ctx)
	h.connector.fetch = func(ctx context.Context, _ connectors.Credentials, _ models.Window, _ models.Scope) (*connectors.Result, error) {
		cancel()
		assert.NoError(t, ctx.Err())
		return sampleResult(), nil
	}

	run, err := h.orch.TriggerSync(ctx, orchestrator.TriggerRequest{IntegrationID: h.integration, Period: models.PeriodLastDay})
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusCompleted, run.Status)
}

func TestTriggerSync_InvalidRequest(t *testing.T) {
	h := newHarness(t, time.Minute)

	_, err := h.orch.TriggerSync(h.ctx, orchestrator.TriggerRequest{IntegrationID: h.integration, Period: models.PeriodCustom})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = h.orch.TriggerSync(h.ctx, orchestrator.TriggerRequest{IntegrationID: h.integration, Period: models.PeriodLastDay, Scope: "everything"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = h.orch.TriggerSync(h.ctx, orchestrator.TriggerRequest{IntegrationID: uuid.New(), Period: models.PeriodLastDay})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestRecoverInterrupted(t *testing.T) {
	h := newHarness(t, time.Minute)
	stale := models.SyncRun{ID: uuid.New(), IntegrationID: h.integration, Platform: models.PlatformAdsA, Status: models.SyncRunStatusRunning}
	liveIntegration := uuid.New()
	live := models.SyncRun{ID: uuid.New(), IntegrationID: liveIntegration, Platform: models.PlatformAdsA, Status: models.SyncRunStatusRunning}
	h.runs.inFlight = []models.SyncRun{stale, live}

	_, err := h.locker.Acquire(h.ctx, "sync:"+liveIntegration.String(), time.Minute)
	require.NoError(t, err)

	recovered, err := h.orch.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	run, err := h.orch.GetRun(h.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, run.Status)
	assert.Equal(t, string(failures.KindInternal), *run.FailureKind)
	assert.Equal(t, models.IntegrationStatusError, h.integrations.get(h.integration).Status)

	_, err = h.orch.GetRun(h.ctx, live.ID)
	assert.Error(t, err, "a locked run is left to its owner")
}

func TestTriggerSync_AuthInvalidIsDeterministicAcrossRetries(t *testing.T) {
	h := newHarness(t, time.Minute)
	calls := 0
	h.connector.fetch = func(_ context.Context, creds connectors.Credentials, _ models.Window, _ models.Scope) (*connectors.Result, error) {
		calls++
		assert.Equal(t, "token", creds["developer_token"])
		return nil, failures.AuthInvalid("ads_a", "token revoked")
	}

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run, err := h.trigger(models.SyncModeManual)
		require.NoError(t, err)
		assert.Equal(t, models.SyncRunStatusFailed, run.Status)
		require.NotNil(t, run.FailureKind)
		assert.Equal(t, string(failures.KindAuthInvalid), *run.FailureKind)
		ids = append(ids, run.ID)
	}

	assert.Equal(t, 3, calls)
	assert.Empty(t, h.store.batches, "no retry may commit anything")
	assert.Empty(t, h.store.metricRows())
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, models.IntegrationStatusError, h.integrations.get(h.integration).Status)
	assert.Nil(t, h.integrations.get(h.integration).LastSyncAt)
}

func TestTriggerSync_RetriggerUpsertsWithoutDuplicates(t *testing.T) {
	h := newHarness(t, time.Minute)
	day := models.Date(time.Now().AddDate(0, 0, -1))
	clicks := int64(5)
	var windows []models.Window
	h.connector.fetch = func(_ context.Context, _ connectors.Credentials, window models.Window, _ models.Scope) (*connectors.Result, error) {
		windows = append(windows, window)
		return &connectors.Result{
			Campaigns: []models.Campaign{{Platform: models.PlatformAdsA, CampaignID: "c-1", Name: "Spring"}},
			Metrics: []models.CampaignMetric{
				{Platform: models.PlatformAdsA, CampaignID: "c-1", DateBucket: day, Impressions: 100, Clicks: clicks},
				{Platform: models.PlatformAdsA, CampaignID: "c-1", DateBucket: day.AddDate(0, 0, -1), Impressions: 80, Clicks: 4},
			},
		}, nil
	}

	first, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusCompleted, first.Status)
	rows := h.store.metricRows()
	require.Len(t, rows, 2)

	clicks = 7
	second, err := h.trigger(models.SyncModeManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusCompleted, second.Status)

	require.Len(t, windows, 2)
	assert.Equal(t, windows[0], windows[1], "the same period resolves to the same window")

	rows = h.store.metricRows()
	require.Len(t, rows, 2, "re-syncing a window replaces its buckets")
	latest := rows["ads_a|c-1|"+day.Format(time.DateOnly)]
	assert.Equal(t, int64(100), latest.Impressions)
	assert.Equal(t, int64(7), latest.Clicks)
	assert.Equal(t, second.ID, latest.SyncRunID)
}

func TestTriggerSync_DefaultsToLastSevenDays(t *testing.T) {
	h := newHarness(t, time.Minute)
	var fetched models.Window
	h.connector.fetch = func(_ context.Context, _ connectors.Credentials, window models.Window, _ models.Scope) (*connectors.Result, error) {
		fetched = window
		return sampleResult(), nil
	}

	run, err := h.orch.TriggerSync(h.ctx, orchestrator.TriggerRequest{IntegrationID: h.integration})
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusCompleted, run.Status)
	assert.Equal(t, models.PeriodLast7Days, run.Period)
	assert.Equal(t, 7, fetched.Days())
	assert.Equal(t, models.ScopeAll, run.Scope)
}

func TestStartSync_ReturnsPendingRunAndFinishesInBackground(t *testing.T) {
	h := newHarness(t, time.Minute)
	release := make(chan struct{})
	h.connector.fetch = func(context.Context, connectors.Credentials, models.Window, models.Scope) (*connectors.Result, error) {
		<-release
		return sampleResult(), nil
	}

	ctx, cancel := context.WithCancel(h.ctx)
	run, err := h.orch.StartSync(ctx, orchestrator.TriggerRequest{IntegrationID: h.integration})
	require.NoError(t, err)
	cancel()

	assert.Equal(t, models.SyncRunStatusPending, run.Status)
	assert.Equal(t, models.PeriodLast7Days, run.Period)
	assert.NotEqual(t, uuid.Nil, run.ID)

	_, err = h.orch.StartSync(h.ctx, orchestrator.TriggerRequest{IntegrationID: h.integration})
	assert.ErrorIs(t, err, failures.ErrSyncAlreadyInProgress, "the lock is held while the run is in the background")

	close(release)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, h.orch.Wait(waitCtx))

	stored, err := h.orch.GetRun(h.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusCompleted, stored.Status)
	assert.Len(t, h.store.batches, 1)

	locked, err := h.locker.IsLocked(h.ctx, "sync:"+h.integration.String())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRecoverInterrupted_ResetsIntegrationsLeftSyncing(t *testing.T) {
	h := newHarness(t, time.Minute)
	orphaned := uuid.New()
	busy := uuid.New()
	h.integrations.records[orphaned] = &models.Integration{ID: orphaned, WorkspaceID: uuid.New(), Platform: models.PlatformAdsA, Status: models.IntegrationStatusSyncing}
	h.integrations.records[busy] = &models.Integration{ID: busy, WorkspaceID: uuid.New(), Platform: models.PlatformAdsA, Status: models.IntegrationStatusSyncing}

	_, err := h.locker.Acquire(h.ctx, "sync:"+busy.String(), time.Minute)
	require.NoError(t, err)

	recovered, err := h.orch.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	reset := h.integrations.get(orphaned)
	assert.Equal(t, models.IntegrationStatusError, reset.Status)
	require.NotNil(t, reset.LastError)
	assert.Equal(t, models.SyncResultFailure, *reset.LastSyncResult)
	assert.Equal(t, models.IntegrationStatusSyncing, h.integrations.get(busy).Status)
	assert.Equal(t, models.IntegrationStatusConfiguring, h.integrations.get(h.integration).Status)
}
