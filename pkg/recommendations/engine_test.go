package recommendations_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/recommendations"
)

type fakeStore struct {
	recs   map[uuid.UUID][]models.Recommendation
	states map[uuid.UUID][]models.RecommendationStateRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs:   map[uuid.UUID][]models.Recommendation{},
		states: map[uuid.UUID][]models.RecommendationStateRecord{},
	}
}

func workspace(ctx context.Context) uuid.UUID {
	return uuid.MustParse(appctx.GetWorkspaceID(ctx))
}

func (f *fakeStore) ReplaceSnapshot(ctx context.Context, recs []models.Recommendation) error {
	f.recs[workspace(ctx)] = recs
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]models.Recommendation, error) {
	return append([]models.Recommendation(nil), f.recs[workspace(ctx)]...), nil
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Recommendation, error) {
	for _, rec := range f.recs[workspace(ctx)] {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, httperror.NewHTTPError(http.StatusNotFound, "recommendation not found")
}

func (f *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	ws := workspace(ctx)
	kept := f.recs[ws][:0]
	for _, rec := range f.recs[ws] {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	f.recs[ws] = kept
	return nil
}

func (f *fakeStore) UpsertState(ctx context.Context, state *models.RecommendationStateRecord) error {
	ws := workspace(ctx)
	state.WorkspaceID = ws
	state.UpdatedAt = time.Now().UTC()
	states := f.states[ws]
	for i := range states {
		if states[i].Kind == state.Kind && states[i].TargetID == state.TargetID {
			states[i] = *state
			return nil
		}
	}
	f.states[ws] = append(states, *state)
	return nil
}

func (f *fakeStore) ListStates(ctx context.Context) ([]models.RecommendationStateRecord, error) {
	return f.states[workspace(ctx)], nil
}

type fakeMetrics struct {
	spend []models.CampaignSpend
}

func (f *fakeMetrics) CampaignSpend(context.Context, time.Time, time.Time) ([]models.CampaignSpend, error) {
	return f.spend, nil
}

func (f *fakeMetrics) ListCreatives(context.Context) ([]models.Creative, error) {
	return nil, nil
}

type fakeIntegrations struct {
	byWorkspace map[uuid.UUID][]models.Integration
}

func (f *fakeIntegrations) List(ctx context.Context) ([]models.Integration, error) {
	return f.byWorkspace[workspace(ctx)], nil
}

func (f *fakeIntegrations) ListWorkspaceIDs(context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id := range f.byWorkspace {
		ids = append(ids, id)
	}
	return ids, nil
}

type engineHarness struct {
	engine       *recommendations.Engine
	store        *fakeStore
	integrations *fakeIntegrations
	workspaceID  uuid.UUID
	ctx          context.Context
}

func newEngineHarness() *engineHarness {
	workspaceID := uuid.New()
	syncedAt := time.Now().UTC().Add(-72 * time.Hour)
	integrations := &fakeIntegrations{byWorkspace: map[uuid.UUID][]models.Integration{
		workspaceID: {{ID: uuid.New(), WorkspaceID: workspaceID, Name: "Ads", Cadence: models.CadenceHourly, LastSyncAt: &syncedAt}},
	}}
	store := newFakeStore()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	ctx := appctx.SetUserID(appctx.SetWorkspaceID(context.Background(), workspaceID.String()), "user-7")

	return &engineHarness{
		engine:       recommendations.NewEngine(store, &fakeMetrics{}, integrations, logger),
		store:        store,
		integrations: integrations,
		workspaceID:  workspaceID,
		ctx:          ctx,
	}
}

func (h *engineHarness) only(t *testing.T) models.Recommendation {
	t.Helper()
	recs, err := h.engine.List(h.ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestEngine_EvaluateReplacesSnapshot(t *testing.T) {
	h := newEngineHarness()

	n, err := h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := h.only(t)
	assert.Equal(t, models.RecommendationStaleSync, rec.Kind)
	assert.Equal(t, models.RecommendationStatePending, rec.State)

	now := time.Now().UTC()
	h.integrations.byWorkspace[h.workspaceID][0].LastSyncAt = &now
	n, err = h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := h.engine.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEngine_EvaluateRequiresWorkspace(t *testing.T) {
	h := newEngineHarness()
	_, err := h.engine.Evaluate(context.Background(), recommendations.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))
}

func TestEngine_DismissSuppressesAcrossEvaluations(t *testing.T) {
	h := newEngineHarness()
	_, err := h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	rec := h.only(t)

	state, err := h.engine.Dismiss(h.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecommendationStateDismissed, state.State)
	assert.Equal(t, "user-7", state.Actor)
	require.NotNil(t, state.Until)
	assert.WithinDuration(t, time.Now().Add(recommendations.DismissWindow), *state.Until, time.Minute)

	_, err = h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	recs, err := h.engine.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, recs, "dismissed recommendation must stay hidden while its condition holds")

	expired := time.Now().Add(-time.Minute)
	h.store.states[h.workspaceID][0].Until = &expired
	assert.Equal(t, rec.ID, h.only(t).ID)
}

func TestEngine_Postpone(t *testing.T) {
	h := newEngineHarness()
	_, err := h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	rec := h.only(t)

	_, err = h.engine.Postpone(h.ctx, rec.ID, time.Now().Add(-time.Hour))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = h.engine.Postpone(h.ctx, rec.ID, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	recs, err := h.engine.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEngine_ActRemovesUntilNewerData(t *testing.T) {
	h := newEngineHarness()
	_, err := h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	rec := h.only(t)

	state, err := h.engine.Act(h.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecommendationStateCompleted, state.State)
	assert.Empty(t, h.store.recs[h.workspaceID])

	// same data re-derives the item but the action still hides it
	_, err = h.engine.Evaluate(h.ctx, recommendations.TriggerManual)
	require.NoError(t, err)
	recs, err := h.engine.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// a later sync that is stale again resurfaces it
	later := time.Now().UTC().Add(time.Hour)
	h.integrations.byWorkspace[h.workspaceID][0].LastSyncAt = &later
	h.store.states[h.workspaceID][0].UpdatedAt = later.Add(-time.Minute)
	h.store.recs[h.workspaceID] = []models.Recommendation{{
		ID: rec.ID, WorkspaceID: h.workspaceID, Kind: rec.Kind, TargetID: rec.TargetID, ObservedAt: later,
	}}
	assert.Equal(t, rec.ID, h.only(t).ID)
}

func TestEngine_DecideUnknownRecommendation(t *testing.T) {
	h := newEngineHarness()
	_, err := h.engine.Dismiss(h.ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestEngine_SweepAndSyncCompleted(t *testing.T) {
	h := newEngineHarness()
	other := uuid.New()
	h.integrations.byWorkspace[other] = nil

	require.NoError(t, h.engine.Sweep(context.Background()))
	assert.Len(t, h.store.recs[h.workspaceID], 1)
	assert.Empty(t, h.store.recs[other])

	h.store.recs[h.workspaceID] = nil
	require.NoError(t, h.engine.HandleSyncCompleted(context.Background(), events.SyncCompleted{
		Type:        events.TypeSyncCompleted,
		WorkspaceID: h.workspaceID,
		RunID:       uuid.New(),
		Status:      models.SyncRunStatusCompleted,
	}))
	assert.Len(t, h.store.recs[h.workspaceID], 1)
}
