// Package recommendations derives the Action Center items of a workspace and tracks the
// user's decisions about them.
package recommendations

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DismissWindow is how long a dismissed (kind, target) stays hidden
const DismissWindow = 30 * 24 * time.Hour

const (
	TriggerSyncCompleted = "sync_completed"
	TriggerSweep         = "sweep"
	TriggerManual        = "manual"
)

type Store interface {
	ReplaceSnapshot(ctx context.Context, recs []models.Recommendation) error
	List(ctx context.Context) ([]models.Recommendation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recommendation, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpsertState(ctx context.Context, state *models.RecommendationStateRecord) error
	ListStates(ctx context.Context) ([]models.RecommendationStateRecord, error)
}

type MetricsSource interface {
	CampaignSpend(ctx context.Context, from, to time.Time) ([]models.CampaignSpend, error)
	ListCreatives(ctx context.Context) ([]models.Creative, error)
}

type IntegrationSource interface {
	List(ctx context.Context) ([]models.Integration, error)
	ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error)
}

type Engine struct {
	store        Store
	metrics      MetricsSource
	integrations IntegrationSource
	rules        []Rule
	logger       ectologger.Logger
	now          func() time.Time
}

func NewEngine(store Store, metricsSource MetricsSource, integrations IntegrationSource, logger ectologger.Logger) *Engine {
	return &Engine{
		store:        store,
		metrics:      metricsSource,
		integrations: integrations,
		rules:        DefaultRules,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate rebuilds the recommendation snapshot of the workspace on ctx
func (e *Engine) Evaluate(ctx context.Context, trigger string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.Evaluate")
	defer span.End()

	recs, err := e.derive(ctx)
	if err == nil {
		err = e.store.ReplaceSnapshot(ctx, recs)
	}
	if err != nil {
		metrics.RecommendationEvaluations.WithLabelValues(trigger, "error").Inc()
		e.logger.WithContext(ctx).WithError(err).WithField("trigger", trigger).Error("Recommendation evaluation failed")
		return 0, err
	}

	metrics.RecommendationEvaluations.WithLabelValues(trigger, "ok").Inc()
	for _, rec := range recs {
		metrics.RecommendationsGenerated.WithLabelValues(string(rec.Kind)).Inc()
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"trigger":         trigger,
		"recommendations": len(recs),
	}).Debug("Recommendations evaluated")
	return len(recs), nil
}

func (e *Engine) derive(ctx context.Context) ([]models.Recommendation, error) {
	workspaceID, err := uuid.Parse(appctx.GetWorkspaceID(ctx))
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	now := e.now()
	today := models.Date(now)

	integrations, err := e.integrations.List(ctx)
	if err != nil {
		return nil, err
	}
	campaigns, err := e.metrics.CampaignSpend(ctx, today.AddDate(0, 0, -(BudgetMaxWindowDays-1)), today)
	if err != nil {
		return nil, err
	}
	recent, err := e.metrics.CampaignSpend(ctx, today.AddDate(0, 0, -LowCTRWindowDays), today.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	creatives, err := e.metrics.ListCreatives(ctx)
	if err != nil {
		return nil, err
	}

	return Derive(&Snapshot{
		WorkspaceID:     workspaceID,
		Now:             now,
		Campaigns:       campaigns,
		RecentCampaigns: recent,
		Integrations:    integrations,
		Creatives:       creatives,
	}, e.rules...), nil
}

// Sweep evaluates every workspace that has integrations. One failing workspace does not stop the rest.
func (e *Engine) Sweep(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.Sweep")
	defer span.End()

	workspaces, err := e.integrations.ListWorkspaceIDs(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, id := range workspaces {
		if _, err := e.Evaluate(appctx.SetWorkspaceID(ctx, id.String()), TriggerSweep); err != nil {
			failed++
		}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"workspaces": len(workspaces),
		"failed":     failed,
	}).Info("Recommendation sweep finished")
	return nil
}

// HandleSyncCompleted re-evaluates the workspace of a finished run
func (e *Engine) HandleSyncCompleted(ctx context.Context, evt events.SyncCompleted) error {
	ctx = appctx.SetWorkspaceID(ctx, evt.WorkspaceID.String())
	_, err := e.Evaluate(ctx, TriggerSyncCompleted)
	return err
}

// List returns the visible recommendations of the workspace with their state
func (e *Engine) List(ctx context.Context) ([]models.Recommendation, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.List")
	defer span.End()

	recs, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	states, err := e.store.ListStates(ctx)
	if err != nil {
		return nil, err
	}

	byTarget := make(map[stateKey]models.RecommendationStateRecord, len(states))
	for _, st := range states {
		byTarget[stateKey{st.Kind, st.TargetID}] = st
	}

	now := e.now()
	visible := make([]models.Recommendation, 0, len(recs))
	for _, rec := range recs {
		st, ok := byTarget[stateKey{rec.Kind, rec.TargetID}]
		if ok && hidden(rec, st, now) {
			continue
		}
		rec.State = models.RecommendationStatePending
		visible = append(visible, rec)
	}
	return visible, nil
}

type stateKey struct {
	kind     models.RecommendationKind
	targetID string
}

// hidden applies a user decision: dismissals and postponements hide until they lapse, an action
// hides the item until data newer than the action re-derives it
func hidden(rec models.Recommendation, st models.RecommendationStateRecord, now time.Time) bool {
	switch st.State {
	case models.RecommendationStateDismissed, models.RecommendationStatePostponed:
		return st.Until != nil && now.Before(*st.Until)
	case models.RecommendationStateCompleted:
		return !rec.ObservedAt.After(st.UpdatedAt)
	default:
		return false
	}
}

// Dismiss hides the recommendation's (kind, target) for DismissWindow
func (e *Engine) Dismiss(ctx context.Context, id uuid.UUID) (*models.RecommendationStateRecord, error) {
	until := e.now().Add(DismissWindow)
	return e.decide(ctx, id, models.RecommendationStateDismissed, &until)
}

// Postpone hides the recommendation's (kind, target) until the given time
func (e *Engine) Postpone(ctx context.Context, id uuid.UUID, until time.Time) (*models.RecommendationStateRecord, error) {
	if !until.After(e.now()) {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "until must be in the future")
	}
	until = until.UTC()
	return e.decide(ctx, id, models.RecommendationStatePostponed, &until)
}

// Act marks the recommendation resolved and removes it from the snapshot
func (e *Engine) Act(ctx context.Context, id uuid.UUID) (*models.RecommendationStateRecord, error) {
	state, err := e.decide(ctx, id, models.RecommendationStateCompleted, nil)
	if err != nil {
		return nil, err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return state, nil
}

func (e *Engine) decide(ctx context.Context, id uuid.UUID, state models.RecommendationState, until *time.Time) (*models.RecommendationStateRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.decide")
	defer span.End()

	rec, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	record := &models.RecommendationStateRecord{
		Kind:     rec.Kind,
		TargetID: rec.TargetID,
		State:    state,
		Until:    until,
		Actor:    appctx.GetActor(ctx),
	}
	if err := e.store.UpsertState(ctx, record); err != nil {
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"recommendation_id": id,
		"kind":              rec.Kind,
		"target_id":         rec.TargetID,
		"state":             state,
	}).Info("Recommendation state changed")
	return record, nil
}
