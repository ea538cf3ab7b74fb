package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const syncRunsTable = "sync_runs"

// ErrRunAlreadyTerminal is returned when a terminal run would be modified
var ErrRunAlreadyTerminal = errors.New("sync run is already terminal")

var syncRunStruct = database.NewStruct(new(models.SyncRun))

// SyncRunRepository persists the sync run audit trail
type SyncRunRepository struct {
	*Repository
}

// NewSyncRunRepository creates a new sync run repository
func NewSyncRunRepository(db database.DB, logger ectologger.Logger) *SyncRunRepository {
	return &SyncRunRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a pending run
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	ctx, span := tracing.StartSpan(ctx, "SyncRunRepository.Create")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	run.WorkspaceID = workspaceID
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Errors.Data == nil {
		run.Errors.Data = []models.SyncRunError{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(syncRunsTable).
		Cols("id", "workspace_id", "integration_id", "platform", "mode", "period", "period_start", "period_end",
			"scope", "status", "errors", "triggered_by", "created_at").
		Values(run.ID, run.WorkspaceID, run.IntegrationID, run.Platform, run.Mode, run.Period, run.PeriodStart, run.PeriodEnd,
			run.Scope, run.Status, run.Errors, run.TriggeredBy, run.CreatedAt)

	query, args := ib.Build()
	if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"sync_run_id":    run.ID,
			"integration_id": run.IntegrationID,
		}).Error("failed to create sync run")
		return Internal("failed to create sync run")
	}

	return nil
}

// MarkRunning moves a pending run to running
func (r *SyncRunRepository) MarkRunning(ctx context.Context, run *models.SyncRun, startedAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "SyncRunRepository.MarkRunning")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(syncRunsTable).
		Set(
			ub.Assign("status", models.SyncRunStatusRunning),
			ub.Assign("started_at", startedAt),
		).
		Where(ub.Equal("id", run.ID), ub.Equal("status", models.SyncRunStatusPending))

	if err := r.execTransition(ctx, ub, run.ID); err != nil {
		return err
	}

	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &startedAt
	return nil
}

// Finish writes the terminal state of a run. Terminal runs are never rewritten.
func (r *SyncRunRepository) Finish(ctx context.Context, run *models.SyncRun) error {
	ctx, span := tracing.StartSpan(ctx, "SyncRunRepository.Finish")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(syncRunsTable).
		Set(
			ub.Assign("status", run.Status),
			ub.Assign("campaigns_fetched", run.CampaignsFetched),
			ub.Assign("creatives_fetched", run.CreativesFetched),
			ub.Assign("metrics_fetched", run.MetricsFetched),
			ub.Assign("errors", run.Errors),
			ub.Assign("failure_kind", run.FailureKind),
			ub.Assign("completed_at", run.CompletedAt),
		).
		Where(ub.Equal("id", run.ID), ub.In("status", models.SyncRunStatusPending, models.SyncRunStatusRunning))

	return r.execTransition(ctx, ub, run.ID)
}

func (r *SyncRunRepository) execTransition(ctx context.Context, ub *database.UpdateBuilder, runID uuid.UUID) error {
	query, args := ub.Build()
	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"sync_run_id": runID,
		}).Error("failed to update sync run")
		return Internal("failed to update sync run")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrRunAlreadyTerminal
	}
	return nil
}

// GetByID retrieves a run (workspace-scoped)
func (r *SyncRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncRunRepository.GetByID")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncRunStruct.SelectFrom(syncRunsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("id", id))

	query, args := sb.Build()
	var run models.SyncRun
	err = r.conn(ctx).GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("sync run %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"sync_run_id": id,
		}).Error("failed to get sync run")
		return nil, Internal("failed to get sync run")
	}

	return &run, nil
}

// ListByIntegration returns the newest runs of an integration first
func (r *SyncRunRepository) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncRunRepository.ListByIntegration")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncRunStruct.SelectFrom(syncRunsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("integration_id", integrationID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	runs := []models.SyncRun{}
	if err := r.conn(ctx).SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to list sync runs")
		return nil, Internal("failed to list sync runs")
	}

	return runs, nil
}

// ListInFlight returns pending or running runs across all workspaces
func (r *SyncRunRepository) ListInFlight(ctx context.Context) ([]models.SyncRun, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncRunRepository.ListInFlight")
	defer span.End()

	sb := syncRunStruct.SelectFrom(syncRunsTable)
	sb.Where(sb.In("status", models.SyncRunStatusPending, models.SyncRunStatusRunning))
	sb.OrderBy("created_at").Asc()

	query, args := sb.Build()
	runs := []models.SyncRun{}
	if err := r.conn(ctx).SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list in-flight sync runs")
		return nil, Internal("failed to list in-flight sync runs")
	}

	return runs, nil
}
