package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const integrationsTable = "integrations"

var integrationStruct = database.NewStruct(new(models.Integration))

// IntegrationRepository handles database operations for integrations
type IntegrationRepository struct {
	*Repository
}

// NewIntegrationRepository creates a new integration repository
func NewIntegrationRepository(db database.DB, logger ectologger.Logger) *IntegrationRepository {
	return &IntegrationRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new integration
func (r *IntegrationRepository) Create(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Create")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	integration.WorkspaceID = workspaceID

	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}
	if integration.Status == "" {
		integration.Status = models.IntegrationStatusNotConfigured
	}
	if integration.Cadence == "" {
		integration.Cadence = models.CadenceNone
	}
	if integration.Settings.Data == nil {
		integration.Settings.Data = map[string]any{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(integrationsTable).
		Cols("id", "workspace_id", "platform", "name", "status", "cadence", "settings", "created_at", "updated_at").
		Values(integration.ID, integration.WorkspaceID, integration.Platform, integration.Name, integration.Status,
			integration.Cadence, integration.Settings, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&integration.CreatedAt, &integration.UpdatedAt)
	if isUniqueViolation(err) {
		return Conflict("an integration for platform %s already exists", integration.Platform)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integration.ID,
		}).Error("failed to create integration")
		return Internal("failed to create integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
		"platform":       integration.Platform,
	}).Debugf("Created %s", integrationsTable)
	return nil
}

// GetByID retrieves an integration by ID (workspace-scoped)
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByID")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("id", id))

	query, args := sb.Build()
	var integration models.Integration
	err = r.conn(ctx).GetContext(ctx, &integration, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("integration %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get integration by ID")
		return nil, Internal("failed to get integration by ID")
	}

	return &integration, nil
}

// List retrieves all integrations for the current workspace
func (r *IntegrationRepository) List(ctx context.Context) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.List")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID))
	sb.OrderBy("platform")

	query, args := sb.Build()
	integrations := []models.Integration{}
	if err := r.conn(ctx).SelectContext(ctx, &integrations, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list integrations")
		return nil, Internal("failed to list integrations")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_count": len(integrations),
	}).Debugf("Listed %s", integrationsTable)
	return integrations, nil
}

// Update updates the name and settings of an integration
func (r *IntegrationRepository) Update(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Update")
	defer span.End()

	return r.update(ctx, integration.ID, &integration.UpdatedAt, func(ub *database.UpdateBuilder) []string {
		return []string{
			ub.Assign("name", integration.Name),
			ub.Assign("settings", integration.Settings),
		}
	})
}

// UpdateCadence sets the scheduled cadence of an integration
func (r *IntegrationRepository) UpdateCadence(ctx context.Context, id uuid.UUID, cadence models.Cadence) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.UpdateCadence")
	defer span.End()

	return r.update(ctx, id, nil, func(ub *database.UpdateBuilder) []string {
		return []string{ub.Assign("cadence", cadence)}
	})
}

// UpdateStatus sets the status without touching sync bookkeeping
func (r *IntegrationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.UpdateStatus")
	defer span.End()

	return r.update(ctx, id, nil, func(ub *database.UpdateBuilder) []string {
		return []string{ub.Assign("status", status)}
	})
}

// UpdateSyncState applies the orchestrator's view of an integration
func (r *IntegrationRepository) UpdateSyncState(ctx context.Context, id uuid.UUID, state models.SyncStateUpdate) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.UpdateSyncState")
	defer span.End()

	return r.update(ctx, id, nil, func(ub *database.UpdateBuilder) []string {
		assignments := []string{ub.Assign("status", state.Status)}
		if state.LastSyncAt != nil {
			assignments = append(assignments, ub.Assign("last_sync_at", *state.LastSyncAt))
		}
		if state.LastSyncResult != nil {
			assignments = append(assignments, ub.Assign("last_sync_result", *state.LastSyncResult))
		}
		if state.LastError != nil {
			assignments = append(assignments, ub.Assign("last_error", *state.LastError))
		} else if state.ClearError {
			assignments = append(assignments, ub.Assign("last_error", nil))
		}
		return assignments
	})
}

func (r *IntegrationRepository) update(ctx context.Context, id uuid.UUID, updatedAt *time.Time, set func(ub *database.UpdateBuilder) []string) error {
	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	assignments := append(set(ub), ub.Assign("updated_at", sqlbuilder.Raw("NOW()")))
	ub.Update(integrationsTable).
		Set(assignments...).
		Where(ub.Equal("workspace_id", workspaceID), ub.Equal("id", id))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	var scanned sql.NullTime
	err = r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&scanned)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("integration %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to update integration")
		return Internal("failed to update integration")
	}
	if updatedAt != nil {
		*updatedAt = scanned.Time
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
	}).Debugf("Updated %s", integrationsTable)
	return nil
}

// Delete deletes an integration by ID
func (r *IntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Delete")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(integrationsTable).
		Where(db.Equal("workspace_id", workspaceID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to delete integration")
		return Internal("failed to delete integration")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("integration %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
	}).Debugf("Deleted %s", integrationsTable)
	return nil
}

// ListScheduled returns every integration with a cadence across all workspaces
func (r *IntegrationRepository) ListScheduled(ctx context.Context) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.ListScheduled")
	defer span.End()

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.NotEqual("cadence", models.CadenceNone))
	sb.OrderBy("created_at")

	return r.selectAcrossWorkspaces(ctx, sb, "failed to list scheduled integrations")
}

// ListByStatus returns integrations in status across all workspaces
func (r *IntegrationRepository) ListByStatus(ctx context.Context, status models.IntegrationStatus) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.ListByStatus")
	defer span.End()

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("status", status))

	return r.selectAcrossWorkspaces(ctx, sb, "failed to list integrations by status")
}

// ListWorkspaceIDs returns every workspace that owns at least one integration
func (r *IntegrationRepository) ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.ListWorkspaceIDs")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT workspace_id").From(integrationsTable)

	query, args := sb.Build()
	ids := []uuid.UUID{}
	if err := r.conn(ctx).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list workspaces")
		return nil, err
	}
	return ids, nil
}

func (r *IntegrationRepository) selectAcrossWorkspaces(ctx context.Context, sb *database.SelectBuilder, message string) ([]models.Integration, error) {
	query, args := sb.Build()
	integrations := []models.Integration{}
	if err := r.conn(ctx).SelectContext(ctx, &integrations, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error(message)
		return nil, err
	}
	return integrations, nil
}
