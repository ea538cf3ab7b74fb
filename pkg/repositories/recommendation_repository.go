package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	recommendationsTable      = "recommendations"
	recommendationStatesTable = "recommendation_states"
)

var (
	recommendationStruct      = database.NewStruct(new(models.Recommendation))
	recommendationStateStruct = database.NewStruct(new(models.RecommendationStateRecord))
)

// RecommendationRepository stores the derived recommendation snapshot and user decisions
type RecommendationRepository struct {
	*Repository
}

// NewRecommendationRepository creates a new recommendation repository
func NewRecommendationRepository(db database.DB, logger ectologger.Logger) *RecommendationRepository {
	return &RecommendationRepository{
		Repository: NewRepository(db, logger),
	}
}

// ReplaceSnapshot swaps the workspace's derived recommendations for recs in one transaction
func (r *RecommendationRepository) ReplaceSnapshot(ctx context.Context, recs []models.Recommendation) error {
	ctx, span := tracing.StartSpan(ctx, "RecommendationRepository.ReplaceSnapshot")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	err = database.WithTx(ctx, r.db, func(ctx context.Context) error {
		db := database.NewDeleteBuilder()
		db.DeleteFrom(recommendationsTable).Where(db.Equal("workspace_id", workspaceID))
		query, args := db.Build()
		if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
			return err
		}

		if len(recs) == 0 {
			return nil
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(recommendationsTable).
			Cols("id", "workspace_id", "kind", "target_type", "target_id", "platform", "severity",
				"title", "detail", "data", "observed_at", "evaluated_at")
		for _, rec := range recs {
			ib.Values(rec.ID, workspaceID, rec.Kind, rec.TargetType, rec.TargetID, rec.Platform, rec.Severity,
				rec.Title, rec.Detail, rec.Data, rec.ObservedAt, rec.EvaluatedAt)
		}
		query, args = ib.Build()
		_, err := r.conn(ctx).ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
		}).Error("failed to replace recommendation snapshot")
		return Internal("failed to store recommendations")
	}

	return nil
}

// List returns the current snapshot of the workspace
func (r *RecommendationRepository) List(ctx context.Context) ([]models.Recommendation, error) {
	ctx, span := tracing.StartSpan(ctx, "RecommendationRepository.List")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := recommendationStruct.SelectFrom(recommendationsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID))
	sb.OrderBy("kind", "target_id")

	query, args := sb.Build()
	recs := []models.Recommendation{}
	if err := r.conn(ctx).SelectContext(ctx, &recs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list recommendations")
		return nil, Internal("failed to list recommendations")
	}

	return recs, nil
}

// GetByID returns one recommendation of the current snapshot
func (r *RecommendationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recommendation, error) {
	ctx, span := tracing.StartSpan(ctx, "RecommendationRepository.GetByID")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := recommendationStruct.SelectFrom(recommendationsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("id", id))

	query, args := sb.Build()
	var rec models.Recommendation
	err = r.conn(ctx).GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("recommendation %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"recommendation_id": id,
		}).Error("failed to get recommendation")
		return nil, Internal("failed to get recommendation")
	}

	return &rec, nil
}

// Delete removes one recommendation from the snapshot
func (r *RecommendationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RecommendationRepository.Delete")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(recommendationsTable).Where(db.Equal("workspace_id", workspaceID), db.Equal("id", id))

	query, args := db.Build()
	if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"recommendation_id": id,
		}).Error("failed to delete recommendation")
		return Internal("failed to delete recommendation")
	}

	return nil
}

// UpsertState records a user decision for (kind, target)
func (r *RecommendationRepository) UpsertState(ctx context.Context, state *models.RecommendationStateRecord) error {
	ctx, span := tracing.StartSpan(ctx, "RecommendationRepository.UpsertState")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	state.WorkspaceID = workspaceID

	ib := database.NewInsertBuilder()
	ib.InsertInto(recommendationStatesTable).
		Cols("workspace_id", "kind", "target_id", "state", "until", "actor", "updated_at").
		Values(state.WorkspaceID, state.Kind, state.TargetID, state.State, state.Until, state.Actor, sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("workspace_id", "kind", "target_id")
	ub.Set(
		ub.Assign("state", database.Excluded("state")),
		ub.Assign("until", database.Excluded("until")),
		ub.Assign("actor", database.Excluded("actor")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)
	ib.Returning("updated_at")

	query, args := ib.Build()
	if err := r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&state.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"kind":      state.Kind,
			"target_id": state.TargetID,
		}).Error("failed to store recommendation state")
		return Internal("failed to store recommendation state")
	}

	return nil
}

// ListStates returns every recorded decision of the workspace
func (r *RecommendationRepository) ListStates(ctx context.Context) ([]models.RecommendationStateRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "RecommendationRepository.ListStates")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := recommendationStateStruct.SelectFrom(recommendationStatesTable)
	sb.Where(sb.Equal("workspace_id", workspaceID))

	query, args := sb.Build()
	states := []models.RecommendationStateRecord{}
	if err := r.conn(ctx).SelectContext(ctx, &states, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list recommendation states")
		return nil, Internal("failed to list recommendation states")
	}

	return states, nil
}
