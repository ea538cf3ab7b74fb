package repositories_test

import (
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestRecommendationRepository_ReplaceSnapshot(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewRecommendationRepository(db, getTestLogger())
	workspaceID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM recommendations WHERE workspace_id = \$1`).
		WithArgs(workspaceID).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`INSERT INTO recommendations`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	recs := []models.Recommendation{
		{ID: models.RecommendationID(workspaceID, models.RecommendationLowCTR, "ads_a:1"), Kind: models.RecommendationLowCTR,
			TargetID: "ads_a:1", Data: database.NewJSONB(map[string]any{}), ObservedAt: now, EvaluatedAt: now},
		{ID: models.RecommendationID(workspaceID, models.RecommendationStaleSync, "x"), Kind: models.RecommendationStaleSync,
			TargetID: "x", Data: database.NewJSONB(map[string]any{}), ObservedAt: now, EvaluatedAt: now},
	}
	require.NoError(t, repo.ReplaceSnapshot(getTestContext(workspaceID), recs))
}

func TestRecommendationRepository_ReplaceSnapshotEmpty(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewRecommendationRepository(db, getTestLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM recommendations`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceSnapshot(getTestContext(uuid.New()), nil))
}

func TestRecommendationRepository_ReplaceSnapshotRollsBack(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewRecommendationRepository(db, getTestLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM recommendations`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.ReplaceSnapshot(getTestContext(uuid.New()), []models.Recommendation{{ID: uuid.New()}})
	assertStatus(t, err, http.StatusInternalServerError)
}

func TestRecommendationRepository_GetByIDNotFound(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewRecommendationRepository(db, getTestLogger())

	mock.ExpectQuery(`SELECT .* FROM recommendations WHERE workspace_id = \$1 AND id = \$2`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(getTestContext(uuid.New()), uuid.New())
	assertNotFound(t, err)
}

func TestRecommendationRepository_UpsertState(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewRecommendationRepository(db, getTestLogger())
	workspaceID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO recommendation_states .* ON CONFLICT .* RETURNING updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	state := &models.RecommendationStateRecord{
		Kind:     models.RecommendationBudgetUnderutilized,
		TargetID: "ads_b:42",
		State:    models.RecommendationStateDismissed,
		Actor:    "alice",
	}
	require.NoError(t, repo.UpsertState(getTestContext(workspaceID), state))
	assert.Equal(t, workspaceID, state.WorkspaceID)
	assert.Equal(t, now, state.UpdatedAt)
}
