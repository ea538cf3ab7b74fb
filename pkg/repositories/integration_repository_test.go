package repositories_test

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestIntegrationRepository_Create(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())
	workspaceID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO integrations .* RETURNING created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	integration := &models.Integration{Platform: models.PlatformAdsA, Name: "Ads A"}
	err := repo.Create(getTestContext(workspaceID), integration)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, integration.ID)
	assert.Equal(t, workspaceID, integration.WorkspaceID)
	assert.Equal(t, models.IntegrationStatusNotConfigured, integration.Status)
	assert.Equal(t, models.CadenceNone, integration.Cadence)
	assert.Equal(t, now, integration.CreatedAt)
}

func TestIntegrationRepository_CreateDuplicatePlatform(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	mock.ExpectQuery(`INSERT INTO integrations`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(getTestContext(uuid.New()), &models.Integration{Platform: models.PlatformAdsB, Name: "Ads B"})
	assertStatus(t, err, http.StatusConflict)
}

func TestIntegrationRepository_RequiresWorkspace(t *testing.T) {
	db, _ := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	_, err := repo.GetByID(context.Background(), uuid.New())
	assertUnauthorized(t, err)

	_, err = repo.List(context.Background())
	assertUnauthorized(t, err)
}

func TestIntegrationRepository_GetByIDNotFound(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	mock.ExpectQuery(`SELECT .* FROM integrations WHERE workspace_id = \$1 AND id = \$2`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(getTestContext(uuid.New()), uuid.New())
	assertNotFound(t, err)
}

func TestIntegrationRepository_UpdateSyncState(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())
	workspaceID := uuid.New()
	id := uuid.New()
	syncedAt := time.Now().UTC()
	result := models.SyncResultSuccess

	mock.ExpectQuery(`UPDATE integrations SET status = \$1, last_sync_at = \$2, last_sync_result = \$3, last_error = \$4, updated_at = NOW\(\) WHERE workspace_id = \$5 AND id = \$6 RETURNING updated_at`).
		WithArgs(models.IntegrationStatusActive, syncedAt, result, nil, workspaceID, id).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(syncedAt))

	err := repo.UpdateSyncState(getTestContext(workspaceID), id, models.SyncStateUpdate{
		Status:         models.IntegrationStatusActive,
		LastSyncAt:     &syncedAt,
		LastSyncResult: &result,
		ClearError:     true,
	})
	require.NoError(t, err)
}

func TestIntegrationRepository_UpdateMissing(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	mock.ExpectQuery(`UPDATE integrations SET cadence`).WillReturnError(sql.ErrNoRows)

	err := repo.UpdateCadence(getTestContext(uuid.New()), uuid.New(), models.CadenceDaily)
	assertNotFound(t, err)
}

func TestIntegrationRepository_Delete(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())
	ctx := getTestContext(uuid.New())

	mock.ExpectExec(`DELETE FROM integrations`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(ctx, uuid.New()))

	mock.ExpectExec(`DELETE FROM integrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	assertNotFound(t, repo.Delete(ctx, uuid.New()))
}

func TestIntegrationRepository_ListByStatusSpansWorkspaces(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())
	first, second := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .* FROM integrations WHERE status = \$1`).
		WithArgs(models.IntegrationStatusSyncing).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "status"}).
			AddRow(uuid.NewString(), first.String(), "syncing").
			AddRow(uuid.NewString(), second.String(), "syncing"))

	integrations, err := repo.ListByStatus(context.Background(), models.IntegrationStatusSyncing)
	require.NoError(t, err)
	require.Len(t, integrations, 2)
	assert.Equal(t, first, integrations[0].WorkspaceID)
	assert.Equal(t, second, integrations[1].WorkspaceID)
	assert.Equal(t, models.IntegrationStatusSyncing, integrations[1].Status)
}
