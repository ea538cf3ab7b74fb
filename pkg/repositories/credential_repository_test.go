package repositories_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestCredentialRepository_GetNotFound(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewCredentialRepository(db, getTestLogger())

	mock.ExpectQuery(`SELECT .* FROM integration_credentials WHERE workspace_id = \$1 AND integration_id = \$2`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(getTestContext(uuid.New()), uuid.New())
	assert.ErrorIs(t, err, repositories.ErrCredentialNotFound)
}

func TestCredentialRepository_DeleteReportsExistence(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewCredentialRepository(db, getTestLogger())
	ctx := getTestContext(uuid.New())

	mock.ExpectExec(`DELETE FROM integration_credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM integration_credentials`).WillReturnResult(sqlmock.NewResult(0, 0))

	existed, err := repo.Delete(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = repo.Delete(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestCredentialRepository_AppendAudit(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewCredentialRepository(db, getTestLogger())
	workspaceID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO credential_audit_log .* RETURNING occurred_at`).
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at"}).AddRow(now))

	entry := &models.CredentialAudit{
		IntegrationID: uuid.New(),
		Actor:         "alice",
		Action:        models.CredentialActionReveal,
	}
	require.NoError(t, repo.AppendAudit(getTestContext(workspaceID), entry))

	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, workspaceID, entry.WorkspaceID)
	assert.Equal(t, now, entry.OccurredAt)
	assert.NotNil(t, entry.Metadata.Data)
}

func TestCredentialRepository_WithTxRollsBack(t *testing.T) {
	db, mock := getTestDB(t)
	repo := repositories.NewCredentialRepository(db, getTestLogger())
	ctx := getTestContext(uuid.New())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM integration_credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("status update failed")
	err := repo.WithTx(ctx, func(ctx context.Context) error {
		if _, err := repo.Delete(ctx, uuid.New()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
