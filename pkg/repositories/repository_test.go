package repositories_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func getTestDB(t *testing.T) (database.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})
	return database.NewDatabaseInstance(sqlx.NewDb(mockDB, "postgres"), getTestLogger()), mock
}

func getTestContext(workspaceID uuid.UUID) context.Context {
	return appctx.SetWorkspaceID(context.Background(), workspaceID.String())
}

// assertStatus asserts that err is an HTTP error with the given status code
func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, status, httperror.GetStatusCode(err), "expected %d, got: %d", status, httperror.GetStatusCode(err))
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	assertStatus(t, err, http.StatusNotFound)
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	assertStatus(t, err, http.StatusUnauthorized)
}
