package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/failures"
)

const workspaceID = "5b0b7a8e-2d1f-4c43-9b7e-6a0f1f3c2d10"

var noopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type fakeVerifier struct {
	claims *UserClaims
	err    error
	raw    string
}

func (f *fakeVerifier) Verify(_ context.Context, raw string) (*UserClaims, error) {
	f.raw = raw
	return f.claims, f.err
}

func newServer(mw ...echo.MiddlewareFunc) (*echo.Echo, *context.Context) {
	e := echo.New()
	e.HTTPErrorHandler = Error(noopLogger)
	var seen context.Context
	e.Use(Context())
	e.Use(mw...)
	e.GET("/things/:id", func(c echo.Context) error {
		seen = c.Request().Context()
		return c.NoContent(http.StatusNoContent)
	})
	return e, &seen
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestContext_SeedsRequestMetadata(t *testing.T) {
	e, seen := newServer()

	req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, "req-1", appctx.GetRequestID(*seen))
	assert.Equal(t, http.MethodGet, appctx.GetMethod(*seen))
}

func TestContext_GeneratesRequestID(t *testing.T) {
	e, seen := newServer()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/1", nil))

	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), appctx.GetRequestID(*seen))
}

func TestHeaders(t *testing.T) {
	t.Run("sets workspace user and roles", func(t *testing.T) {
		e, seen := newServer(Headers(noopLogger))

		req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
		req.Header.Set(HeaderWorkspaceID, workspaceID)
		req.Header.Set(HeaderUserID, "user-1")
		req.Header.Set(HeaderUserRoles, "credentials:reveal, admin")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, workspaceID, appctx.GetWorkspaceID(*seen))
		assert.Equal(t, "user-1", appctx.GetActor(*seen))
		assert.True(t, appctx.HasRole(*seen, "credentials:reveal"))
		assert.True(t, appctx.HasRole(*seen, "admin"))
	})

	t.Run("rejects missing workspace", func(t *testing.T) {
		e, _ := newServer(Headers(noopLogger))

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/1", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, decodeError(t, rec).RequestID)
	})

	t.Run("rejects malformed workspace", func(t *testing.T) {
		e, _ := newServer(Headers(noopLogger))

		req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
		req.Header.Set(HeaderWorkspaceID, "acme")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAuthentication(t *testing.T) {
	validClaims := func() *UserClaims {
		c := &UserClaims{Sub: "user-9", WorkspaceID: workspaceID}
		c.RealmAccess.Roles = []string{"credentials:reveal"}
		return c
	}

	t.Run("valid token", func(t *testing.T) {
		verifier := &fakeVerifier{claims: validClaims()}
		e, seen := newServer(Authentication(noopLogger, verifier))

		req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer abc.def")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "abc.def", verifier.raw)
		assert.Equal(t, workspaceID, appctx.GetWorkspaceID(*seen))
		assert.Equal(t, "user-9", appctx.GetUserID(*seen))
		assert.True(t, appctx.HasRole(*seen, "credentials:reveal"))
	})

	t.Run("missing bearer", func(t *testing.T) {
		e, _ := newServer(Authentication(noopLogger, &fakeVerifier{claims: validClaims()}))

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/1", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		e, _ := newServer(Authentication(noopLogger, &fakeVerifier{err: errors.New("expired")}))

		req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer abc")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid token", decodeError(t, rec).Message)
	})

	t.Run("token without workspace", func(t *testing.T) {
		e, _ := newServer(Authentication(noopLogger, &fakeVerifier{claims: &UserClaims{Sub: "user-9"}}))

		req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer abc")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
		kind    string
	}{
		{"http error", httperror.NewHTTPError(http.StatusNotFound, "integration not found"), http.StatusNotFound, "integration not found", ""},
		{"wrapped http error", fmt.Errorf("loading integration: %w", httperror.NewHTTPError(http.StatusNotFound, "integration not found")), http.StatusNotFound, "integration not found", ""},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"), http.StatusMethodNotAllowed, "nope", ""},
		{"sync in progress", failures.New(failures.KindSyncAlreadyInProgress, "ads_a", "sync already running"), http.StatusConflict, "", "sync_already_in_progress"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "Internal Server Error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.HTTPErrorHandler = Error(noopLogger)
			e.GET("/", func(c echo.Context) error { return tt.err })

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.NotEmpty(t, body.Message)
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Message)
			}
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body.Meta["kind"])
			}
		})
	}
}
