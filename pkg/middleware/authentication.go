package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderUserID      = "X-User-ID"
	HeaderUserRoles   = "X-User-Roles"
)

type UserClaims struct {
	Sub         string `json:"sub"`
	Email       string `json:"email"`
	WorkspaceID string `json:"workspace_id"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Verifier turns a raw bearer token into verified claims
type Verifier interface {
	Verify(ctx context.Context, raw string) (*UserClaims, error)
}

type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (*UserClaims, error) {
	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	var claims UserClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Authentication requires a valid bearer token carrying a workspace claim
func Authentication(logger ectologger.Logger, verifier Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx, span := tracing.StartSpan(ctx, "middleware.Authentication")
			defer span.End()

			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return httperror.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			raw := strings.TrimPrefix(auth, "Bearer ")
			verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			claims, err := verifier.Verify(verifyCtx, raw)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return httperror.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			if _, err := uuid.Parse(claims.WorkspaceID); err != nil {
				logger.WithContext(ctx).WithField("user_id", claims.Sub).Warn("token has no workspace")
				return httperror.NewHTTPError(http.StatusUnauthorized, "token has no workspace")
			}

			ctx = appctx.SetUserID(ctx, claims.Sub)
			ctx = appctx.SetWorkspaceID(ctx, claims.WorkspaceID)
			ctx = appctx.SetRoles(ctx, claims.RealmAccess.Roles)

			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// Headers trusts the caller's workspace, user and role headers. Only used when auth is disabled.
func Headers(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()

			workspaceID := req.Header.Get(HeaderWorkspaceID)
			if _, err := uuid.Parse(workspaceID); err != nil {
				logger.WithContext(ctx).Debug("request is missing a workspace header")
				return httperror.NewHTTPErrorf(http.StatusUnauthorized, "%s header must be a uuid", HeaderWorkspaceID)
			}

			ctx = appctx.SetWorkspaceID(ctx, workspaceID)
			if userID := req.Header.Get(HeaderUserID); userID != "" {
				ctx = appctx.SetUserID(ctx, userID)
			}
			if raw := req.Header.Get(HeaderUserRoles); raw != "" {
				var roles []string
				for _, r := range strings.Split(raw, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
				ctx = appctx.SetRoles(ctx, roles)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
