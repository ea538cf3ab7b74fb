package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/validation"
	"github.com/Ramsey-B/fern/pkg/vault"
)

type CredentialVault interface {
	Store(ctx context.Context, integrationID uuid.UUID, fields map[string]string, actor string) error
	Redacted(ctx context.Context, integrationID uuid.UUID) (*vault.RedactedView, error)
	Reveal(ctx context.Context, integrationID uuid.UUID, grant vault.Grant) (map[string]string, error)
	Clear(ctx context.Context, integrationID uuid.UUID, actor string) error
	AuditTrail(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.CredentialAudit, error)
}

// CredentialHandler exposes the credential vault. Plaintext only leaves through reveal.
type CredentialHandler struct {
	vault CredentialVault
}

func NewCredentialHandler(v CredentialVault) *CredentialHandler {
	return &CredentialHandler{vault: v}
}

type StoreCredentialsRequest struct {
	Fields map[string]string `json:"fields" validate:"required,min=1"`
}

type RevealResponse struct {
	IntegrationID uuid.UUID         `json:"integration_id"`
	Fields        map[string]string `json:"fields"`
}

func (h *CredentialHandler) RegisterRoutes(g *echo.Group) {
	credentials := g.Group("/integrations/:id/credentials")
	credentials.PUT("", h.Store)
	credentials.GET("", h.Get)
	credentials.DELETE("", h.Clear)
	credentials.POST("/reveal", h.Reveal)
	credentials.GET("/audit", h.Audit)
}

// Store handles PUT /integrations/:id/credentials
func (h *CredentialHandler) Store(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := validation.BindRequest[StoreCredentialsRequest](c)
	if err != nil {
		return err
	}

	if err := h.vault.Store(ctx, id, req.Fields, appctx.GetActor(ctx)); err != nil {
		return err
	}

	view, err := h.vault.Redacted(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, view)
}

// Get handles GET /integrations/:id/credentials
func (h *CredentialHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	view, err := h.vault.Redacted(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, view)
}

// Clear handles DELETE /integrations/:id/credentials
func (h *CredentialHandler) Clear(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.vault.Clear(ctx, id, appctx.GetActor(ctx)); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// Reveal handles POST /integrations/:id/credentials/reveal
func (h *CredentialHandler) Reveal(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	fields, err := h.vault.Reveal(ctx, id, vault.Grant{
		Actor: appctx.GetActor(ctx),
		Roles: appctx.GetRoles(ctx),
	})
	if err != nil {
		return err
	}
	return SuccessResponse(c, RevealResponse{IntegrationID: id, Fields: fields})
}

// Audit handles GET /integrations/:id/credentials/audit
func (h *CredentialHandler) Audit(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	limit, err := ParseLimit(c)
	if err != nil {
		return err
	}

	entries, err := h.vault.AuditTrail(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entries)
}
