package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/validation"
)

type IntegrationRepo interface {
	Create(ctx context.Context, integration *models.Integration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	List(ctx context.Context) ([]models.Integration, error)
	Update(ctx context.Context, integration *models.Integration) error
	UpdateCadence(ctx context.Context, id uuid.UUID, cadence models.Cadence) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// CadenceScheduler keeps the recurring jobs in step with stored cadences. Nil when scheduling is disabled.
type CadenceScheduler interface {
	SetCadence(workspaceID, integrationID uuid.UUID, cadence models.Cadence) error
	RemoveCadence(integrationID uuid.UUID)
	NextRun(integrationID uuid.UUID) (time.Time, bool)
}

// IntegrationHandler handles integration-related API requests
type IntegrationHandler struct {
	repo      IntegrationRepo
	scheduler CadenceScheduler
}

func NewIntegrationHandler(repo IntegrationRepo, scheduler CadenceScheduler) *IntegrationHandler {
	return &IntegrationHandler{
		repo:      repo,
		scheduler: scheduler,
	}
}

type CreateIntegrationRequest struct {
	Platform models.Platform `json:"platform" validate:"required,oneof=ads_a ads_b analytics_c"`
	Name     string          `json:"name" validate:"required,max=200"`
	Cadence  models.Cadence  `json:"cadence,omitempty" validate:"omitempty,oneof=none hourly daily weekly"`
	Settings map[string]any  `json:"settings,omitempty"`
}

type UpdateIntegrationRequest struct {
	Name     *string        `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Settings map[string]any `json:"settings,omitempty"`
}

type UpdateCadenceRequest struct {
	Cadence models.Cadence `json:"cadence" validate:"required,oneof=none hourly daily weekly"`
}

type CadenceResponse struct {
	IntegrationID uuid.UUID      `json:"integration_id"`
	Cadence       models.Cadence `json:"cadence"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
}

// RegisterRoutes registers the integration routes
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.POST("", h.Create)
	integrations.GET("", h.List)
	integrations.GET("/:id", h.Get)
	integrations.PUT("/:id", h.Update)
	integrations.DELETE("/:id", h.Delete)
	integrations.GET("/:id/cadence", h.GetCadence)
	integrations.PUT("/:id/cadence", h.UpdateCadence)
}

// Create handles POST /integrations
func (h *IntegrationHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := validation.BindRequest[CreateIntegrationRequest](c)
	if err != nil {
		return err
	}

	integration := &models.Integration{
		Platform: req.Platform,
		Name:     req.Name,
		Cadence:  req.Cadence,
		Settings: database.NewJSONB(req.Settings),
	}
	if err := h.repo.Create(ctx, integration); err != nil {
		return err
	}

	if h.scheduler != nil && integration.Cadence != models.CadenceNone {
		if err := h.scheduler.SetCadence(integration.WorkspaceID, integration.ID, integration.Cadence); err != nil {
			return err
		}
	}

	return CreatedResponse(c, integration)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	integrations, err := h.repo.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, integrations)
}

// Get handles GET /integrations/:id
func (h *IntegrationHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, integration)
}

// Update handles PUT /integrations/:id
func (h *IntegrationHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := validation.BindRequest[UpdateIntegrationRequest](c)
	if err != nil {
		return err
	}

	existing, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.Settings != nil {
		existing.Settings = database.NewJSONB(req.Settings)
	}

	if err := h.repo.Update(ctx, existing); err != nil {
		return err
	}
	return SuccessResponse(c, existing)
}

// Delete handles DELETE /integrations/:id
func (h *IntegrationHandler) Delete(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	if h.scheduler != nil {
		h.scheduler.RemoveCadence(id)
	}
	return NoContentResponse(c)
}

// GetCadence handles GET /integrations/:id/cadence
func (h *IntegrationHandler) GetCadence(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, h.cadenceResponse(integration.ID, integration.Cadence))
}

// UpdateCadence handles PUT /integrations/:id/cadence
func (h *IntegrationHandler) UpdateCadence(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := validation.BindRequest[UpdateCadenceRequest](c)
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := h.repo.UpdateCadence(ctx, id, req.Cadence); err != nil {
		return err
	}
	if h.scheduler != nil {
		if err := h.scheduler.SetCadence(integration.WorkspaceID, id, req.Cadence); err != nil {
			return err
		}
	}

	return SuccessResponse(c, h.cadenceResponse(id, req.Cadence))
}

func (h *IntegrationHandler) cadenceResponse(id uuid.UUID, cadence models.Cadence) CadenceResponse {
	resp := CadenceResponse{IntegrationID: id, Cadence: cadence}
	if h.scheduler != nil {
		if next, ok := h.scheduler.NextRun(id); ok {
			resp.NextRunAt = &next
		}
	}
	return resp
}
