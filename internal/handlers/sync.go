package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/validation"
)

type SyncOrchestrator interface {
	StartSync(ctx context.Context, req orchestrator.TriggerRequest) (*models.SyncRun, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*models.SyncRun, error)
	ListRuns(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.SyncRun, error)
}

type SyncHandler struct {
	orchestrator SyncOrchestrator
}

func NewSyncHandler(o SyncOrchestrator) *SyncHandler {
	return &SyncHandler{orchestrator: o}
}

// TriggerSyncRequest selects the window and content of a manual sync. Period defaults to
// last_7_days; From and To are required for the custom period.
type TriggerSyncRequest struct {
	Period models.Period `json:"period,omitempty" validate:"omitempty,oneof=last_day last_7_days last_month custom"`
	From   string        `json:"from,omitempty" validate:"required_if=Period custom"`
	To     string        `json:"to,omitempty" validate:"required_if=Period custom"`
	Scope  models.Scope  `json:"scope,omitempty" validate:"omitempty,oneof=campaigns_only metrics_only all"`
}

func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/integrations/:id/sync", h.Trigger)
	g.GET("/integrations/:id/sync-runs", h.ListRuns)
	g.GET("/sync-runs/:runId", h.GetRun)
}

// Trigger handles POST /integrations/:id/sync. It answers 202 with the pending run, which
// clients poll at GET /sync-runs/:runId; a sync already holding the integration's lock is a 409.
func (h *SyncHandler) Trigger(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := validation.BindRequest[TriggerSyncRequest](c)
	if err != nil {
		return err
	}

	trigger := orchestrator.TriggerRequest{
		IntegrationID: id,
		Period:        req.Period,
		Scope:         req.Scope,
		Mode:          models.SyncModeManual,
		Actor:         appctx.GetActor(ctx),
	}
	if req.Period == models.PeriodCustom {
		from, err := ParseDate("from", req.From)
		if err != nil {
			return err
		}
		to, err := ParseDate("to", req.To)
		if err != nil {
			return err
		}
		trigger.Range = &models.Window{Start: from, End: to}
	}

	run, err := h.orchestrator.StartSync(ctx, trigger)
	if err != nil {
		return err
	}
	return AcceptedResponse(c, run)
}

// ListRuns handles GET /integrations/:id/sync-runs
func (h *SyncHandler) ListRuns(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	limit, err := ParseLimit(c)
	if err != nil {
		return err
	}

	runs, err := h.orchestrator.ListRuns(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	return SuccessResponse(c, runs)
}

// GetRun handles GET /sync-runs/:runId
func (h *SyncHandler) GetRun(c echo.Context) error {
	id, err := ParseUUID(c, "runId")
	if err != nil {
		return err
	}

	run, err := h.orchestrator.GetRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, run)
}
