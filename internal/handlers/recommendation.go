package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/recommendations"
	"github.com/Ramsey-B/fern/pkg/validation"
)

type RecommendationEngine interface {
	List(ctx context.Context) ([]models.Recommendation, error)
	Evaluate(ctx context.Context, trigger string) (int, error)
	Act(ctx context.Context, id uuid.UUID) (*models.RecommendationStateRecord, error)
	Dismiss(ctx context.Context, id uuid.UUID) (*models.RecommendationStateRecord, error)
	Postpone(ctx context.Context, id uuid.UUID, until time.Time) (*models.RecommendationStateRecord, error)
}

type RecommendationHandler struct {
	engine RecommendationEngine
}

func NewRecommendationHandler(engine RecommendationEngine) *RecommendationHandler {
	return &RecommendationHandler{engine: engine}
}

type PostponeRequest struct {
	Until time.Time `json:"until" validate:"required"`
}

type EvaluateResponse struct {
	Generated int `json:"generated"`
}

func (h *RecommendationHandler) RegisterRoutes(g *echo.Group) {
	recs := g.Group("/recommendations")
	recs.GET("", h.List)
	recs.POST("/evaluate", h.Evaluate)
	recs.POST("/:id/act", h.Act)
	recs.POST("/:id/dismiss", h.Dismiss)
	recs.POST("/:id/postpone", h.Postpone)
}

// List handles GET /recommendations
func (h *RecommendationHandler) List(c echo.Context) error {
	recs, err := h.engine.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, recs)
}

// Evaluate handles POST /recommendations/evaluate
func (h *RecommendationHandler) Evaluate(c echo.Context) error {
	n, err := h.engine.Evaluate(c.Request().Context(), recommendations.TriggerManual)
	if err != nil {
		return err
	}
	return SuccessResponse(c, EvaluateResponse{Generated: n})
}

// Act handles POST /recommendations/:id/act
func (h *RecommendationHandler) Act(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	state, err := h.engine.Act(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, state)
}

// Dismiss handles POST /recommendations/:id/dismiss
func (h *RecommendationHandler) Dismiss(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	state, err := h.engine.Dismiss(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, state)
}

// Postpone handles POST /recommendations/:id/postpone
func (h *RecommendationHandler) Postpone(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := validation.BindRequest[PostponeRequest](c)
	if err != nil {
		return err
	}

	state, err := h.engine.Postpone(c.Request().Context(), id, req.Until)
	if err != nil {
		return err
	}
	return SuccessResponse(c, state)
}
