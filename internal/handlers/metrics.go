package handlers

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/aggregator"
	"github.com/Ramsey-B/fern/pkg/insights"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/validation"
)

type MetricsAggregator interface {
	Summarize(ctx context.Context, filter models.MetricsFilter) (*aggregator.Summary, error)
	BudgetOverview(ctx context.Context, asOf time.Time) (*aggregator.BudgetOverview, error)
}

type ReportBuilder interface {
	Build(ctx context.Context, filter models.MetricsFilter) (*insights.Report, error)
}

// MetricsHandler serves read-only views over committed metrics
type MetricsHandler struct {
	aggregator MetricsAggregator
	reports    ReportBuilder
	now        func() time.Time
}

func NewMetricsHandler(agg MetricsAggregator, reports ReportBuilder) *MetricsHandler {
	return &MetricsHandler{
		aggregator: agg,
		reports:    reports,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type InsightsReportRequest struct {
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Platforms []string `json:"platforms,omitempty" validate:"dive,oneof=ads_a ads_b analytics_c"`
	Campaigns []string `json:"campaigns,omitempty" validate:"dive,min=1"`
}

func (h *MetricsHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metrics/summary", h.Summary)
	g.GET("/budget/overview", h.BudgetOverview)
	g.POST("/insights/report", h.InsightsReport)
}

// Summary handles GET /metrics/summary?from=&to=&platforms=&campaigns=&group_by=
func (h *MetricsHandler) Summary(c echo.Context) error {
	filter, err := metricsFilter(c.QueryParam("from"), c.QueryParam("to"), SplitList(c.QueryParam("platforms")), SplitList(c.QueryParam("campaigns")))
	if err != nil {
		return err
	}
	filter.GroupBy = models.MetricsGroupBy(c.QueryParam("group_by"))

	summary, err := h.aggregator.Summarize(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, summary)
}

// BudgetOverview handles GET /budget/overview?as_of=
func (h *MetricsHandler) BudgetOverview(c echo.Context) error {
	asOf, err := ParseDate("as_of", c.QueryParam("as_of"))
	if err != nil {
		return err
	}
	if asOf.IsZero() {
		asOf = models.Date(h.now()).AddDate(0, 0, -1)
	}

	overview, err := h.aggregator.BudgetOverview(c.Request().Context(), asOf)
	if err != nil {
		return err
	}
	return SuccessResponse(c, overview)
}

// InsightsReport handles POST /insights/report. An unavailable insight service still yields a
// report, flagged insights_available=false.
func (h *MetricsHandler) InsightsReport(c echo.Context) error {
	req, err := validation.BindRequest[InsightsReportRequest](c)
	if err != nil {
		return err
	}

	filter, err := metricsFilter(req.From, req.To, req.Platforms, req.Campaigns)
	if err != nil {
		return err
	}

	report, err := h.reports.Build(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, report)
}

func metricsFilter(from, to string, platforms, campaigns []string) (models.MetricsFilter, error) {
	var filter models.MetricsFilter
	var err error
	if filter.From, err = ParseDate("from", from); err != nil {
		return filter, err
	}
	if filter.To, err = ParseDate("to", to); err != nil {
		return filter, err
	}
	for _, p := range platforms {
		filter.Platforms = append(filter.Platforms, models.Platform(p))
	}
	filter.CampaignIDs = campaigns
	return filter, nil
}
