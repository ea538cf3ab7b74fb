// Package insights builds performance reports and asks the external insight service to
// annotate them. The service is optional: any failure degrades the report, never fails it.
package insights

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/aggregator"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultTimeout = 20 * time.Second
	// Unavailable is the report text used whenever the service cannot answer
	Unavailable = "insights unavailable"
)

type Config struct {
	URL     string
	Timeout time.Duration
}

// Request is the payload sent to the insight service
type Request struct {
	From      time.Time                  `json:"from"`
	To        time.Time                  `json:"to"`
	Platforms []models.Platform          `json:"platforms,omitempty"`
	Campaigns []string                   `json:"campaigns,omitempty"`
	Summary   *aggregator.Summary        `json:"summary"`
	Budget    *aggregator.BudgetOverview `json:"budget,omitempty"`
}

type response struct {
	Insights string `json:"insights"`
	Artifact string `json:"artifact,omitempty"`
}

// Result is what the service produced, or the unavailable marker
type Result struct {
	Available bool
	Text      string
	Artifact  string
}

type Client struct {
	http   *httpclient.Client
	cfg    Config
	logger ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpCfg := httpclient.DefaultConfig("insights")
	httpCfg.Timeout = cfg.Timeout
	httpCfg.MaxRetries = 1
	return &Client{
		http:   httpclient.NewClient(httpCfg, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// Generate calls the service within the configured timeout
func (c *Client) Generate(ctx context.Context, req Request) Result {
	ctx, span := tracing.StartSpan(ctx, "insights.Client.Generate")
	defer span.End()

	if c.cfg.URL == "" {
		return Result{Text: Unavailable}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, artifact, err := c.call(ctx, req)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Insight service unavailable, report degraded")
		return Result{Text: Unavailable}
	}
	return Result{Available: true, Text: text, Artifact: artifact}
}

func (c *Client) call(ctx context.Context, req Request) (string, string, error) {
	resp, err := c.http.PostJSON(ctx, c.cfg.URL, req, map[string]string{"Accept": "application/json"})
	if err != nil {
		return "", "", err
	}
	if !resp.IsSuccess() {
		return "", "", fmt.Errorf("insight service returned %d", resp.StatusCode)
	}

	var out response
	if err := resp.DecodeJSON(&out); err != nil {
		return "", "", err
	}
	if strings.TrimSpace(out.Insights) == "" && out.Artifact == "" {
		return "", "", fmt.Errorf("insight service returned an empty report")
	}
	return out.Insights, out.Artifact, nil
}

type Summarizer interface {
	Summarize(ctx context.Context, filter models.MetricsFilter) (*aggregator.Summary, error)
	BudgetOverview(ctx context.Context, asOf time.Time) (*aggregator.BudgetOverview, error)
}

type Generator interface {
	Generate(ctx context.Context, req Request) Result
}

// Report is an aggregated period with optional generated commentary
type Report struct {
	GeneratedAt       time.Time                  `json:"generated_at"`
	From              time.Time                  `json:"from"`
	To                time.Time                  `json:"to"`
	Summary           *aggregator.Summary        `json:"summary"`
	Budget            *aggregator.BudgetOverview `json:"budget"`
	InsightsAvailable bool                       `json:"insights_available"`
	Insights          string                     `json:"insights"`
	Artifact          string                     `json:"artifact,omitempty"`
}

type Reporter struct {
	summarizer Summarizer
	generator  Generator
}

func NewReporter(summarizer Summarizer, generator Generator) *Reporter {
	return &Reporter{summarizer: summarizer, generator: generator}
}

// Build aggregates the filter window and annotates it. Aggregation errors are returned;
// insight failures only mark the report unavailable.
func (r *Reporter) Build(ctx context.Context, filter models.MetricsFilter) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "insights.Reporter.Build")
	defer span.End()

	filter.GroupBy = models.GroupByCampaign
	summary, err := r.summarizer.Summarize(ctx, filter)
	if err != nil {
		return nil, err
	}
	budget, err := r.summarizer.BudgetOverview(ctx, summary.To)
	if err != nil {
		return nil, err
	}

	result := r.generator.Generate(ctx, Request{
		From:      summary.From,
		To:        summary.To,
		Platforms: filter.Platforms,
		Campaigns: filter.CampaignIDs,
		Summary:   summary,
		Budget:    budget,
	})

	return &Report{
		GeneratedAt:       time.Now().UTC(),
		From:              summary.From,
		To:                summary.To,
		Summary:           summary,
		Budget:            budget,
		InsightsAvailable: result.Available,
		Insights:          result.Text,
		Artifact:          result.Artifact,
	}, nil
}
