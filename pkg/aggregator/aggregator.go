// Package aggregator derives reporting figures from the committed campaign metrics.
// Rates are computed on read and never stored.
package aggregator

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// BudgetWindowDays is the trailing window the budget overview measures spend over
	BudgetWindowDays = 30
	defaultRangeDays = 7
)

type MetricsSource interface {
	SumMetrics(ctx context.Context, filter models.MetricsFilter) ([]models.MetricsTotals, error)
	CampaignSpend(ctx context.Context, from, to time.Time) ([]models.CampaignSpend, error)
}

// Rate is a derived ratio. A zero denominator yields Value 0 with InsufficientData set.
type Rate struct {
	Value            float64 `json:"value"`
	InsufficientData bool    `json:"insufficient_data"`
}

func ratio(numerator, denominator, scale float64) Rate {
	if denominator == 0 {
		return Rate{InsufficientData: true}
	}
	return Rate{Value: numerator / denominator * scale}
}

// Figures are summed counters plus the rates derived from them
type Figures struct {
	Key         string  `json:"key,omitempty"`
	Spend       float64 `json:"spend"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions float64 `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Sessions    int64   `json:"sessions"`
	CTR         Rate    `json:"ctr"`
	CPC         Rate    `json:"cpc"`
	CPM         Rate    `json:"cpm"`
	ROAS        Rate    `json:"roas"`
	CPA         Rate    `json:"cpa"`
}

// NewFigures derives rates from raw totals. CTR is clicks per hundred impressions.
func NewFigures(t models.MetricsTotals) Figures {
	return Figures{
		Key:         t.Key,
		Spend:       t.Spend,
		Impressions: t.Impressions,
		Clicks:      t.Clicks,
		Conversions: t.Conversions,
		Revenue:     t.Revenue,
		Sessions:    t.Sessions,
		CTR:         ratio(float64(t.Clicks), float64(t.Impressions), 100),
		CPC:         ratio(t.Spend, float64(t.Clicks), 1),
		CPM:         ratio(t.Spend, float64(t.Impressions), 1000),
		ROAS:        ratio(t.Revenue, t.Spend, 1),
		CPA:         ratio(t.Spend, t.Conversions, 1),
	}
}

type Summary struct {
	From    time.Time             `json:"from"`
	To      time.Time             `json:"to"`
	GroupBy models.MetricsGroupBy `json:"group_by,omitempty"`
	Totals  Figures               `json:"totals"`
	Groups  []Figures             `json:"groups,omitempty"`
}

type CampaignBudget struct {
	Platform      models.Platform       `json:"platform"`
	CampaignID    string                `json:"campaign_id"`
	Name          string                `json:"name"`
	Status        models.CampaignStatus `json:"status"`
	Spend         float64               `json:"spend"`
	Capacity      float64               `json:"capacity"`
	Utilization   Rate                  `json:"utilization"`
	Available     float64               `json:"available"`
	LifetimeBased bool                  `json:"lifetime_based"`
}

type PlatformBudget struct {
	Platform    models.Platform `json:"platform"`
	Campaigns   int             `json:"campaigns"`
	Spend       float64         `json:"spend"`
	Capacity    float64         `json:"capacity"`
	Utilization Rate            `json:"utilization"`
	Available   float64         `json:"available"`
}

type BudgetOverview struct {
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Campaigns []CampaignBudget `json:"campaigns"`
	Platforms []PlatformBudget `json:"platforms"`
	Totals    PlatformBudget   `json:"totals"`
}

type Aggregator struct {
	source MetricsSource
	logger ectologger.Logger
	now    func() time.Time
}

func New(source MetricsSource, logger ectologger.Logger) *Aggregator {
	return &Aggregator{
		source: source,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Summarize returns totals over the filter and, when GroupBy is set, one row per group.
// A zero range defaults to the last seven complete days.
func (a *Aggregator) Summarize(ctx context.Context, filter models.MetricsFilter) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "Aggregator.Summarize")
	defer span.End()

	filter, err := a.normalize(filter)
	if err != nil {
		return nil, err
	}

	groupBy := filter.GroupBy
	filter.GroupBy = models.GroupByNone
	totals, err := a.source.SumMetrics(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := &Summary{From: filter.From, To: filter.To, GroupBy: groupBy}
	if len(totals) > 0 {
		summary.Totals = NewFigures(totals[0])
	} else {
		summary.Totals = NewFigures(models.MetricsTotals{})
	}
	summary.Totals.Key = ""

	if groupBy == models.GroupByNone {
		return summary, nil
	}

	filter.GroupBy = groupBy
	groups, err := a.source.SumMetrics(ctx, filter)
	if err != nil {
		return nil, err
	}
	summary.Groups = make([]Figures, 0, len(groups))
	for _, g := range groups {
		summary.Groups = append(summary.Groups, NewFigures(g))
	}
	return summary, nil
}

func (a *Aggregator) normalize(filter models.MetricsFilter) (models.MetricsFilter, error) {
	switch filter.GroupBy {
	case models.GroupByNone, models.GroupByPlatform, models.GroupByCampaign, models.GroupByDate:
	default:
		return filter, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown group_by %q", filter.GroupBy)
	}
	for _, p := range filter.Platforms {
		if !p.Valid() {
			return filter, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown platform %q", p)
		}
	}

	today := models.Date(a.now())
	if filter.To.IsZero() {
		filter.To = today.AddDate(0, 0, -1)
	}
	if filter.From.IsZero() {
		filter.From = models.Date(filter.To).AddDate(0, 0, -(defaultRangeDays - 1))
	}
	filter.From, filter.To = models.Date(filter.From), models.Date(filter.To)

	if filter.To.Before(filter.From) {
		return filter, httperror.NewHTTPError(http.StatusBadRequest, "from must not be after to")
	}
	if (models.Window{Start: filter.From, End: filter.To}).Days() > models.MaxCustomRangeDays {
		return filter, httperror.NewHTTPErrorf(http.StatusBadRequest, "range may span at most %d days", models.MaxCustomRangeDays)
	}
	return filter, nil
}

// BudgetOverview measures each campaign's spend over the 30 days ending asOf against its
// capacity: the lifetime budget when set, else thirty days of daily budget. A zero asOf
// means yesterday, the last fully synced day.
func (a *Aggregator) BudgetOverview(ctx context.Context, asOf time.Time) (*BudgetOverview, error) {
	ctx, span := tracing.StartSpan(ctx, "Aggregator.BudgetOverview")
	defer span.End()

	if asOf.IsZero() {
		asOf = models.Date(a.now()).AddDate(0, 0, -1)
	}
	to := models.Date(asOf)
	from := to.AddDate(0, 0, -(BudgetWindowDays - 1))

	rows, err := a.source.CampaignSpend(ctx, from, to)
	if err != nil {
		return nil, err
	}

	overview := &BudgetOverview{From: from, To: to, Campaigns: make([]CampaignBudget, 0, len(rows))}
	byPlatform := map[models.Platform]*PlatformBudget{}
	for _, row := range rows {
		budget := campaignBudget(row)
		overview.Campaigns = append(overview.Campaigns, budget)

		p, ok := byPlatform[row.Platform]
		if !ok {
			p = &PlatformBudget{Platform: row.Platform}
			byPlatform[row.Platform] = p
		}
		p.add(budget)
		overview.Totals.add(budget)
	}

	for _, p := range byPlatform {
		p.finish()
		overview.Platforms = append(overview.Platforms, *p)
	}
	sort.Slice(overview.Platforms, func(i, j int) bool {
		return overview.Platforms[i].Platform < overview.Platforms[j].Platform
	})
	overview.Totals.finish()

	return overview, nil
}

func campaignBudget(row models.CampaignSpend) CampaignBudget {
	capacity := row.DailyBudget * BudgetWindowDays
	lifetime := row.LifetimeBudget > 0
	if lifetime {
		capacity = row.LifetimeBudget
	}

	utilization := ratio(row.Spend, capacity, 100)
	if utilization.Value > 100 {
		utilization.Value = 100
	}

	return CampaignBudget{
		Platform:      row.Platform,
		CampaignID:    row.CampaignID,
		Name:          row.Name,
		Status:        row.Status,
		Spend:         row.Spend,
		Capacity:      capacity,
		Utilization:   utilization,
		Available:     max(capacity-row.Spend, 0),
		LifetimeBased: lifetime,
	}
}

func (p *PlatformBudget) add(b CampaignBudget) {
	p.Campaigns++
	p.Spend += b.Spend
	p.Capacity += b.Capacity
	p.Available += b.Available
}

func (p *PlatformBudget) finish() {
	p.Utilization = ratio(p.Spend, p.Capacity, 100)
	if p.Utilization.Value > 100 {
		p.Utilization.Value = 100
	}
}
