package aggregator_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/aggregator"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeSource struct {
	filters []models.MetricsFilter
	totals  map[models.MetricsGroupBy][]models.MetricsTotals
	spend   []models.CampaignSpend
	from    time.Time
	to      time.Time
}

func (f *fakeSource) SumMetrics(_ context.Context, filter models.MetricsFilter) ([]models.MetricsTotals, error) {
	f.filters = append(f.filters, filter)
	return f.totals[filter.GroupBy], nil
}

func (f *fakeSource) CampaignSpend(_ context.Context, from, to time.Time) ([]models.CampaignSpend, error) {
	f.from, f.to = from, to
	return f.spend, nil
}

func newAggregator(source *fakeSource) *aggregator.Aggregator {
	return aggregator.New(source, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestNewFigures_Rates(t *testing.T) {
	f := aggregator.NewFigures(models.MetricsTotals{
		Spend:       200,
		Impressions: 10000,
		Clicks:      250,
		Conversions: 10,
		Revenue:     800,
	})

	assert.InDelta(t, 2.5, f.CTR.Value, 1e-9)
	assert.InDelta(t, 0.8, f.CPC.Value, 1e-9)
	assert.InDelta(t, 20.0, f.CPM.Value, 1e-9)
	assert.InDelta(t, 4.0, f.ROAS.Value, 1e-9)
	assert.InDelta(t, 20.0, f.CPA.Value, 1e-9)
	assert.False(t, f.CTR.InsufficientData)
}

func TestNewFigures_ZeroDenominators(t *testing.T) {
	f := aggregator.NewFigures(models.MetricsTotals{Spend: 50})

	for name, rate := range map[string]aggregator.Rate{"ctr": f.CTR, "cpc": f.CPC, "cpm": f.CPM, "cpa": f.CPA} {
		assert.True(t, rate.InsufficientData, name)
		assert.Zero(t, rate.Value, name)
	}
	assert.True(t, aggregator.NewFigures(models.MetricsTotals{}).ROAS.InsufficientData)
	assert.False(t, f.ROAS.InsufficientData)
}

func TestSummarize_Grouped(t *testing.T) {
	source := &fakeSource{totals: map[models.MetricsGroupBy][]models.MetricsTotals{
		models.GroupByNone: {{Spend: 30, Impressions: 3000, Clicks: 30}},
		models.GroupByPlatform: {
			{Key: "ads_a", Spend: 10, Impressions: 1000, Clicks: 10},
			{Key: "ads_b", Spend: 20, Impressions: 2000, Clicks: 20},
		},
	}}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	summary, err := newAggregator(source).Summarize(context.Background(), models.MetricsFilter{
		From:    from,
		To:      to,
		GroupBy: models.GroupByPlatform,
	})
	require.NoError(t, err)

	assert.InDelta(t, 30.0, summary.Totals.Spend, 1e-9)
	assert.InDelta(t, 1.0, summary.Totals.CTR.Value, 1e-9)
	require.Len(t, summary.Groups, 2)
	assert.Equal(t, "ads_b", summary.Groups[1].Key)
	assert.InDelta(t, 10.0, summary.Groups[1].CPM.Value, 1e-9)

	require.Len(t, source.filters, 2)
	assert.Equal(t, models.GroupByNone, source.filters[0].GroupBy)
	assert.Equal(t, models.GroupByPlatform, source.filters[1].GroupBy)
	assert.Equal(t, from, source.filters[0].From)
}

func TestSummarize_EmptyStoreHasInsufficientRates(t *testing.T) {
	summary, err := newAggregator(&fakeSource{}).Summarize(context.Background(), models.MetricsFilter{})
	require.NoError(t, err)

	assert.Zero(t, summary.Totals.Spend)
	assert.True(t, summary.Totals.CTR.InsufficientData)
	assert.Nil(t, summary.Groups)
	assert.Equal(t, 7, models.Window{Start: summary.From, End: summary.To}.Days())
}

func TestSummarize_InvalidFilter(t *testing.T) {
	agg := newAggregator(&fakeSource{})
	now := time.Now().UTC()

	cases := map[string]models.MetricsFilter{
		"reversed":     {From: now, To: now.AddDate(0, 0, -3)},
		"too long":     {From: now.AddDate(-2, 0, 0), To: now},
		"bad group":    {GroupBy: "hour"},
		"bad platform": {Platforms: []models.Platform{"ads_z"}},
	}
	for name, filter := range cases {
		_, err := agg.Summarize(context.Background(), filter)
		require.Error(t, err, name)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err), name)
	}
}

func TestBudgetOverview(t *testing.T) {
	source := &fakeSource{spend: []models.CampaignSpend{
		{Platform: models.PlatformAdsA, CampaignID: "a1", DailyBudget: 10, Spend: 150},
		{Platform: models.PlatformAdsA, CampaignID: "a2", DailyBudget: 10, LifetimeBudget: 100, Spend: 250},
		{Platform: models.PlatformAdsB, CampaignID: "b1", Spend: 40},
	}}
	asOf := time.Date(2026, 4, 30, 15, 0, 0, 0, time.UTC)

	overview, err := newAggregator(source).BudgetOverview(context.Background(), asOf)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), source.from)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), source.to)

	require.Len(t, overview.Campaigns, 3)
	a1 := overview.Campaigns[0]
	assert.InDelta(t, 300.0, a1.Capacity, 1e-9)
	assert.InDelta(t, 50.0, a1.Utilization.Value, 1e-9)
	assert.InDelta(t, 150.0, a1.Available, 1e-9)

	a2 := overview.Campaigns[1]
	assert.True(t, a2.LifetimeBased)
	assert.InDelta(t, 100.0, a2.Utilization.Value, 1e-9, "utilization is capped")
	assert.Zero(t, a2.Available)

	b1 := overview.Campaigns[2]
	assert.True(t, b1.Utilization.InsufficientData)

	require.Len(t, overview.Platforms, 2)
	assert.Equal(t, models.PlatformAdsA, overview.Platforms[0].Platform)
	assert.Equal(t, 2, overview.Platforms[0].Campaigns)
	assert.InDelta(t, 400.0, overview.Platforms[0].Capacity, 1e-9)
	assert.InDelta(t, 100.0, overview.Platforms[0].Utilization.Value, 1e-9)
	assert.Equal(t, 3, overview.Totals.Campaigns)
	assert.InDelta(t, 440.0, overview.Totals.Spend, 1e-9)
}

func TestBudgetOverview_DefaultsToYesterday(t *testing.T) {
	source := &fakeSource{}

	before := models.Date(time.Now()).AddDate(0, 0, -1)
	_, err := newAggregator(source).BudgetOverview(context.Background(), time.Time{})
	after := models.Date(time.Now()).AddDate(0, 0, -1)
	require.NoError(t, err)

	assert.Contains(t, []time.Time{before, after}, source.to)
	assert.Equal(t, source.to.AddDate(0, 0, -(aggregator.BudgetWindowDays-1)), source.from)
}
