package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func TestResolveWindowPresets(t *testing.T) {
	now := time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)

	tests := []struct {
		period Period
		start  string
		end    string
		days   int
	}{
		{PeriodLastDay, "2024-03-14", "2024-03-14", 1},
		{PeriodLast7Days, "2024-03-08", "2024-03-14", 7},
		{PeriodLastMonth, "2024-02-14", "2024-03-14", 30},
	}

	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			w, err := ResolveWindow(tt.period, nil, now)
			require.NoError(t, err)
			assert.Equal(t, day(tt.start), w.Start)
			assert.Equal(t, day(tt.end), w.End)
			assert.Equal(t, tt.days, w.Days())
		})
	}
}

func TestResolveWindowCustom(t *testing.T) {
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	w, err := ResolveWindow(PeriodCustom, &Window{Start: day("2024-03-01"), End: day("2024-03-10")}, now)
	require.NoError(t, err)
	assert.Equal(t, 10, w.Days())

	_, err = ResolveWindow(PeriodCustom, nil, now)
	assert.Error(t, err)

	_, err = ResolveWindow(PeriodCustom, &Window{Start: day("2024-03-10"), End: day("2024-03-01")}, now)
	assert.ErrorContains(t, err, "before start")

	_, err = ResolveWindow(PeriodCustom, &Window{Start: day("2024-03-10"), End: day("2024-03-20")}, now)
	assert.ErrorContains(t, err, "in the future")

	_, err = ResolveWindow(PeriodCustom, &Window{Start: day("2022-01-01"), End: day("2024-03-01")}, now)
	assert.ErrorContains(t, err, "max is")

	_, err = ResolveWindow(Period("fortnight"), nil, now)
	assert.Error(t, err)
}

func TestScopeIncludes(t *testing.T) {
	assert.True(t, ScopeAll.IncludesCampaigns())
	assert.True(t, ScopeAll.IncludesMetrics())
	assert.True(t, ScopeCampaignsOnly.IncludesCampaigns())
	assert.False(t, ScopeCampaignsOnly.IncludesMetrics())
	assert.False(t, ScopeMetricsOnly.IncludesCampaigns())
	assert.False(t, Scope("everything").Valid())
}

func TestCadenceInterval(t *testing.T) {
	assert.Equal(t, time.Hour, CadenceHourly.Interval())
	assert.Equal(t, 7*24*time.Hour, CadenceWeekly.Interval())
	assert.Zero(t, CadenceNone.Interval())
	assert.True(t, CadenceNone.Valid())
	assert.False(t, Cadence("monthly").Valid())
}

func TestRecommendationIDIsStable(t *testing.T) {
	ws := uuid.New()

	a := RecommendationID(ws, RecommendationStaleSync, "integration-1")
	b := RecommendationID(ws, RecommendationStaleSync, "integration-1")
	c := RecommendationID(ws, RecommendationLowCTR, "integration-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
