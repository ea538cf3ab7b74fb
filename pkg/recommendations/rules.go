package recommendations

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	BudgetMinElapsedDays  = 7
	BudgetMaxWindowDays   = 30
	BudgetUnderusedRatio  = 0.5
	StaleCadenceFactor    = 2
	CreativeMinAge        = 14 * 24 * time.Hour
	CreativeMinAdSetSize  = 3
	CreativeCTRPercentile = 0.25
	LowCTRWindowDays      = 7
	LowCTRMinImpressions  = 1000
	LowCTRThreshold       = 1.0
	LowCTRCritical        = 0.5
)

// Snapshot is everything the rules read. Campaigns carry spend over the trailing
// BudgetMaxWindowDays; RecentCampaigns over the trailing LowCTRWindowDays.
type Snapshot struct {
	WorkspaceID     uuid.UUID
	Now             time.Time
	Campaigns       []models.CampaignSpend
	RecentCampaigns []models.CampaignSpend
	Integrations    []models.Integration
	Creatives       []models.Creative
}

// syncedAt is the freshness of an integration's data, the zero time when it never synced
func (s *Snapshot) syncedAt() map[uuid.UUID]time.Time {
	out := make(map[uuid.UUID]time.Time, len(s.Integrations))
	for _, in := range s.Integrations {
		if in.LastSyncAt != nil {
			out[in.ID] = *in.LastSyncAt
		}
	}
	return out
}

// Rule derives recommendations of one kind from a snapshot
type Rule func(s *Snapshot) []models.Recommendation

// DefaultRules are evaluated in order on every pass
var DefaultRules = []Rule{BudgetUnderutilized, StaleSync, CreativeReview, LowCTR}

// Derive runs rules over s, dropping duplicate ids
func Derive(s *Snapshot, rules ...Rule) []models.Recommendation {
	seen := map[uuid.UUID]bool{}
	out := []models.Recommendation{}
	for _, rule := range rules {
		for _, rec := range rule(s) {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			out = append(out, rec)
		}
	}
	return out
}

func newRecommendation(s *Snapshot, kind models.RecommendationKind, targetType models.TargetType, targetID string, platform *models.Platform) models.Recommendation {
	return models.Recommendation{
		ID:          models.RecommendationID(s.WorkspaceID, kind, targetID),
		WorkspaceID: s.WorkspaceID,
		Kind:        kind,
		TargetType:  targetType,
		TargetID:    targetID,
		Platform:    platform,
		Severity:    models.SeverityWarning,
		EvaluatedAt: s.Now,
		State:       models.RecommendationStatePending,
	}
}

func campaignTarget(platform models.Platform, campaignID string) string {
	return string(platform) + ":" + campaignID
}

func observed(synced map[uuid.UUID]time.Time, integrationID uuid.UUID, fallback time.Time) time.Time {
	if t, ok := synced[integrationID]; ok {
		return t
	}
	return fallback
}

// BudgetUnderutilized flags active campaigns that spent under half of what their budget
// allowed over the elapsed budget window. Campaigns younger than a week are left alone.
func BudgetUnderutilized(s *Snapshot) []models.Recommendation {
	synced := s.syncedAt()
	today := models.Date(s.Now)
	var out []models.Recommendation

	for _, c := range s.Campaigns {
		if c.Status != models.CampaignStatusActive {
			continue
		}

		window := BudgetMaxWindowDays
		if c.StartedAt != nil {
			elapsed := int(today.Sub(models.Date(*c.StartedAt)).Hours()/24) + 1
			window = min(elapsed, BudgetMaxWindowDays)
		}
		if window < BudgetMinElapsedDays {
			continue
		}

		var allocated float64
		switch {
		case c.DailyBudget > 0:
			allocated = c.DailyBudget * float64(window)
		case c.LifetimeBudget > 0:
			allocated = c.LifetimeBudget * float64(window) / BudgetMaxWindowDays
		default:
			continue
		}
		if c.Spend >= allocated*BudgetUnderusedRatio {
			continue
		}

		platform := c.Platform
		rec := newRecommendation(s, models.RecommendationBudgetUnderutilized, models.TargetCampaign, campaignTarget(c.Platform, c.CampaignID), &platform)
		utilization := c.Spend / allocated * 100
		if c.Spend == 0 {
			rec.Severity = models.SeverityCritical
		}
		rec.Title = fmt.Sprintf("Campaign %q is underspending its budget", c.Name)
		rec.Detail = fmt.Sprintf("Spent %.2f of %.2f allocated over the last %d days (%.0f%%).", c.Spend, allocated, window, utilization)
		rec.Data = database.JSONB[map[string]any]{Data: map[string]any{
			"campaign_id":  c.CampaignID,
			"spend":        c.Spend,
			"allocated":    allocated,
			"window_days":  window,
			"utilization":  utilization,
			"daily_budget": c.DailyBudget,
		}}
		rec.ObservedAt = observed(synced, c.IntegrationID, s.Now)
		out = append(out, rec)
	}
	return out
}

// StaleSync flags scheduled integrations that have not synced within twice their cadence
func StaleSync(s *Snapshot) []models.Recommendation {
	var out []models.Recommendation

	for _, in := range s.Integrations {
		interval := in.Cadence.Interval()
		if interval == 0 {
			continue
		}

		reference := in.CreatedAt
		if in.LastSyncAt != nil {
			reference = *in.LastSyncAt
		}
		age := s.Now.Sub(reference)
		if age <= StaleCadenceFactor*interval {
			continue
		}

		platform := in.Platform
		rec := newRecommendation(s, models.RecommendationStaleSync, models.TargetIntegration, in.ID.String(), &platform)
		if in.Status == models.IntegrationStatusError {
			rec.Severity = models.SeverityCritical
		}
		rec.Title = fmt.Sprintf("Integration %q has stale data", in.Name)
		if in.LastSyncAt == nil {
			rec.Detail = fmt.Sprintf("Never synced since it was created %s ago on a %s cadence.", age.Round(time.Hour), in.Cadence)
		} else {
			rec.Detail = fmt.Sprintf("Last synced %s ago on a %s cadence.", age.Round(time.Hour), in.Cadence)
		}
		data := map[string]any{
			"cadence": in.Cadence,
			"status":  in.Status,
		}
		if in.LastSyncAt != nil {
			data["last_sync_at"] = *in.LastSyncAt
		}
		if in.LastError != nil {
			data["last_error"] = *in.LastError
		}
		rec.Data = database.JSONB[map[string]any]{Data: data}
		rec.ObservedAt = reference
		out = append(out, rec)
	}
	return out
}

type adSetKey struct {
	platform models.Platform
	adSetID  string
}

// CreativeReview flags long-running active creatives whose CTR is below the first quartile
// of their ad set. Only ad sets with enough creatives carrying impressions are compared.
func CreativeReview(s *Snapshot) []models.Recommendation {
	synced := s.syncedAt()
	sets := map[adSetKey][]models.Creative{}
	var keys []adSetKey
	for _, c := range s.Creatives {
		if c.Impressions <= 0 || c.AdSetID == "" {
			continue
		}
		key := adSetKey{platform: c.Platform, adSetID: c.AdSetID}
		if _, ok := sets[key]; !ok {
			keys = append(keys, key)
		}
		sets[key] = append(sets[key], c)
	}

	var out []models.Recommendation
	for _, key := range keys {
		creatives := sets[key]
		if len(creatives) < CreativeMinAdSetSize {
			continue
		}

		ctrs := make([]float64, len(creatives))
		for i, c := range creatives {
			ctrs[i] = ctr(c.Clicks, c.Impressions)
		}
		threshold := percentile(ctrs, CreativeCTRPercentile)

		for i, c := range creatives {
			if c.Status != models.CampaignStatusActive || c.ActiveSince == nil {
				continue
			}
			if s.Now.Sub(*c.ActiveSince) < CreativeMinAge {
				continue
			}
			if ctrs[i] >= threshold {
				continue
			}

			platform := c.Platform
			rec := newRecommendation(s, models.RecommendationCreativeReview, models.TargetCreative, campaignTarget(c.Platform, c.CreativeID), &platform)
			rec.Severity = models.SeverityInfo
			rec.Title = fmt.Sprintf("Creative %q is underperforming its ad set", c.Name)
			rec.Detail = fmt.Sprintf("CTR %.2f%% is below the ad set's first quartile of %.2f%% after %d days running.",
				ctrs[i], threshold, int(s.Now.Sub(*c.ActiveSince).Hours()/24))
			rec.Data = database.JSONB[map[string]any]{Data: map[string]any{
				"creative_id": c.CreativeID,
				"campaign_id": c.CampaignID,
				"ad_set_id":   c.AdSetID,
				"ctr":         ctrs[i],
				"threshold":   threshold,
				"impressions": c.Impressions,
			}}
			rec.ObservedAt = observed(synced, c.IntegrationID, s.Now)
			out = append(out, rec)
		}
	}
	return out
}

// LowCTR flags active campaigns with enough recent impressions and a CTR under 1%
func LowCTR(s *Snapshot) []models.Recommendation {
	synced := s.syncedAt()
	var out []models.Recommendation

	for _, c := range s.RecentCampaigns {
		if c.Status != models.CampaignStatusActive || c.Impressions < LowCTRMinImpressions {
			continue
		}
		rate := ctr(c.Clicks, c.Impressions)
		if rate >= LowCTRThreshold {
			continue
		}

		platform := c.Platform
		rec := newRecommendation(s, models.RecommendationLowCTR, models.TargetCampaign, campaignTarget(c.Platform, c.CampaignID), &platform)
		if rate < LowCTRCritical {
			rec.Severity = models.SeverityCritical
		}
		rec.Title = fmt.Sprintf("Campaign %q has a low click-through rate", c.Name)
		rec.Detail = fmt.Sprintf("CTR %.2f%% over the last %d days from %d impressions.", rate, LowCTRWindowDays, c.Impressions)
		rec.Data = database.JSONB[map[string]any]{Data: map[string]any{
			"campaign_id": c.CampaignID,
			"ctr":         rate,
			"clicks":      c.Clicks,
			"impressions": c.Impressions,
		}}
		rec.ObservedAt = observed(synced, c.IntegrationID, s.Now)
		out = append(out, rec)
	}
	return out
}

func ctr(clicks, impressions int64) float64 {
	if impressions == 0 {
		return 0
	}
	return float64(clicks) / float64(impressions) * 100
}

// percentile interpolates linearly between closest ranks
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
