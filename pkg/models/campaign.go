package models

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusActive   CampaignStatus = "active"
	CampaignStatusPaused   CampaignStatus = "paused"
	CampaignStatusArchived CampaignStatus = "archived"
	CampaignStatusUnknown  CampaignStatus = "unknown"
)

// Campaign is a normalized campaign record
type Campaign struct {
	WorkspaceID    uuid.UUID      `db:"workspace_id" json:"workspace_id"`
	Platform       Platform       `db:"platform" json:"platform"`
	CampaignID     string         `db:"campaign_id" json:"campaign_id"`
	IntegrationID  uuid.UUID      `db:"integration_id" json:"integration_id"`
	Name           string         `db:"name" json:"name"`
	Status         CampaignStatus `db:"status" json:"status"`
	DailyBudget    float64        `db:"daily_budget" json:"daily_budget"`
	LifetimeBudget float64        `db:"lifetime_budget" json:"lifetime_budget"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Campaign) TableName() string {
	return "campaigns"
}

// Creative is an ad/creative with its stats for the latest synced window
type Creative struct {
	WorkspaceID   uuid.UUID      `db:"workspace_id" json:"workspace_id"`
	Platform      Platform       `db:"platform" json:"platform"`
	CreativeID    string         `db:"creative_id" json:"creative_id"`
	IntegrationID uuid.UUID      `db:"integration_id" json:"integration_id"`
	CampaignID    string         `db:"campaign_id" json:"campaign_id"`
	AdSetID       string         `db:"ad_set_id" json:"ad_set_id"`
	Name          string         `db:"name" json:"name"`
	Status        CampaignStatus `db:"status" json:"status"`
	ActiveSince   *time.Time     `db:"active_since" json:"active_since,omitempty"`
	Impressions   int64          `db:"impressions" json:"impressions"`
	Clicks        int64          `db:"clicks" json:"clicks"`
	Spend         float64        `db:"spend" json:"spend"`
	Conversions   float64        `db:"conversions" json:"conversions"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Creative) TableName() string {
	return "creatives"
}

// CampaignMetric is one campaign's performance for one day on one platform
type CampaignMetric struct {
	WorkspaceID   uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Platform      Platform  `db:"platform" json:"platform"`
	CampaignID    string    `db:"campaign_id" json:"campaign_id"`
	DateBucket    time.Time `db:"date_bucket" json:"date_bucket"`
	IntegrationID uuid.UUID `db:"integration_id" json:"integration_id"`
	SyncRunID     uuid.UUID `db:"sync_run_id" json:"sync_run_id"`
	Spend         float64   `db:"spend" json:"spend"`
	Impressions   int64     `db:"impressions" json:"impressions"`
	Clicks        int64     `db:"clicks" json:"clicks"`
	Conversions   float64   `db:"conversions" json:"conversions"`
	Revenue       float64   `db:"revenue" json:"revenue"`
	Sessions      int64     `db:"sessions" json:"sessions"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (CampaignMetric) TableName() string {
	return "campaign_metrics"
}

// SyncBatch is the normalized output of one fetch, committed as a unit
type SyncBatch struct {
	Campaigns []Campaign
	Creatives []Creative
	Metrics   []CampaignMetric
}

// MetricsGroupBy selects the aggregation dimension of a summary
type MetricsGroupBy string

const (
	GroupByNone     MetricsGroupBy = ""
	GroupByPlatform MetricsGroupBy = "platform"
	GroupByCampaign MetricsGroupBy = "campaign"
	GroupByDate     MetricsGroupBy = "date"
)

// MetricsFilter narrows aggregate queries over campaign_metrics
type MetricsFilter struct {
	From        time.Time
	To          time.Time
	Platforms   []Platform
	CampaignIDs []string
	GroupBy     MetricsGroupBy
}

// MetricsTotals is a sum of raw counters. Key is empty when ungrouped.
type MetricsTotals struct {
	Key         string  `db:"group_key" json:"key,omitempty"`
	Spend       float64 `db:"spend" json:"spend"`
	Impressions int64   `db:"impressions" json:"impressions"`
	Clicks      int64   `db:"clicks" json:"clicks"`
	Conversions float64 `db:"conversions" json:"conversions"`
	Revenue     float64 `db:"revenue" json:"revenue"`
	Sessions    int64   `db:"sessions" json:"sessions"`
}

// CampaignSpend is a campaign with its budgets and spend over a window
type CampaignSpend struct {
	Platform       Platform       `db:"platform" json:"platform"`
	CampaignID     string         `db:"campaign_id" json:"campaign_id"`
	IntegrationID  uuid.UUID      `db:"integration_id" json:"integration_id"`
	Name           string         `db:"name" json:"name"`
	Status         CampaignStatus `db:"status" json:"status"`
	DailyBudget    float64        `db:"daily_budget" json:"daily_budget"`
	LifetimeBudget float64        `db:"lifetime_budget" json:"lifetime_budget"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	Spend          float64        `db:"spend" json:"spend"`
	Impressions    int64          `db:"impressions" json:"impressions"`
	Clicks         int64          `db:"clicks" json:"clicks"`
}
