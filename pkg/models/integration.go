package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Platform identifies the external system an integration talks to.
type Platform string

const (
	PlatformAdsA       Platform = "ads_a"
	PlatformAdsB       Platform = "ads_b"
	PlatformAnalyticsC Platform = "analytics_c"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformAdsA, PlatformAdsB, PlatformAnalyticsC}

func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

type IntegrationStatus string

const (
	IntegrationStatusNotConfigured IntegrationStatus = "not_configured"
	IntegrationStatusConfiguring   IntegrationStatus = "configuring"
	IntegrationStatusActive        IntegrationStatus = "active"
	IntegrationStatusError         IntegrationStatus = "error"
	IntegrationStatusSyncing       IntegrationStatus = "syncing"
)

type SyncResult string

const (
	SyncResultSuccess        SyncResult = "success"
	SyncResultPartialFailure SyncResult = "partial_failure"
	SyncResultFailure        SyncResult = "failure"
)

// Cadence is the recurrence used by the scheduler.
type Cadence string

const (
	CadenceNone   Cadence = "none"
	CadenceHourly Cadence = "hourly"
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Interval returns the cadence period, zero for CadenceNone.
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func (c Cadence) Valid() bool {
	return c == CadenceNone || c.Interval() > 0
}

// Integration is a configured connection to one platform for one workspace
type Integration struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	WorkspaceID uuid.UUID         `db:"workspace_id" json:"workspace_id"`
	Platform    Platform          `db:"platform" json:"platform"`
	Name        string            `db:"name" json:"name"`
	Status      IntegrationStatus `db:"status" json:"status"`
	Cadence     Cadence           `db:"cadence" json:"cadence"`
	// Settings holds non-secret platform options
	Settings       database.JSONB[map[string]any] `db:"settings" json:"settings"`
	LastSyncAt     *time.Time                     `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastSyncResult *SyncResult                    `db:"last_sync_result" json:"last_sync_result,omitempty"`
	LastError      *string                        `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Integration) TableName() string {
	return "integrations"
}

// SyncStateUpdate is the set of columns the orchestrator changes on an integration.
type SyncStateUpdate struct {
	Status         IntegrationStatus
	LastSyncAt     *time.Time
	LastSyncResult *SyncResult
	LastError      *string
	// ClearError resets last_error when LastError is nil.
	ClearError bool
}
