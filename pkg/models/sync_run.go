package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

type SyncRunStatus string

const (
	SyncRunStatusPending            SyncRunStatus = "pending"
	SyncRunStatusRunning            SyncRunStatus = "running"
	SyncRunStatusCompleted          SyncRunStatus = "completed"
	SyncRunStatusFailed             SyncRunStatus = "failed"
	SyncRunStatusPartiallyCompleted SyncRunStatus = "partially_completed"
)

// IsTerminal reports whether the run can no longer change
func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunStatusCompleted || s == SyncRunStatusFailed || s == SyncRunStatusPartiallyCompleted
}

type SyncMode string

const (
	SyncModeManual    SyncMode = "manual"
	SyncModeScheduled SyncMode = "scheduled"
)

type Period string

const (
	PeriodLastDay   Period = "last_day"
	PeriodLast7Days Period = "last_7_days"
	PeriodLastMonth Period = "last_month"
	PeriodCustom    Period = "custom"
)

type Scope string

const (
	ScopeCampaignsOnly Scope = "campaigns_only"
	ScopeMetricsOnly   Scope = "metrics_only"
	ScopeAll           Scope = "all"
)

func (s Scope) Valid() bool {
	return s == ScopeCampaignsOnly || s == ScopeMetricsOnly || s == ScopeAll
}

// IncludesCampaigns reports whether campaigns and creatives are fetched.
func (s Scope) IncludesCampaigns() bool {
	return s == ScopeCampaignsOnly || s == ScopeAll
}

// IncludesMetrics reports whether daily metrics are fetched.
func (s Scope) IncludesMetrics() bool {
	return s == ScopeMetricsOnly || s == ScopeAll
}

// MaxCustomRangeDays bounds custom sync windows.
const MaxCustomRangeDays = 366

// Window is an inclusive range of UTC calendar days.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days covered.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Date truncates t to its UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ResolveWindow turns a period into concrete days relative to now. Preset periods end yesterday,
// the last complete day. Custom ranges must be ordered, not in the future and bounded.
func ResolveWindow(period Period, custom *Window, now time.Time) (Window, error) {
	today := Date(now)
	yesterday := today.AddDate(0, 0, -1)

	switch period {
	case PeriodLastDay:
		return Window{Start: yesterday, End: yesterday}, nil
	case PeriodLast7Days:
		return Window{Start: today.AddDate(0, 0, -7), End: yesterday}, nil
	case PeriodLastMonth:
		return Window{Start: today.AddDate(0, 0, -30), End: yesterday}, nil
	case PeriodCustom:
		if custom == nil {
			return Window{}, fmt.Errorf("custom period requires a date range")
		}
		w := Window{Start: Date(custom.Start), End: Date(custom.End)}
		if w.End.Before(w.Start) {
			return Window{}, fmt.Errorf("custom period end %s is before start %s", w.End.Format(time.DateOnly), w.Start.Format(time.DateOnly))
		}
		if w.End.After(today) {
			return Window{}, fmt.Errorf("custom period end %s is in the future", w.End.Format(time.DateOnly))
		}
		if w.Days() > MaxCustomRangeDays {
			return Window{}, fmt.Errorf("custom period spans %d days, max is %d", w.Days(), MaxCustomRangeDays)
		}
		return w, nil
	default:
		return Window{}, fmt.Errorf("unknown period %q", period)
	}
}

// SyncRunError is a soft or hard error recorded on a run
type SyncRunError struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource,omitempty"`
	Message  string `json:"message"`
}

// SyncRun is one execution attempt of data retrieval for an integration
type SyncRun struct {
	ID               uuid.UUID                      `db:"id" json:"id"`
	WorkspaceID      uuid.UUID                      `db:"workspace_id" json:"workspace_id"`
	IntegrationID    uuid.UUID                      `db:"integration_id" json:"integration_id"`
	Platform         Platform                       `db:"platform" json:"platform"`
	Mode             SyncMode                       `db:"mode" json:"mode"`
	Period           Period                         `db:"period" json:"period"`
	PeriodStart      time.Time                      `db:"period_start" json:"period_start"`
	PeriodEnd        time.Time                      `db:"period_end" json:"period_end"`
	Scope            Scope                          `db:"scope" json:"scope"`
	Status           SyncRunStatus                  `db:"status" json:"status"`
	CampaignsFetched int                            `db:"campaigns_fetched" json:"campaigns_fetched"`
	CreativesFetched int                            `db:"creatives_fetched" json:"creatives_fetched"`
	MetricsFetched   int                            `db:"metrics_fetched" json:"metrics_fetched"`
	Errors           database.JSONB[[]SyncRunError] `db:"errors" json:"errors"`
	FailureKind      *string                        `db:"failure_kind" json:"failure_kind,omitempty"`
	TriggeredBy      string                         `db:"triggered_by" json:"triggered_by"`
	CreatedAt        time.Time                      `db:"created_at" json:"created_at"`
	StartedAt        *time.Time                     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time                     `db:"completed_at" json:"completed_at,omitempty"`
}

// TableName returns the database table name
func (SyncRun) TableName() string {
	return "sync_runs"
}

// Window returns the resolved date range of the run
func (r *SyncRun) Window() Window {
	return Window{Start: r.PeriodStart, End: r.PeriodEnd}
}
