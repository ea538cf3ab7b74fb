// Package events publishes sync lifecycle events and dispatches them to in-process subscribers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

const TypeSyncCompleted = "sync.completed"

// SyncCompleted is emitted once per run when it reaches a terminal status, whatever the outcome
type SyncCompleted struct {
	Type          string               `json:"type"`
	SchemaVersion string               `json:"schema_version"`
	WorkspaceID   uuid.UUID            `json:"workspace_id"`
	IntegrationID uuid.UUID            `json:"integration_id"`
	RunID         uuid.UUID            `json:"run_id"`
	Platform      models.Platform      `json:"platform"`
	Mode          models.SyncMode      `json:"mode"`
	Scope         models.Scope         `json:"scope"`
	Status        models.SyncRunStatus `json:"status"`
	FailureKind   string               `json:"failure_kind,omitempty"`
	PeriodStart   time.Time            `json:"period_start"`
	PeriodEnd     time.Time            `json:"period_end"`
	Campaigns     int                  `json:"campaigns"`
	Creatives     int                  `json:"creatives"`
	Metrics       int                  `json:"metrics"`
	SoftErrors    int                  `json:"soft_errors"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// NewSyncCompleted builds the event of a terminal run
func NewSyncCompleted(run *models.SyncRun) SyncCompleted {
	evt := SyncCompleted{
		Type:          TypeSyncCompleted,
		SchemaVersion: SchemaVersion,
		WorkspaceID:   run.WorkspaceID,
		IntegrationID: run.IntegrationID,
		RunID:         run.ID,
		Platform:      run.Platform,
		Mode:          run.Mode,
		Scope:         run.Scope,
		Status:        run.Status,
		PeriodStart:   run.PeriodStart,
		PeriodEnd:     run.PeriodEnd,
		Campaigns:     run.CampaignsFetched,
		Creatives:     run.CreativesFetched,
		Metrics:       run.MetricsFetched,
		SoftErrors:    len(run.Errors.Data),
		OccurredAt:    time.Now().UTC(),
	}
	if run.FailureKind != nil {
		evt.FailureKind = *run.FailureKind
	}
	if run.CompletedAt != nil {
		evt.OccurredAt = *run.CompletedAt
	}
	return evt
}

// Key partitions events by workspace and run
func (e SyncCompleted) Key() string {
	return e.WorkspaceID.String() + ":" + e.RunID.String()
}

// Succeeded reports whether the run committed data
func (e SyncCompleted) Succeeded() bool {
	return e.Status == models.SyncRunStatusCompleted || e.Status == models.SyncRunStatusPartiallyCompleted
}
