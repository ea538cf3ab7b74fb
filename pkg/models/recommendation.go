package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

type RecommendationKind string

const (
	RecommendationBudgetUnderutilized RecommendationKind = "budget_underutilized"
	RecommendationStaleSync           RecommendationKind = "stale_sync"
	RecommendationCreativeReview      RecommendationKind = "creative_review"
	RecommendationLowCTR              RecommendationKind = "low_ctr"
)

type RecommendationState string

const (
	RecommendationStatePending   RecommendationState = "pending"
	RecommendationStateDismissed RecommendationState = "dismissed"
	RecommendationStatePostponed RecommendationState = "postponed"
	RecommendationStateCompleted RecommendationState = "completed"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type TargetType string

const (
	TargetIntegration TargetType = "integration"
	TargetCampaign    TargetType = "campaign"
	TargetCreative    TargetType = "creative"
)

// recommendationNamespace seeds deterministic recommendation ids.
var recommendationNamespace = uuid.MustParse("6f1c3c36-3f5e-4a55-9a57-1d1b8e0b7c11")

// RecommendationID derives the stable id of (workspace, kind, target).
func RecommendationID(workspaceID uuid.UUID, kind RecommendationKind, targetID string) uuid.UUID {
	return uuid.NewSHA1(recommendationNamespace, []byte(workspaceID.String()+"|"+string(kind)+"|"+targetID))
}

// Recommendation is a derived actionable item from the latest evaluation pass
type Recommendation struct {
	ID          uuid.UUID                      `db:"id" json:"id"`
	WorkspaceID uuid.UUID                      `db:"workspace_id" json:"workspace_id"`
	Kind        RecommendationKind             `db:"kind" json:"kind"`
	TargetType  TargetType                     `db:"target_type" json:"target_type"`
	TargetID    string                         `db:"target_id" json:"target_id"`
	Platform    *Platform                      `db:"platform" json:"platform,omitempty"`
	Severity    Severity                       `db:"severity" json:"severity"`
	Title       string                         `db:"title" json:"title"`
	Detail      string                         `db:"detail" json:"detail"`
	Data        database.JSONB[map[string]any] `db:"data" json:"data"`
	// ObservedAt is the freshness of the data the recommendation was derived from
	ObservedAt  time.Time           `db:"observed_at" json:"observed_at"`
	EvaluatedAt time.Time           `db:"evaluated_at" json:"evaluated_at"`
	State       RecommendationState `db:"-" json:"state"`
}

// TableName returns the database table name
func (Recommendation) TableName() string {
	return "recommendations"
}

// RecommendationStateRecord is a user decision about a (kind, target) pair
type RecommendationStateRecord struct {
	WorkspaceID uuid.UUID           `db:"workspace_id" json:"workspace_id"`
	Kind        RecommendationKind  `db:"kind" json:"kind"`
	TargetID    string              `db:"target_id" json:"target_id"`
	State       RecommendationState `db:"state" json:"state"`
	Until       *time.Time          `db:"until" json:"until,omitempty"`
	Actor       string              `db:"actor" json:"actor"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (RecommendationStateRecord) TableName() string {
	return "recommendation_states"
}
