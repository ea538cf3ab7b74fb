package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Credential is the encrypted secret material of an integration
type Credential struct {
	IntegrationID uuid.UUID                `db:"integration_id" json:"integration_id"`
	WorkspaceID   uuid.UUID                `db:"workspace_id" json:"workspace_id"`
	Ciphertext    []byte                   `db:"ciphertext" json:"-"`
	Nonce         []byte                   `db:"nonce" json:"-"`
	KeyVersion    int                      `db:"key_version" json:"key_version"`
	FieldNames    database.JSONB[[]string] `db:"field_names" json:"field_names"`
	CreatedAt     time.Time                `db:"created_at" json:"created_at"`
	LastRotatedAt *time.Time               `db:"last_rotated_at" json:"last_rotated_at,omitempty"`
}

// TableName returns the database table name
func (Credential) TableName() string {
	return "integration_credentials"
}

type CredentialAction string

const (
	CredentialActionStore        CredentialAction = "store"
	CredentialActionClear        CredentialAction = "clear"
	CredentialActionReveal       CredentialAction = "reveal"
	CredentialActionRevealDenied CredentialAction = "reveal_denied"
)

// CredentialAudit is one append-only audit entry for a credential action
type CredentialAudit struct {
	ID            uuid.UUID                      `db:"id" json:"id"`
	WorkspaceID   uuid.UUID                      `db:"workspace_id" json:"workspace_id"`
	IntegrationID uuid.UUID                      `db:"integration_id" json:"integration_id"`
	Actor         string                         `db:"actor" json:"actor"`
	Action        CredentialAction               `db:"action" json:"action"`
	Metadata      database.JSONB[map[string]any] `db:"metadata" json:"metadata,omitempty"`
	OccurredAt    time.Time                      `db:"occurred_at" json:"occurred_at"`
}

// TableName returns the database table name
func (CredentialAudit) TableName() string {
	return "credential_audit_log"
}
