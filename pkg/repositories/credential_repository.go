package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	credentialsTable     = "integration_credentials"
	credentialAuditTable = "credential_audit_log"
)

// ErrCredentialNotFound is returned when an integration has no stored credentials
var ErrCredentialNotFound = errors.New("credential not found")

var (
	credentialStruct      = database.NewStruct(new(models.Credential))
	credentialAuditStruct = database.NewStruct(new(models.CredentialAudit))
)

// CredentialRepository stores encrypted credential records and their audit trail
type CredentialRepository struct {
	*Repository
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db database.DB, logger ectologger.Logger) *CredentialRepository {
	return &CredentialRepository{
		Repository: NewRepository(db, logger),
	}
}

// WithTx runs fn in a transaction shared by every repository call using the returned context
func (r *CredentialRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithTx(ctx, r.db, fn)
}

// Upsert writes the credential record. An existing record keeps created_at and gets last_rotated_at.
func (r *CredentialRepository) Upsert(ctx context.Context, credential *models.Credential) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Upsert")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	credential.WorkspaceID = workspaceID

	ib := database.NewInsertBuilder()
	ib.InsertInto(credentialsTable).
		Cols("integration_id", "workspace_id", "ciphertext", "nonce", "key_version", "field_names", "created_at").
		Values(credential.IntegrationID, credential.WorkspaceID, credential.Ciphertext, credential.Nonce,
			credential.KeyVersion, credential.FieldNames, sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("integration_id")
	ub.Set(
		ub.Assign("ciphertext", database.Excluded("ciphertext")),
		ub.Assign("nonce", database.Excluded("nonce")),
		ub.Assign("key_version", database.Excluded("key_version")),
		ub.Assign("field_names", database.Excluded("field_names")),
		ub.Assign("last_rotated_at", sqlbuilder.Raw("NOW()")),
	)
	ib.Returning("created_at", "last_rotated_at")

	query, args := ib.Build()
	err = r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&credential.CreatedAt, &credential.LastRotatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": credential.IntegrationID,
		}).Error("failed to store credential")
		return Internal("failed to store credentials")
	}

	return nil
}

// Get returns the credential record of an integration or ErrCredentialNotFound
func (r *CredentialRepository) Get(ctx context.Context, integrationID uuid.UUID) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Get")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("integration_id", integrationID))

	query, args := sb.Build()
	var credential models.Credential
	err = r.conn(ctx).GetContext(ctx, &credential, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to get credential")
		return nil, Internal("failed to get credentials")
	}

	return &credential, nil
}

// Delete removes the credential record; it reports whether a record existed
func (r *CredentialRepository) Delete(ctx context.Context, integrationID uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Delete")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return false, err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(credentialsTable).
		Where(db.Equal("workspace_id", workspaceID), db.Equal("integration_id", integrationID))

	query, args := db.Build()
	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to delete credential")
		return false, Internal("failed to clear credentials")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// AppendAudit writes one audit entry
func (r *CredentialRepository) AppendAudit(ctx context.Context, entry *models.CredentialAudit) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.AppendAudit")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	entry.WorkspaceID = workspaceID
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Metadata.Data == nil {
		entry.Metadata.Data = map[string]any{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(credentialAuditTable).
		Cols("id", "workspace_id", "integration_id", "actor", "action", "metadata", "occurred_at").
		Values(entry.ID, entry.WorkspaceID, entry.IntegrationID, entry.Actor, entry.Action, entry.Metadata, sqlbuilder.Raw("NOW()")).
		Returning("occurred_at")

	query, args := ib.Build()
	if err := r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&entry.OccurredAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": entry.IntegrationID,
			"action":         entry.Action,
		}).Error("failed to append credential audit entry")
		return Internal("failed to record credential audit entry")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": entry.IntegrationID,
		"action":         entry.Action,
		"actor":          entry.Actor,
	}).Info("Credential audit entry recorded")
	return nil
}

// ListAudit returns the newest audit entries of an integration first
func (r *CredentialRepository) ListAudit(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.CredentialAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.ListAudit")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := credentialAuditStruct.SelectFrom(credentialAuditTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("integration_id", integrationID))
	sb.OrderBy("occurred_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	entries := []models.CredentialAudit{}
	if err := r.conn(ctx).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to list credential audit entries")
		return nil, Internal("failed to list credential audit entries")
	}

	return entries, nil
}
