// Package vault stores integration credentials encrypted at rest and audits every access.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/validation"
)

// RevealRole grants access to plaintext secrets
const RevealRole = "credentials:reveal"

const (
	mask              = "****"
	minUnmaskedLength = 12
	visibleSuffix     = 4
	defaultAuditLimit = 100
)

type CredentialStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Upsert(ctx context.Context, credential *models.Credential) error
	Get(ctx context.Context, integrationID uuid.UUID) (*models.Credential, error)
	Delete(ctx context.Context, integrationID uuid.UUID) (bool, error)
	AppendAudit(ctx context.Context, entry *models.CredentialAudit) error
	ListAudit(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.CredentialAudit, error)
}

type IntegrationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error
}

// FieldSchema resolves the credential fields a platform accepts
type FieldSchema interface {
	Fields(platform models.Platform) ([]connectors.FieldSpec, error)
}

// Grant identifies the caller of a reveal
type Grant struct {
	Actor string
	Roles []string
}

func (g Grant) has(role string) bool {
	for _, r := range g.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RedactedView is the credential record as shown to users
type RedactedView struct {
	IntegrationID uuid.UUID         `json:"integration_id"`
	Platform      models.Platform   `json:"platform"`
	Configured    bool              `json:"configured"`
	Fields        map[string]string `json:"fields"`
	KeyVersion    int               `json:"key_version,omitempty"`
	CreatedAt     *time.Time        `json:"created_at,omitempty"`
	LastRotatedAt *time.Time        `json:"last_rotated_at,omitempty"`
}

type Vault struct {
	credentials  CredentialStore
	integrations IntegrationStore
	schema       FieldSchema
	keys         *Keyring
	logger       ectologger.Logger
}

func New(credentials CredentialStore, integrations IntegrationStore, schema FieldSchema, keys *Keyring, logger ectologger.Logger) *Vault {
	return &Vault{
		credentials:  credentials,
		integrations: integrations,
		schema:       schema,
		keys:         keys,
		logger:       logger,
	}
}

// Store validates fields against the platform schema, encrypts them and replaces the
// integration's record. The write, its audit entry and the status change share one transaction.
func (v *Vault) Store(ctx context.Context, integrationID uuid.UUID, fields map[string]string, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "Vault.Store")
	defer span.End()

	integration, err := v.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return err
	}

	specs, err := v.schema.Fields(integration.Platform)
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "platform %s does not accept credentials", integration.Platform)
	}

	cleaned, err := validateFields(specs, fields)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(cleaned)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	ciphertext, nonce, version, err := v.keys.Encrypt(integrationID, plaintext)
	if err != nil {
		v.logger.WithContext(ctx).WithError(err).WithField("integration_id", integrationID).Error("Failed to encrypt credentials")
		return repositories.Internal("failed to store credentials")
	}

	names := make([]string, 0, len(cleaned))
	for name := range cleaned {
		names = append(names, name)
	}
	sort.Strings(names)

	credential := &models.Credential{
		IntegrationID: integrationID,
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		KeyVersion:    version,
		FieldNames:    database.NewJSONB(names),
	}

	err = v.credentials.WithTx(ctx, func(ctx context.Context) error {
		if err := v.credentials.Upsert(ctx, credential); err != nil {
			return err
		}
		if err := v.credentials.AppendAudit(ctx, &models.CredentialAudit{
			IntegrationID: integrationID,
			Actor:         actor,
			Action:        models.CredentialActionStore,
			Metadata: database.NewJSONB(map[string]any{
				"fields":      names,
				"key_version": version,
				"rotated":     credential.LastRotatedAt != nil,
			}),
		}); err != nil {
			return err
		}
		if integration.Status == models.IntegrationStatusNotConfigured {
			return v.integrations.UpdateStatus(ctx, integrationID, models.IntegrationStatusConfiguring)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.CredentialAccessTotal.WithLabelValues(string(models.CredentialActionStore)).Inc()
	v.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integrationID,
		"platform":       integration.Platform,
		"key_version":    version,
	}).Info("Credentials stored")
	return nil
}

// Get decrypts the credentials of an integration for connector use
func (v *Vault) Get(ctx context.Context, integrationID uuid.UUID) (connectors.Credentials, error) {
	ctx, span := tracing.StartSpan(ctx, "Vault.Get")
	defer span.End()

	credential, err := v.credentials.Get(ctx, integrationID)
	if errors.Is(err, repositories.ErrCredentialNotFound) {
		return nil, failures.New(failures.KindCredentialsNotConfigured, "", "integration %s has no credentials", integrationID)
	}
	if err != nil {
		return nil, err
	}

	fields, err := v.decrypt(credential)
	if err != nil {
		v.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
			"key_version":    credential.KeyVersion,
		}).Error("Failed to decrypt credentials")
		return nil, failures.Internal(err, "credentials could not be decrypted")
	}

	metrics.CredentialAccessTotal.WithLabelValues("read").Inc()
	return connectors.Credentials(fields), nil
}

// Redacted returns the record with secret fields masked
func (v *Vault) Redacted(ctx context.Context, integrationID uuid.UUID) (*RedactedView, error) {
	ctx, span := tracing.StartSpan(ctx, "Vault.Redacted")
	defer span.End()

	integration, err := v.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	view := &RedactedView{IntegrationID: integrationID, Platform: integration.Platform, Fields: map[string]string{}}
	credential, err := v.credentials.Get(ctx, integrationID)
	if errors.Is(err, repositories.ErrCredentialNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}

	fields, err := v.decrypt(credential)
	if err != nil {
		v.logger.WithContext(ctx).WithError(err).WithField("integration_id", integrationID).Error("Failed to decrypt credentials")
		return nil, repositories.Internal("failed to read credentials")
	}

	secret := map[string]bool{}
	if specs, err := v.schema.Fields(integration.Platform); err == nil {
		for _, spec := range specs {
			secret[spec.Name] = spec.Secret
		}
	}
	for name, value := range fields {
		// unknown fields are treated as secret
		if isSecret, known := secret[name]; isSecret || !known {
			value = Mask(value)
		}
		view.Fields[name] = value
	}

	view.Configured = true
	view.KeyVersion = credential.KeyVersion
	view.CreatedAt = &credential.CreatedAt
	view.LastRotatedAt = credential.LastRotatedAt
	return view, nil
}

// Reveal returns plaintext credentials to a caller holding RevealRole. Every attempt is audited.
func (v *Vault) Reveal(ctx context.Context, integrationID uuid.UUID, grant Grant) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "Vault.Reveal")
	defer span.End()

	if _, err := v.integrations.GetByID(ctx, integrationID); err != nil {
		return nil, err
	}

	if !grant.has(RevealRole) {
		if err := v.credentials.AppendAudit(ctx, &models.CredentialAudit{
			IntegrationID: integrationID,
			Actor:         grant.Actor,
			Action:        models.CredentialActionRevealDenied,
		}); err != nil {
			return nil, err
		}
		metrics.CredentialAccessTotal.WithLabelValues(string(models.CredentialActionRevealDenied)).Inc()
		v.logger.WithContext(ctx).WithFields(map[string]any{
			"integration_id": integrationID,
			"actor":          grant.Actor,
		}).Warn("Credential reveal denied")
		return nil, httperror.NewHTTPError(http.StatusForbidden, "revealing credentials requires the "+RevealRole+" role")
	}

	credential, err := v.credentials.Get(ctx, integrationID)
	if errors.Is(err, repositories.ErrCredentialNotFound) {
		return nil, repositories.NotFound("integration %s has no credentials", integrationID)
	}
	if err != nil {
		return nil, err
	}
	fields, err := v.decrypt(credential)
	if err != nil {
		v.logger.WithContext(ctx).WithError(err).WithField("integration_id", integrationID).Error("Failed to decrypt credentials")
		return nil, repositories.Internal("failed to read credentials")
	}

	if err := v.credentials.AppendAudit(ctx, &models.CredentialAudit{
		IntegrationID: integrationID,
		Actor:         grant.Actor,
		Action:        models.CredentialActionReveal,
	}); err != nil {
		return nil, err
	}
	metrics.CredentialAccessTotal.WithLabelValues(string(models.CredentialActionReveal)).Inc()
	return fields, nil
}

// Clear deletes the credentials and returns the integration to not_configured
func (v *Vault) Clear(ctx context.Context, integrationID uuid.UUID, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "Vault.Clear")
	defer span.End()

	if _, err := v.integrations.GetByID(ctx, integrationID); err != nil {
		return err
	}

	err := v.credentials.WithTx(ctx, func(ctx context.Context) error {
		existed, err := v.credentials.Delete(ctx, integrationID)
		if err != nil {
			return err
		}
		if !existed {
			return repositories.NotFound("integration %s has no credentials", integrationID)
		}
		if err := v.credentials.AppendAudit(ctx, &models.CredentialAudit{
			IntegrationID: integrationID,
			Actor:         actor,
			Action:        models.CredentialActionClear,
		}); err != nil {
			return err
		}
		return v.integrations.UpdateStatus(ctx, integrationID, models.IntegrationStatusNotConfigured)
	})
	if err != nil {
		return err
	}

	metrics.CredentialAccessTotal.WithLabelValues(string(models.CredentialActionClear)).Inc()
	v.logger.WithContext(ctx).WithField("integration_id", integrationID).Info("Credentials cleared")
	return nil
}

// AuditTrail lists the newest audit entries of an integration
func (v *Vault) AuditTrail(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.CredentialAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "Vault.AuditTrail")
	defer span.End()

	if _, err := v.integrations.GetByID(ctx, integrationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultAuditLimit {
		limit = defaultAuditLimit
	}
	return v.credentials.ListAudit(ctx, integrationID, limit)
}

func (v *Vault) decrypt(credential *models.Credential) (map[string]string, error) {
	plaintext, err := v.keys.Decrypt(credential.IntegrationID, credential.KeyVersion, credential.Ciphertext, credential.Nonce)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return fields, nil
}

// Mask hides a secret, keeping the last four characters of long values
func Mask(value string) string {
	r := []rune(value)
	if len(r) < minUnmaskedLength {
		return mask
	}
	return mask + string(r[len(r)-visibleSuffix:])
}

// validateFields rejects unknown fields and checks required fields and rules. Values are trimmed
// and empty optional fields dropped.
func validateFields(specs []connectors.FieldSpec, fields map[string]string) (map[string]string, error) {
	known := map[string]connectors.FieldSpec{}
	for _, spec := range specs {
		known[spec.Name] = spec
	}

	var unknown []string
	data := map[string]any{}
	cleaned := map[string]string{}
	for name, value := range fields {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		data[name] = value
		cleaned[name] = value
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown credential fields: %s", strings.Join(unknown, ", "))
	}

	rules := map[string]string{}
	for _, spec := range specs {
		var tags []string
		if spec.Required {
			tags = append(tags, "required")
		} else {
			tags = append(tags, "omitempty")
		}
		if spec.Rules != "" {
			tags = append(tags, spec.Rules)
		}
		rules[spec.Name] = strings.Join(tags, ",")
	}
	if err := validation.ValidateMap(data, rules); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid credentials: %s", err.Error())
	}
	return cleaned, nil
}
