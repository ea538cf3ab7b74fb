// Package connectors defines the platform adapter contract and the helpers shared by adapters.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Credentials is the decrypted field set of an integration. It is never logged.
type Credentials map[string]string

// Get returns a field or "" when unset
func (c Credentials) Get(name string) string {
	return c[name]
}

// FieldSpec describes one credential field of a platform
type FieldSpec struct {
	Name     string `json:"name"`
	Secret   bool   `json:"secret"`
	Required bool   `json:"required"`
	// Rules are extra validator tags applied to non-empty values, e.g. "numeric"
	Rules string `json:"-"`
}

// Result is the normalized output of a fetch. SoftErrors are failures of individual
// sub-resources that did not prevent the rest from being collected.
type Result struct {
	Campaigns  []models.Campaign
	Creatives  []models.Creative
	Metrics    []models.CampaignMetric
	SoftErrors []models.SyncRunError
}

// Batch returns the records to commit
func (r *Result) Batch() models.SyncBatch {
	return models.SyncBatch{
		Campaigns: r.Campaigns,
		Creatives: r.Creatives,
		Metrics:   r.Metrics,
	}
}

// Connector fetches data from one external platform. Hard failures are returned as
// *failures.Error; nothing partial is returned alongside them.
type Connector interface {
	Platform() models.Platform
	CredentialFields() []FieldSpec
	Fetch(ctx context.Context, creds Credentials, window models.Window, scope models.Scope) (*Result, error)
}

// Registry resolves connectors and their call budgets by platform
type Registry struct {
	connectors map[models.Platform]Connector
	timeouts   map[models.Platform]time.Duration
}

// DefaultTimeout bounds a whole fetch when no platform timeout is configured
const DefaultTimeout = 5 * time.Minute

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connectors: map[models.Platform]Connector{},
		timeouts:   map[models.Platform]time.Duration{},
	}
}

// Register adds a connector with its fetch timeout
func (r *Registry) Register(connector Connector, timeout time.Duration) {
	r.connectors[connector.Platform()] = connector
	if timeout > 0 {
		r.timeouts[connector.Platform()] = timeout
	}
}

// Get returns the connector of platform
func (r *Registry) Get(platform models.Platform) (Connector, error) {
	connector, ok := r.connectors[platform]
	if !ok {
		return nil, fmt.Errorf("no connector registered for platform %q", platform)
	}
	return connector, nil
}

// Timeout returns the fetch budget of platform
func (r *Registry) Timeout(platform models.Platform) time.Duration {
	if timeout, ok := r.timeouts[platform]; ok {
		return timeout
	}
	return DefaultTimeout
}

// Fields returns the credential fields of platform
func (r *Registry) Fields(platform models.Platform) ([]FieldSpec, error) {
	connector, err := r.Get(platform)
	if err != nil {
		return nil, err
	}
	return connector.CredentialFields(), nil
}

// Platforms lists registered platforms in a stable order
func (r *Registry) Platforms() []models.Platform {
	platforms := make([]models.Platform, 0, len(r.connectors))
	for platform := range r.connectors {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
