package connectors

import (
	"errors"

	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Collector tracks sub-resource outcomes of one fetch. Credential rejection and rate limiting
// abort the fetch. Other sub-resource failures become soft errors unless every sub-resource failed.
type Collector struct {
	platform  string
	attempted int
	succeeded int
	firstErr  error
	soft      []models.SyncRunError
}

// NewCollector creates a collector for platform
func NewCollector(platform string) *Collector {
	return &Collector{platform: platform}
}

// Record notes the outcome of fetching resource. A non-nil return is a hard failure
// that must abort the fetch.
func (c *Collector) Record(resource string, err error) error {
	c.attempted++
	if err == nil {
		c.succeeded++
		return nil
	}

	if errors.Is(err, failures.ErrAuthInvalid) || errors.Is(err, failures.ErrRateLimited) {
		return err
	}

	if c.firstErr == nil {
		c.firstErr = err
	}
	c.soft = append(c.soft, models.SyncRunError{
		Kind:     string(failures.KindOf(err)),
		Resource: resource,
		Message:  err.Error(),
	})
	return nil
}

// Skip records an unparseable record without failing its sub-resource
func (c *Collector) Skip(resource, message string) {
	c.soft = append(c.soft, models.SyncRunError{
		Kind:     string(failures.KindMalformedResponse),
		Resource: resource,
		Message:  message,
	})
}

// Finish returns the hard failure when nothing succeeded, otherwise attaches soft errors to result
func (c *Collector) Finish(result *Result) (*Result, error) {
	if c.attempted > 0 && c.succeeded == 0 && c.firstErr != nil {
		return nil, c.firstErr
	}
	result.SoftErrors = append(result.SoftErrors, c.soft...)
	return result, nil
}
