package failures

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("fetch campaigns: %w", AuthInvalid("ads_a", "token expired"))

	assert.True(t, errors.Is(err, ErrAuthInvalid))
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, KindAuthInvalid, KindOf(err))
}

func TestKindOfUnknownIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	e := As(errors.New("boom"))
	assert.Equal(t, KindInternal, e.Kind)
	assert.Equal(t, "internal_error: boom", e.Error())
}

func TestRateLimitedMessage(t *testing.T) {
	err := RateLimited("ads_b", 30*time.Second, "quota exhausted")

	assert.Equal(t, "ads_b: rate_limited: quota exhausted (retry after 30s)", err.Error())
	assert.Equal(t, 30*time.Second, err.RetryAfter)
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := UpstreamUnavailable("analytics_c", cause, "request failed")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
