package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Ramsey-B/fern/pkg/failures"
	"github.com/Ramsey-B/fern/pkg/httpclient"
)

// DefaultRetryAfter is assumed when a platform rate-limits without a Retry-After header
const DefaultRetryAfter = time.Minute

// maxErrorBody bounds how much of an upstream error body ends up in messages
const maxErrorBody = 256

// ClassifyResponse maps a non-2xx response to a failure. 2xx returns nil.
func ClassifyResponse(platform string, resp *httpclient.Response) error {
	if resp.IsSuccess() {
		return nil
	}

	body := string(resp.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return failures.AuthInvalid(platform, "platform rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := resp.RetryAfter
		if retryAfter <= 0 {
			retryAfter = DefaultRetryAfter
		}
		return failures.RateLimited(platform, retryAfter, "platform rate limit reached")
	case resp.StatusCode >= 500:
		return failures.UpstreamUnavailable(platform, nil, fmt.Sprintf("platform returned %d", resp.StatusCode))
	default:
		return failures.MalformedResponse(platform, nil, fmt.Sprintf("platform rejected request (%d): %s", resp.StatusCode, body))
	}
}

// ClassifyTransport maps a transport error. Deadline and network errors mean the platform is unavailable.
func ClassifyTransport(platform string, err error) error {
	if err == nil {
		return nil
	}
	var classified *failures.Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failures.UpstreamUnavailable(platform, err, "platform call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return failures.Internal(err, "fetch canceled")
	}
	return failures.UpstreamUnavailable(platform, err, "platform unreachable")
}
