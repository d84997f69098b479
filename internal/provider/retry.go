package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"relaygate/internal/domain"
)

const (
	maxAttempts = 4
	maxErrBody  = 4 << 10
)

// var so tests can shrink the wait.
var backoffUnit = time.Second

// Transport-level failure codes. The send orchestrator caches the failing
// ProviderError with the send, so a replayed failure carries the same code
// the live call produced.
const (
	CodeProviderUnreachable = "PROVIDER_UNREACHABLE"
	CodeProviderRateLimited = "PROVIDER_RATE_LIMITED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    = "PROVIDER_REJECTED"
)

// doWithBackoff issues a request and retries transient failures (network
// errors, 5xx, 429) with quadratic backoff plus jitter. A returned response
// always has a non-error status; every failure path yields a coded
// *domain.ProviderError so callers keep the failure class. A 4xx other than
// 429 is the provider's final answer and is never retried.
func doWithBackoff(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr *domain.ProviderError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			base := time.Duration((attempt-1)*(attempt-1)) * backoffUnit
			wait := base + time.Duration(rand.Int64N(int64(base/2+1)))
			logger.Warn("retrying provider request",
				"attempt", attempt, "backoff", wait, "code", lastErr.Code)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = &domain.ProviderError{Code: CodeProviderUnreachable, Message: err.Error()}
			continue
		}

		code := classifyStatus(resp.StatusCode)
		if code == "" {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		resp.Body.Close()
		lastErr = &domain.ProviderError{
			Code:    code,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body),
		}
		if code == CodeProviderRejected {
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

func classifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeProviderRateLimited
	case status >= 500:
		return CodeProviderUnavailable
	case status >= 400:
		return CodeProviderRejected
	}
	return ""
}
