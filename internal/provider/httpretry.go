package provider

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds retries of transient vendor failures.
type RetryPolicy struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultRetryPolicy matches the pull engine's tolerance: three attempts,
// exponential spacing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: 2 * time.Second, Multiplier: 2, Max: 30 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := float64(p.Initial)
	if base <= 0 {
		base = float64(2 * time.Second)
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := base * math.Pow(mult, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// DoVendorRequest performs an HTTP call against a vendor API with bounded
// exponential backoff on 5xx and network errors. 401/403 map to
// ErrAuthFailed immediately; other 4xx are permanent. Returns the response
// body on 2xx.
func DoVendorRequest(ctx context.Context, client *http.Client, build func() (*http.Request, error), policy RetryPolicy) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := policy.delay(attempt - 1)
			log.Debug().Dur("wait", wait).Int("attempt", attempt).Msg("Retrying vendor request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: vendor returned %d", ErrAuthFailed, resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, fmt.Errorf("vendor rejected request with status %d: %s", resp.StatusCode, truncate(body, 200))
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("vendor returned status %d", resp.StatusCode)
			continue
		case readErr != nil:
			lastErr = readErr
			continue
		default:
			return body, nil
		}
	}
	return nil, fmt.Errorf("vendor request failed after %d attempts: %w", attempts, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
