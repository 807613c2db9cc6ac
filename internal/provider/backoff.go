package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"arula/internal/core"

	"golang.org/x/time/rate"
)

// classifyErrorKind maps a Stream error to the taxonomy §7 requires: a
// malformed/empty stream is its own kind rather than being folded into
// Transport, an *httpStatusError carries the HTTP kind, and everything else
// is treated as a transport failure.
func classifyErrorKind(err error) core.ErrorKind {
	if errors.Is(err, errMalformed) {
		return core.ErrKindMalformedResponse
	}
	var herr *httpStatusError
	if errors.As(err, &herr) {
		return core.ErrKindHTTP
	}
	return core.ErrKindTransport
}

// retrySchedule computes the jittered exponential backoff delay for the
// n-th retry (n starting at 0), capped at 30s. Transport failures and 429/5xx
// responses are retried against this schedule up to a profile's max_retries.
func retrySchedule(n int) time.Duration {
	base := 250 * time.Millisecond
	d := base << n
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	return d/2 + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pacer rate-limits outbound requests (one every 200ms, bursts of up to 4),
// smoothing retry storms across tool-iteration re-invocations within a
// turn. A single pacer, turnPacer, is shared by every profile and dialect.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer() *pacer {
	return &pacer{limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 4)}
}

func (p *pacer) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// turnPacer smooths the burst of re-invocations the tool loop produces
// against the same provider within one turn; every dialect's retry loop
// waits on it before each attempt.
var turnPacer = newPacer()

func isRetryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
