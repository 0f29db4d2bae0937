// Package ttlrefresh implements TTL Refresh (C9): deciding whether a KV
// hit is due for a best-effort expiry extension, and performing that
// extension under bounded retry.
//
// Grounded on the teacher's RedisVideoCache.Set TTL handling (generalized
// from "always overwrite with a fixed TTL" to "conditionally extend an
// existing entry's expiry") and on the worker's retry/backoff shape
// (internal/tasks.Client.Consume's bounded-retry idiom, here applied to a
// KV rate-limit response instead of a failed handler).
package ttlrefresh

import (
	"context"
	"math"
	"time"

	"github.com/erfianugrah/videoproxy/internal/kv"
	"github.com/erfianugrah/videoproxy/internal/reqctx"
)

// Thresholds from §4.9.
const (
	MinElapsedFraction  = 0.10
	MinRemainingSeconds = 60
)

// ShouldRefresh reports whether a KV entry due to be served is due for a
// background TTL extension: elapsedFraction >= 10% AND remaining >= 60s.
func ShouldRefresh(createdAt, expiresAt, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || expiresAt.Before(createdAt) {
		return false
	}
	elapsed := now.Sub(createdAt)
	elapsedFraction := elapsed.Seconds() / ttl.Seconds()
	remaining := expiresAt.Sub(now)
	return elapsedFraction >= MinElapsedFraction && remaining.Seconds() >= MinRemainingSeconds
}

// BackoffSchedule returns the bounded exponential backoff delays used
// when the KV backend responds with a rate-limit error, per §4.9 ("retry
// up to a small bounded number of times with exponential backoff").
func BackoffSchedule(maxRetries int, base time.Duration) []time.Duration {
	delays := make([]time.Duration, maxRetries)
	for i := range delays {
		delays[i] = time.Duration(math.Pow(2, float64(i))) * base
	}
	return delays
}

// Refresher performs the §4.9 refresh side effect: rewrite the entry's
// metadata so expiresAt = now + ttl, keeping the original ttl and body.
type Refresher struct {
	store      kv.Store
	maxRetries int
	baseDelay  time.Duration
	isRateLimited func(error) bool
}

// New creates a Refresher. isRateLimited classifies a KV error as a
// rate-limit response worth retrying; nil means no error is ever retried
// (every error is treated as "any other error: do not retry" per §4.9).
func New(store kv.Store, maxRetries int, baseDelay time.Duration, isRateLimited func(error) bool) *Refresher {
	if isRateLimited == nil {
		isRateLimited = func(error) bool { return false }
	}
	return &Refresher{store: store, maxRetries: maxRetries, baseDelay: baseDelay, isRateLimited: isRateLimited}
}

// Refresh rewrites the entry at (ns, key) with a new expiresAt = now+ttl,
// retrying on a rate-limited KV response per BackoffSchedule. Any other
// error aborts immediately without retry, and refresh failure never fails
// the caller's request (§4.9: "do not fail the request").
func (r *Refresher) Refresh(ctx context.Context, ns kv.Namespace, key string, ttl time.Duration) error {
	delays := BackoffSchedule(r.maxRetries, r.baseDelay)

	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		entry, err := r.store.Get(ctx, ns, key)
		if err != nil {
			lastErr = err
		} else if entry == nil {
			return nil // evicted concurrently; nothing to refresh
		} else {
			now := time.Now()
			entry.Metadata.ExpiresAt = now.Add(ttl)
			if putErr := r.store.Put(ctx, ns, key, entry.Body, entry.Metadata, ttl); putErr != nil {
				lastErr = putErr
			} else {
				return nil
			}
		}

		if !r.isRateLimited(lastErr) {
			return lastErr
		}
		if attempt >= len(delays) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[attempt]):
		}
	}
	return lastErr
}

// RefreshAsync schedules Refresh under the request's detach capability so
// it never delays the response and a refresh failure is invisible to the
// client (§4.9: "Refresh is always best-effort and runs under the detach
// capability").
func (r *Refresher) RefreshAsync(reqCtx *reqctx.Context, ns kv.Namespace, key string, ttl time.Duration) {
	reqCtx.Detach(func(bgCtx context.Context) {
		_ = r.Refresh(bgCtx, ns, key, ttl)
	})
}
