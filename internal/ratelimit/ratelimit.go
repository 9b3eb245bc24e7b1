// Package ratelimit enforces per-client request budgets: a general bucket
// for the whole API and a strict bucket for the login endpoint. Buckets are
// process-local, guarded by the store's own locking; one replica exhausting
// a key does not propagate to others, which is acceptable for abuse
// protection. The (key) -> (allowed, remaining, retry_after) surface stays
// put if the memory store is ever swapped for an external counter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"go.uber.org/zap"
)

const (
	// DefaultTokens / DefaultInterval: the general API budget.
	DefaultTokens   = 100
	DefaultInterval = time.Minute

	// LoginTokens / LoginInterval: the stricter login budget. Credential
	// stuffing burns this bucket long before the account lockout engages.
	LoginTokens   = 10
	LoginInterval = 5 * time.Minute
)

// Limiter is a token-bucket limiter keyed by client address.
type Limiter struct {
	store  limiter.Store
	logger *zap.Logger
}

// New creates a limiter granting tokens per interval per key. Stale buckets
// are swept hourly.
func New(tokens uint64, interval time.Duration, logger *zap.Logger) *Limiter {
	// memorystore.New only fails on a nil config.
	store, _ := memorystore.New(&memorystore.Config{
		Tokens:        tokens,
		Interval:      interval,
		SweepInterval: time.Hour,
		SweepMinTTL:   time.Hour,
	})
	return &Limiter{
		store:  store,
		logger: logger.Named("ratelimit"),
	}
}

// Take consumes one token for key. When allowed is false, retryAfter says
// how long until the bucket refills.
func (l *Limiter) Take(ctx context.Context, key string) (allowed bool, remaining uint64, retryAfter time.Duration, err error) {
	_, remaining, reset, ok, err := l.store.Take(ctx, key)
	if err != nil && !errors.Is(err, limiter.ErrStopped) {
		return false, 0, 0, fmt.Errorf("ratelimit: take: %w", err)
	}
	if !ok {
		retryAfter = time.Until(time.Unix(0, int64(reset)))
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, remaining, retryAfter, nil
	}
	return true, remaining, 0, nil
}

// Close stops the store's sweeper.
func (l *Limiter) Close(ctx context.Context) error {
	return l.store.Close(ctx)
}

// ClientKey derives the bucket key for a request. The RealIP middleware has
// already folded X-Forwarded-For / X-Real-IP into RemoteAddr at the edge,
// so header trust lives in one place and every downstream component sees
// the same normalized client address.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
