package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRetryInterval is how long a degraded FallbackStore serves from the
// secondary before letting one request try the primary again.
const DefaultRetryInterval = 15 * time.Second

// FallbackStore serves hits from primary and switches to secondary while
// primary is failing. The switch is logged once per outage. While degraded,
// primary is tried by at most one request per retry interval.
type FallbackStore struct {
	primary       Store
	secondary     Store
	logger        *slog.Logger
	retryInterval time.Duration
	now           func() time.Time

	degraded atomic.Bool
	retryAt  atomic.Int64 // unix nanos of the next permitted primary attempt
}

var _ Store = (*FallbackStore)(nil)

// FallbackOption configures a FallbackStore.
type FallbackOption func(*FallbackStore)

// WithRetryInterval sets the cool-down between primary attempts while degraded.
func WithRetryInterval(d time.Duration) FallbackOption {
	return func(s *FallbackStore) { s.retryInterval = d }
}

// WithFallbackClock overrides the time source used for the cool-down.
func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(s *FallbackStore) { s.now = now }
}

// NewFallbackStore returns a store that prefers primary.
func NewFallbackStore(primary, secondary Store, logger *slog.Logger, opts ...FallbackOption) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FallbackStore{
		primary:       primary,
		secondary:     secondary,
		logger:        logger,
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FallbackStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if s.degraded.Load() && !s.claimRetry() {
		return s.secondary.Hit(ctx, key, window)
	}

	count, reset, err := s.primary.Hit(ctx, key, window)
	if err == nil {
		if s.degraded.CompareAndSwap(true, false) {
			s.logger.Info("rate limit store recovered")
		}
		return count, reset, nil
	}
	if ctx.Err() != nil {
		return 0, time.Time{}, ctx.Err()
	}
	s.retryAt.Store(s.now().Add(s.retryInterval).UnixNano())
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("rate limit store unavailable, using in-process counters",
			"error", err, "retry_in", s.retryInterval)
	}
	return s.secondary.Hit(ctx, key, window)
}

// claimRetry reports whether the caller may try the primary. Once the
// cool-down has elapsed exactly one caller wins; the rest keep using the
// secondary until that attempt resolves.
func (s *FallbackStore) claimRetry() bool {
	now := s.now()
	next := s.retryAt.Load()
	if now.UnixNano() < next {
		return false
	}
	return s.retryAt.CompareAndSwap(next, now.Add(s.retryInterval).UnixNano())
}

// Degraded reports whether hits are currently served by the secondary.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}
