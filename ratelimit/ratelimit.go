// Package ratelimit provides fixed-window admission control keyed by
// request class and client identifier.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Class names a group of endpoints that share a budget.
type Class string

const (
	Passphrase Class = "passphrase"
	Passkey    Class = "passkey"
	Auth       Class = "auth"
	API        Class = "api"
)

// ErrUnknownClass is returned by Check for a class with no policy.
var ErrUnknownClass = errors.New("ratelimit: unknown class")

// Policy is the number of requests admitted per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the built-in per-class budgets.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		Passphrase: {Limit: 5, Window: 15 * time.Minute},
		Passkey:    {Limit: 10, Window: 15 * time.Minute},
		Auth:       {Limit: 30, Window: 15 * time.Minute},
		API:        {Limit: 100, Window: time.Minute},
	}
}

// Result describes the outcome of a single Check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter is the time left in the current window, rounded up to whole
// seconds and never less than one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.Reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

// Store counts hits against a key inside a fixed window. Hit increments the
// counter, starting a new window when none is active, and reports the count
// and when the window ends.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error)
}

// Key joins a class and identifier into a store key.
func Key(class Class, identifier string) string {
	return string(class) + ":" + identifier
}

// Limiter applies per-class policies on top of a Store.
type Limiter struct {
	store    Store
	policies map[Class]Policy
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy overrides the policy for a class.
func WithPolicy(class Class, p Policy) Option {
	return func(l *Limiter) { l.policies[class] = p }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns a Limiter using the default policies.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		policies: DefaultPolicies(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy configured for class.
func (l *Limiter) Policy(class Class) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok
}

// Check records one request for identifier under class.
func (l *Limiter) Check(ctx context.Context, class Class, identifier string) (Result, error) {
	p, ok := l.policies[class]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	if identifier == "" {
		identifier = unknownClient
	}

	count, reset, err := l.store.Hit(ctx, Key(class, identifier), p.Window)
	if err != nil {
		l.logger.Error("rate limit store failed", "class", class, "error", err)
		return Result{}, fmt.Errorf("ratelimit: %w", err)
	}

	remaining := int64(p.Limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(p.Limit),
		Limit:     p.Limit,
		Remaining: int(remaining),
		Reset:     reset,
	}, nil
}
