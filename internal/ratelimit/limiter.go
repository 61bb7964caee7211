package ratelimit

import (
	"context"
	"time"

	"bracketsync.org/internal/obs"
)

// Scope names the window that rejected a message.
type Scope string

const (
	ScopeConnection Scope = "connection"
	ScopeSubject    Scope = "subject"
	ScopeOrg        Scope = "org"
)

// Limit is one window's budget.
type Limit struct {
	Capacity int64
	Window   time.Duration
}

// Decision is the outcome of a limiter check.
type Decision struct {
	OK         bool
	Scope      Scope
	RetryAfter time.Duration
}

// Limiter evaluates the three windows most-specific-first, so a
// connection-level violation is reported before a shared org-level one.
type Limiter struct {
	store    Store
	fallback Store
	conn     Limit
	subject  Limit
	org      Limit
	timeout  time.Duration
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithFallback sets the store used when the primary store errors.
func WithFallback(s Store) LimiterOption {
	return func(l *Limiter) { l.fallback = s }
}

// WithTimeout bounds each store call. Counter checks are the only blocking
// I/O on the message path.
func WithTimeout(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.timeout = d }
}

// NewLimiter builds a limiter over the store with per-scope budgets.
func NewLimiter(store Store, conn, subject, org Limit, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:   store,
		conn:    conn,
		subject: subject,
		org:     org,
		timeout: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow admits or rejects one message. A store failure fails open: strict
// enforcement is worth less than availability during an infrastructure
// outage, so the message is admitted and the error is logged and counted.
func (l *Limiter) Allow(ctx context.Context, connID, subjectID, orgID string) Decision {
	checks := []struct {
		scope Scope
		key   string
		limit Limit
	}{
		{ScopeConnection, "conn:" + connID, l.conn},
		{ScopeSubject, "subject:" + subjectID, l.subject},
		{ScopeOrg, "org:" + orgID, l.org},
	}
	for _, c := range checks {
		if c.limit.Capacity <= 0 || c.limit.Window <= 0 {
			continue
		}
		count, err := l.incr(ctx, c.key, c.limit.Window)
		if err != nil {
			obs.RateLimitStoreErrors.Inc()
			obs.Error("rate counter store unavailable, failing open", map[string]any{
				"scope": string(c.scope),
				"error": err.Error(),
			})
			continue
		}
		if count > c.limit.Capacity {
			return Decision{
				OK:         false,
				Scope:      c.scope,
				RetryAfter: retryAfter(c.limit.Window),
			}
		}
	}
	return Decision{OK: true}
}

func (l *Limiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pctx, cancel := context.WithTimeout(ctx, l.timeout)
	count, err := l.store.Incr(pctx, key, window)
	cancel()
	if err != nil && l.fallback != nil {
		// On a timeout-class outage the primary's deadline has already
		// fired, so the fallback needs its own budget or it would inherit
		// the expired deadline and fail open with it.
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer fcancel()
		return l.fallback.Incr(fctx, key, window)
	}
	return count, err
}

// retryAfter is the time until the current window resets.
func retryAfter(window time.Duration) time.Duration {
	now := time.Now()
	reset := windowStart(now, window).Add(window)
	d := reset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
