package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStoreTimeout bounds each counter or policy store round-trip.
const DefaultStoreTimeout = 250 * time.Millisecond

var (
	ErrInvalidConfiguration = errors.New("invalid rate limit configuration")
	// ErrCounterStoreUnavailable wraps every counter store failure seen by Check.
	// It is logged and never returned to the caller.
	ErrCounterStoreUnavailable = errors.New("counter store unavailable")
)

// CounterStore holds fixed-window counters keyed by (endpoint, identifier).
//
// Incr must increment and, on the first increment of a window, set the
// expiry in a single atomic step so concurrent callers never observe the
// same pre-increment value. It returns the post-increment count and the
// remaining time to live of the window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Reset(ctx context.Context, key string) error
}

// FailurePolicy decides what Check returns when the counter store fails.
type FailurePolicy int

const (
	// FailOpen admits the request. Availability wins over strict enforcement.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the request.
	FailClosed
)

func (f FailurePolicy) String() string {
	switch f {
	case FailOpen:
		return "open"
	case FailClosed:
		return "closed"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(f))
}

// ParseFailurePolicy accepts "open" or "closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfiguration, s)
}

type Decision struct {
	Limited   bool
	Limit     int       // MaxRequests of the applied policy
	Remaining int       // max(0, Limit - count)
	ResetAt   time.Time // end of the current window
	// FailedOpen is set when the counter store failed and the failure
	// policy produced the decision. Remaining and ResetAt are estimates.
	FailedOpen bool
}

type Options struct {
	Logger       zerolog.Logger
	StoreTimeout time.Duration
	OnFailure    FailurePolicy

	// hooks for metrics
	OnLimited    func(endpoint string)
	OnStoreError func(endpoint string)

	now func() time.Time
}

// Limiter is the per-endpoint admission gate.
type Limiter struct {
	counters CounterStore
	policies PolicyStore
	timeout  time.Duration
	failure  FailurePolicy
	log      zerolog.Logger

	onLimited    func(string)
	onStoreError func(string)
	now          func() time.Time
}

// New builds a Limiter. policies may be nil, in which case every endpoint
// uses DefaultPolicy.
func New(counters CounterStore, policies PolicyStore, opts Options) (*Limiter, error) {
	if counters == nil {
		return nil, errors.New("ratelimit: counter store is required")
	}
	l := &Limiter{
		counters:     counters,
		policies:     policies,
		timeout:      opts.StoreTimeout,
		failure:      opts.OnFailure,
		log:          opts.Logger.With().Str("component", "ratelimit").Logger(),
		onLimited:    opts.OnLimited,
		onStoreError: opts.OnStoreError,
		now:          opts.now,
	}
	if l.timeout <= 0 {
		l.timeout = DefaultStoreTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Check counts one request against (endpoint, identifier) and reports
// whether it exceeds the endpoint's policy.
//
// Windows are fixed, not sliding: a burst straddling two windows can admit
// up to 2*MaxRequests requests.
func (l *Limiter) Check(ctx context.Context, endpoint, identifier string) Decision {
	pol := l.resolve(ctx, endpoint)
	now := l.now()

	sctx, cancel := l.storeContext(ctx)
	count, ttl, err := l.counters.Incr(sctx, CounterKey(endpoint, identifier), pol.Window())
	cancel()
	if err != nil {
		return l.storeFailure(endpoint, identifier, pol.Policy, now, err)
	}

	if ttl <= 0 || ttl > pol.Window() {
		ttl = pol.Window()
	}
	dec := Decision{
		Limited:   count > int64(pol.MaxRequests),
		Limit:     pol.MaxRequests,
		Remaining: remaining(pol.MaxRequests, count),
		ResetAt:   now.Add(ttl),
	}
	if dec.Limited {
		l.log.Info().
			Str("endpoint", endpoint).
			Str("identifier", identifier).
			Int64("count", count).
			Int("max_requests", pol.MaxRequests).
			Msg("rate limited")
		if l.onLimited != nil {
			l.onLimited(endpoint)
		}
	}
	return dec
}

func (l *Limiter) storeFailure(endpoint, identifier string, p Policy, now time.Time, err error) Decision {
	err = fmt.Errorf("%w: %w", ErrCounterStoreUnavailable, err)
	l.log.Error().
		Err(err).
		Str("endpoint", endpoint).
		Str("identifier", identifier).
		Stringer("failure_policy", l.failure).
		Msg("rate limit check failed")
	if l.onStoreError != nil {
		l.onStoreError(endpoint)
	}

	dec := Decision{Limit: p.MaxRequests, ResetAt: now.Add(p.Window()), FailedOpen: true}
	if l.failure == FailClosed {
		dec.Limited = true
		dec.FailedOpen = false
		return dec
	}
	dec.Remaining = p.MaxRequests
	return dec
}

// Reset clears the counter for (endpoint, identifier) immediately.
func (l *Limiter) Reset(ctx context.Context, endpoint, identifier string) error {
	ctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.counters.Reset(ctx, CounterKey(endpoint, identifier)); err != nil {
		return fmt.Errorf("reset %s/%s: %w", endpoint, identifier, err)
	}
	l.log.Info().Str("endpoint", endpoint).Str("identifier", identifier).Msg("rate limit counter reset")
	return nil
}

// SetPolicy validates and stores the policy for endpoint. Counters already
// in flight keep their window; the new limits apply from the next Check.
func (l *Limiter) SetPolicy(ctx context.Context, endpoint string, p Policy) error {
	p.Endpoint = endpoint
	if err := p.Validate(); err != nil {
		return err
	}
	if l.policies == nil {
		return errors.New("ratelimit: no policy store configured")
	}

	ctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.policies.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upsert policy %s: %w", endpoint, err)
	}
	l.log.Info().
		Str("endpoint", endpoint).
		Int("max_requests", p.MaxRequests).
		Int64("window_ms", p.WindowMS).
		Msg("rate limit policy updated")
	return nil
}

// SeedPolicy stores p for endpoint only if the policy store has no row for
// it yet, so rows written through SetPolicy survive a restart. It reports
// whether p was stored.
func (l *Limiter) SeedPolicy(ctx context.Context, endpoint string, p Policy) (bool, error) {
	p.Endpoint = endpoint
	if err := p.Validate(); err != nil {
		return false, err
	}
	if l.policies == nil {
		return false, errors.New("ratelimit: no policy store configured")
	}

	ctx, cancel := l.storeContext(ctx)
	defer cancel()
	existing, found, err := l.policies.Lookup(ctx, endpoint)
	if err != nil {
		return false, fmt.Errorf("lookup policy %s: %w", endpoint, err)
	}
	if found {
		l.log.Debug().
			Str("endpoint", endpoint).
			Int("max_requests", existing.MaxRequests).
			Int64("window_ms", existing.WindowMS).
			Msg("stored rate limit policy kept, seed skipped")
		return false, nil
	}
	if err := l.policies.Upsert(ctx, p); err != nil {
		return false, fmt.Errorf("seed policy %s: %w", endpoint, err)
	}
	l.log.Info().
		Str("endpoint", endpoint).
		Int("max_requests", p.MaxRequests).
		Int64("window_ms", p.WindowMS).
		Msg("rate limit policy seeded")
	return true, nil
}

// Policy returns the effective policy for endpoint.
func (l *Limiter) Policy(ctx context.Context, endpoint string) Resolved {
	return l.resolve(ctx, endpoint)
}

func (l *Limiter) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// CounterKey is the counter store key for (endpoint, identifier).
func CounterKey(endpoint, identifier string) string {
	return "ratelimit:" + endpoint + ":" + identifier
}

func remaining(max int, count int64) int {
	r := int64(max) - count
	if r < 0 {
		return 0
	}
	return int(r)
}
