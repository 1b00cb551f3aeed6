package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxRequests = 100
	DefaultWindowMS    = 60000
)

// Policy is the admission budget for one endpoint: at most MaxRequests
// per identifier in each fixed window of WindowMS milliseconds.
type Policy struct {
	Endpoint    string
	MaxRequests int
	WindowMS    int64
}

// DefaultPolicy returns the policy applied to endpoints with no configured row.
func DefaultPolicy(endpoint string) Policy {
	return Policy{Endpoint: endpoint, MaxRequests: DefaultMaxRequests, WindowMS: DefaultWindowMS}
}

func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowMS) * time.Millisecond
}

// Validate rejects policies that cannot be enforced. Values are never coerced.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfiguration)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be > 0, got %d", ErrInvalidConfiguration, p.MaxRequests)
	}
	if p.WindowMS <= 0 {
		return fmt.Errorf("%w: window must be > 0ms, got %d", ErrInvalidConfiguration, p.WindowMS)
	}
	return nil
}

// PolicyStore is the durable table of per-endpoint policies.
type PolicyStore interface {
	// Lookup reports whether a policy row exists for endpoint.
	Lookup(ctx context.Context, endpoint string) (Policy, bool, error)
	Upsert(ctx context.Context, p Policy) error
}

// Resolved is the outcome of a policy lookup with the default already applied.
type Resolved struct {
	Policy
	Default bool
}

// resolve is the only place the default policy is substituted.
func (l *Limiter) resolve(ctx context.Context, endpoint string) Resolved {
	if l.policies == nil {
		return Resolved{Policy: DefaultPolicy(endpoint), Default: true}
	}

	ctx, cancel := l.storeContext(ctx)
	defer cancel()

	p, ok, err := l.policies.Lookup(ctx, endpoint)
	if err != nil {
		l.log.Warn().Err(err).Str("endpoint", endpoint).Msg("policy lookup failed, using default policy")
		return Resolved{Policy: DefaultPolicy(endpoint), Default: true}
	}
	if !ok {
		return Resolved{Policy: DefaultPolicy(endpoint), Default: true}
	}
	// A row that fails validation is treated as missing rather than enforced.
	if err := p.Validate(); err != nil {
		l.log.Warn().Err(err).Str("endpoint", endpoint).Msg("stored policy is invalid, using default policy")
		return Resolved{Policy: DefaultPolicy(endpoint), Default: true}
	}
	return Resolved{Policy: p}
}
