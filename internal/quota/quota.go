// Package quota gates uploads against a department's storage allocation.
//
// Usage is recomputed from the file records on every check. Nothing is
// reserved between the check and the write that follows it, so two uploads
// racing into the same department can both pass and jointly overshoot the
// allocation.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	ReasonNotFound      = "not found"
	ReasonQuotaExceeded = "quota exceeded"
)

var (
	ErrDepartmentNotFound   = errors.New("department not found")
	ErrInvalidConfiguration = errors.New("invalid quota configuration")
	ErrInvalidSize          = errors.New("incoming size must be >= 0")
)

// Source exposes the two reads a quota check needs.
type Source interface {
	// Allocation returns the department's allocated bytes. found is false
	// when the department does not exist. A department without an
	// allocation reports 0.
	Allocation(ctx context.Context, departmentID string) (bytes int64, found bool, err error)
	// UsedStorage is the sum of sizes of the department's non-deleted files.
	UsedStorage(ctx context.Context, departmentID string) (int64, error)
}

// Allocator is a Source that can also change allocations.
type Allocator interface {
	Source
	SetAllocation(ctx context.Context, departmentID string, bytes int64) error
}

// Result carries the figures behind a decision so callers can explain it.
type Result struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Current   int64  `json:"current"`
	Allocated int64  `json:"allocated"`
	Required  int64  `json:"required"`
}

type Guard struct {
	src      Source
	log      zerolog.Logger
	onReject func(reason string)
}

type Option func(*Guard)

func WithLogger(l zerolog.Logger) Option {
	return func(g *Guard) { g.log = l.With().Str("component", "quota").Logger() }
}

// WithRejectHook is called with the reason of every rejected check.
func WithRejectHook(fn func(reason string)) Option {
	return func(g *Guard) { g.onReject = fn }
}

func NewGuard(src Source, opts ...Option) *Guard {
	g := &Guard{src: src, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether incomingSize more bytes fit in the department's
// allocation. Business-rule rejections come back in Result; err is only set
// for invalid input or a failing Source.
func (g *Guard) Check(ctx context.Context, departmentID string, incomingSize int64) (Result, error) {
	if incomingSize < 0 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidSize, incomingSize)
	}

	allocated, found, err := g.src.Allocation(ctx, departmentID)
	if err != nil {
		return Result{}, fmt.Errorf("load allocation for %s: %w", departmentID, err)
	}
	if !found {
		g.reject(departmentID, ReasonNotFound)
		return Result{Reason: ReasonNotFound, Required: incomingSize}, nil
	}

	used, err := g.src.UsedStorage(ctx, departmentID)
	if err != nil {
		return Result{}, fmt.Errorf("sum storage for %s: %w", departmentID, err)
	}

	res := Result{Current: used, Allocated: allocated, Required: incomingSize}
	// no allocation means no quota was granted, not unlimited.
	// used+incomingSize can overflow int64, so compare against the headroom.
	if allocated > 0 && used <= allocated && incomingSize <= allocated-used {
		res.Allowed = true
		return res, nil
	}

	res.Reason = ReasonQuotaExceeded
	g.reject(departmentID, ReasonQuotaExceeded)
	g.log.Info().
		Str("department", departmentID).
		Int64("current", used).
		Int64("allocated", allocated).
		Int64("required", incomingSize).
		Msg("upload rejected by quota")
	return res, nil
}

func (g *Guard) reject(departmentID, reason string) {
	if g.onReject != nil {
		g.onReject(reason)
	}
	if reason == ReasonNotFound {
		g.log.Info().Str("department", departmentID).Msg("quota check for unknown department")
	}
}

// SetAllocation changes a department's ceiling. It needs an Allocator source.
func (g *Guard) SetAllocation(ctx context.Context, departmentID string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("%w: allocation must be >= 0, got %d", ErrInvalidConfiguration, bytes)
	}
	a, ok := g.src.(Allocator)
	if !ok {
		return errors.New("quota: source does not support allocation changes")
	}
	if err := a.SetAllocation(ctx, departmentID, bytes); err != nil {
		return err
	}
	g.log.Info().Str("department", departmentID).Int64("allocated", bytes).Msg("department allocation updated")
	return nil
}
