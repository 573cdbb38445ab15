// Package ctrate holds the versioned credit-to-USD exchange rate.
//
// At most one row is current (active with no effective_to). Rotation closes
// the current row and opens its successor at the same instant, in one
// transaction, so lookups by time always see exactly one covering row.
package ctrate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no rate row covers the requested time.
var ErrNotFound = errors.New("ctrate: no rate")

// Rate is one version of the credit value.
type Rate struct {
	ID            int64      `json:"id"`
	CTValueUSD    float64    `json:"ct_value_usd"`
	Version       int64      `json:"version"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Active        bool       `json:"is_active"`
	Notes         string     `json:"notes,omitempty"`
}

// Current reports whether r is the open-ended current row.
func (r Rate) Current() bool {
	return r.Active && r.EffectiveTo == nil
}

// Covers reports whether the rate is effective at t.
func (r Rate) Covers(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil {
		return t.Before(*r.EffectiveTo)
	}
	return r.Active
}

// Rotation describes a new rate version.
type Rotation struct {
	CTValueUSD float64
	// At is when the current row closes and the new one opens.
	At    time.Time
	Notes string
}

// Store persists rate versions.
//
// RotateRate must close the current row (is_active=false, effective_to=At)
// and insert version+1 effective from At atomically; it returns ErrNotFound
// without writing when there is no current row. EnsureRate inserts version 1
// only when the table is empty and returns the current row either way.
type Store interface {
	RateAt(ctx context.Context, at time.Time) (*Rate, error)
	CurrentRate(ctx context.Context) (*Rate, error)
	RotateRate(ctx context.Context, r Rotation) (*Rate, error)
	EnsureRate(ctx context.Context, initial Rate) (*Rate, error)
	ListRates(ctx context.Context, limit int) ([]Rate, error)
}
