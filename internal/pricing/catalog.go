// Package pricing holds the versioned pricing catalog, cost attribution and
// the heuristic auto-seeder for models seen in traffic but never priced.
package pricing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no catalog row covers the requested key and time.
var ErrNotFound = errors.New("pricing: no catalog entry")

// UnknownRegion is the fallback region used when no exact region row exists.
const UnknownRegion = "unknown"

// Entry sources.
const (
	SourceBootstrap = "bootstrap"
	SourceAutoSeed  = "auto_seed"
	SourceManual    = "manual"
)

// Entry is a priced SKU valid over [EffectiveFrom, EffectiveTo).
type Entry struct {
	ID       int64  `json:"id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Region   string `json:"region"`
	Version  int64  `json:"version"`

	InputPer1KUSD    float64 `json:"input_price_per_1k_usd"`
	OutputPer1KUSD   float64 `json:"output_price_per_1k_usd"`
	ToolCallUSD      float64 `json:"tool_call_price_usd"`
	ConnectorCallUSD float64 `json:"connector_call_price_usd"`

	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Active        bool       `json:"is_active"`
	Source        string     `json:"source"`
}

// Covers reports whether the entry is effective at t.
func (e Entry) Covers(t time.Time) bool {
	if t.Before(e.EffectiveFrom) {
		return false
	}
	if e.EffectiveTo != nil {
		return t.Before(*e.EffectiveTo)
	}
	return e.Active
}

// ModelKey identifies a (provider, model, region) triple observed in traffic.
type ModelKey struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Region   string `json:"region"`
}

// Normalize lowercases and trims the key, filling an empty region with UnknownRegion.
func (k ModelKey) Normalize() ModelKey {
	k.Provider = strings.ToLower(strings.TrimSpace(k.Provider))
	k.Model = strings.ToLower(strings.TrimSpace(k.Model))
	k.Region = strings.ToLower(strings.TrimSpace(k.Region))
	if k.Region == "" {
		k.Region = UnknownRegion
	}
	return k
}

// Store is the catalog persistence contract.
//
// PriceAt selects the row covering at for (provider, model, region), falling
// back to the UnknownRegion row, preferring the latest effective_from.
// PublishPrice closes the current row for the same key at the new row's
// effective_from and inserts the new row with version = max(version for
// provider, model) + 1, atomically. LatestEffectiveTo returns the latest
// closing time among rows for the key or its UnknownRegion fallback, nil
// when none was ever closed.
type Store interface {
	PriceAt(ctx context.Context, provider, model, region string, at time.Time) (*Entry, error)
	PublishPrice(ctx context.Context, e Entry) (*Entry, error)
	ObservedModels(ctx context.Context, since time.Time) ([]ModelKey, error)
	LatestEffectiveTo(ctx context.Context, provider, model, region string) (*time.Time, error)
}
