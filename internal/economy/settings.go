// Package economy holds the per-user credit economy settings: plan preset,
// spend ceilings, monthly reset anchor and the shadow billing knobs.
//
// Settings are clamped on every read and every write. A stored document is
// never trusted as-is.
package economy

import (
	"math"
	"strings"
)

// Presets.
const (
	PresetFree       = "free"
	PresetPro        = "pro"
	PresetEnterprise = "enterprise"
)

// Shadow knob defaults.
const (
	DefaultRiskBufferPct   = 0.15
	DefaultTargetMarginPct = 0.50
	DefaultMinimumCTDebit  = 1
)

// Settings is the typed economy section of a user's settings document.
type Settings struct {
	Preset             string  `json:"preset"`
	CostMultiplier     float64 `json:"cost_multiplier"`
	MonthlyGrant       int64   `json:"monthly_grant"`
	MaxPerMessage      int64   `json:"max_per_message"`
	DailyLimit         int64   `json:"daily_limit"`
	MonthlyResetDay    int     `json:"monthly_reset_day"`
	MonthlyResetHour   int     `json:"monthly_reset_hour"`
	MonthlyResetMinute int     `json:"monthly_reset_minute"`

	RiskBufferPct   float64 `json:"risk_buffer_pct"`
	TargetMarginPct float64 `json:"target_margin_pct"`
	MinimumCTDebit  int64   `json:"minimum_ct_debit"`
}

var presets = map[string]Settings{
	PresetFree: {
		Preset:          PresetFree,
		CostMultiplier:  1.0,
		MonthlyGrant:    1000,
		MaxPerMessage:   50,
		DailyLimit:      200,
		MonthlyResetDay: 1,
	},
	PresetPro: {
		Preset:          PresetPro,
		CostMultiplier:  0.7,
		MonthlyGrant:    10000,
		MaxPerMessage:   150,
		DailyLimit:      1000,
		MonthlyResetDay: 1,
	},
	PresetEnterprise: {
		Preset:          PresetEnterprise,
		CostMultiplier:  0.5,
		MonthlyGrant:    50000,
		MaxPerMessage:   500,
		DailyLimit:      10000,
		MonthlyResetDay: 1,
	},
}

// PresetDefaults returns the defaults of preset, falling back to free for
// unknown names.
func PresetDefaults(preset string) Settings {
	s, ok := presets[normalizePreset(preset)]
	if !ok {
		s = presets[PresetFree]
	}
	s.RiskBufferPct = DefaultRiskBufferPct
	s.TargetMarginPct = DefaultTargetMarginPct
	s.MinimumCTDebit = DefaultMinimumCTDebit
	return s
}

// Defaults are the settings of a user who never saved any.
func Defaults() Settings {
	return PresetDefaults(PresetFree)
}

func normalizePreset(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Clamp returns s with every field forced into its valid range.
func (s Settings) Clamp() Settings {
	s.Preset = normalizePreset(s.Preset)
	if _, ok := presets[s.Preset]; !ok {
		s.Preset = PresetFree
	}

	s.CostMultiplier = clampFloat(s.CostMultiplier, 0.1, 2.0)
	s.MonthlyGrant = clampInt(s.MonthlyGrant, 0, 10_000_000)
	s.MaxPerMessage = clampInt(s.MaxPerMessage, 0, 1_000_000)
	s.DailyLimit = clampInt(s.DailyLimit, 0, 10_000_000)

	s.MonthlyResetDay = int(clampInt(int64(s.MonthlyResetDay), 1, 28))
	s.MonthlyResetHour = int(clampInt(int64(s.MonthlyResetHour), 0, 23))
	s.MonthlyResetMinute = QuantizeMinute(s.MonthlyResetMinute)

	s.RiskBufferPct = clampFloat(s.RiskBufferPct, 0, 3)
	s.TargetMarginPct = clampFloat(s.TargetMarginPct, 0, 3)
	s.MinimumCTDebit = clampInt(s.MinimumCTDebit, 1, 1000)
	return s
}

// QuantizeMinute clamps m to 0..59 and floors it to a 15-minute boundary.
func QuantizeMinute(m int) int {
	m = int(clampInt(int64(m), 0, 59))
	return m - m%15
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NaN collapses to lo.
func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Patch is a partial update. Nil fields are left alone. A non-nil Preset
// resets the plan fields to that preset's defaults before the other fields
// apply.
type Patch struct {
	Preset             *string  `json:"preset,omitempty"`
	CostMultiplier     *float64 `json:"cost_multiplier,omitempty"`
	MonthlyGrant       *int64   `json:"monthly_grant,omitempty"`
	MaxPerMessage      *int64   `json:"max_per_message,omitempty"`
	DailyLimit         *int64   `json:"daily_limit,omitempty"`
	MonthlyResetDay    *int     `json:"monthly_reset_day,omitempty"`
	MonthlyResetHour   *int     `json:"monthly_reset_hour,omitempty"`
	MonthlyResetMinute *int     `json:"monthly_reset_minute,omitempty"`

	RiskBufferPct   *float64 `json:"risk_buffer_pct,omitempty"`
	TargetMarginPct *float64 `json:"target_margin_pct,omitempty"`
	MinimumCTDebit  *int64   `json:"minimum_ct_debit,omitempty"`
}

// Apply returns s with p applied and clamped.
func (p Patch) Apply(s Settings) Settings {
	if p.Preset != nil {
		d := PresetDefaults(*p.Preset)
		s.Preset = d.Preset
		s.CostMultiplier = d.CostMultiplier
		s.MonthlyGrant = d.MonthlyGrant
		s.MaxPerMessage = d.MaxPerMessage
		s.DailyLimit = d.DailyLimit
		s.MonthlyResetDay = d.MonthlyResetDay
		s.MonthlyResetHour = d.MonthlyResetHour
		s.MonthlyResetMinute = d.MonthlyResetMinute
	}
	if p.CostMultiplier != nil {
		s.CostMultiplier = *p.CostMultiplier
	}
	if p.MonthlyGrant != nil {
		s.MonthlyGrant = *p.MonthlyGrant
	}
	if p.MaxPerMessage != nil {
		s.MaxPerMessage = *p.MaxPerMessage
	}
	if p.DailyLimit != nil {
		s.DailyLimit = *p.DailyLimit
	}
	if p.MonthlyResetDay != nil {
		s.MonthlyResetDay = *p.MonthlyResetDay
	}
	if p.MonthlyResetHour != nil {
		s.MonthlyResetHour = *p.MonthlyResetHour
	}
	if p.MonthlyResetMinute != nil {
		s.MonthlyResetMinute = *p.MonthlyResetMinute
	}
	if p.RiskBufferPct != nil {
		s.RiskBufferPct = *p.RiskBufferPct
	}
	if p.TargetMarginPct != nil {
		s.TargetMarginPct = *p.TargetMarginPct
	}
	if p.MinimumCTDebit != nil {
		s.MinimumCTDebit = *p.MinimumCTDebit
	}
	return s.Clamp()
}

// Merge returns p overlaid by every field set in over.
func (p Patch) Merge(over Patch) Patch {
	pick := func(dst **float64, src *float64) {
		if src != nil {
			*dst = src
		}
	}
	pick64 := func(dst **int64, src *int64) {
		if src != nil {
			*dst = src
		}
	}
	pickInt := func(dst **int, src *int) {
		if src != nil {
			*dst = src
		}
	}
	if over.Preset != nil {
		p.Preset = over.Preset
	}
	pick(&p.CostMultiplier, over.CostMultiplier)
	pick64(&p.MonthlyGrant, over.MonthlyGrant)
	pick64(&p.MaxPerMessage, over.MaxPerMessage)
	pick64(&p.DailyLimit, over.DailyLimit)
	pickInt(&p.MonthlyResetDay, over.MonthlyResetDay)
	pickInt(&p.MonthlyResetHour, over.MonthlyResetHour)
	pickInt(&p.MonthlyResetMinute, over.MonthlyResetMinute)
	pick(&p.RiskBufferPct, over.RiskBufferPct)
	pick(&p.TargetMarginPct, over.TargetMarginPct)
	pick64(&p.MinimumCTDebit, over.MinimumCTDebit)
	return p
}

// Empty reports whether p sets no field.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Resolve builds the effective settings from a stored (possibly partial)
// document: the stored preset's defaults, overlaid by stored fields.
func Resolve(stored Patch) Settings {
	base := Defaults()
	if stored.Preset != nil {
		base = PresetDefaults(*stored.Preset)
	}
	stored.Preset = nil
	return stored.Apply(base)
}
