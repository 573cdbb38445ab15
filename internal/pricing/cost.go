package pricing

import (
	"github.com/shopspring/decimal"
)

var per1K = decimal.NewFromInt(1000)

// Usage is the metered quantity of one request.
type Usage struct {
	InputTokens    int64
	OutputTokens   int64
	ToolCalls      int64
	ConnectorCalls int64
}

// Cost prices u against the entry.
func (e Entry) Cost(u Usage) decimal.Decimal {
	in := decimal.NewFromInt(u.InputTokens).Mul(decimal.NewFromFloat(e.InputPer1KUSD)).Div(per1K)
	out := decimal.NewFromInt(u.OutputTokens).Mul(decimal.NewFromFloat(e.OutputPer1KUSD)).Div(per1K)
	tools := decimal.NewFromInt(u.ToolCalls).Mul(decimal.NewFromFloat(e.ToolCallUSD))
	connectors := decimal.NewFromInt(u.ConnectorCalls).Mul(decimal.NewFromFloat(e.ConnectorCallUSD))
	return in.Add(out).Add(tools).Add(connectors)
}

// Margins are the per-user shadow knobs applied on top of raw cost.
type Margins struct {
	RiskBufferPct   float64
	TargetMarginPct float64
	MinimumCTDebit  int64
}

// Billable returns (cost + overhead) * (1 + risk buffer + target margin).
func Billable(cost, overhead decimal.Decimal, m Margins) decimal.Decimal {
	factor := decimal.NewFromInt(1).
		Add(decimal.NewFromFloat(m.RiskBufferPct)).
		Add(decimal.NewFromFloat(m.TargetMarginPct))
	return cost.Add(overhead).Mul(factor)
}

// CTDebit converts a billable USD amount into credits at ctValueUSD per
// credit, rounding up, never below minimum. It returns false when the rate
// is not usable.
func CTDebit(billable decimal.Decimal, ctValueUSD float64, minimum int64) (int64, bool) {
	if ctValueUSD <= 0 {
		return 0, false
	}
	ct := billable.Div(decimal.NewFromFloat(ctValueUSD)).Ceil().IntPart()
	if ct < minimum {
		ct = minimum
	}
	return ct, true
}
