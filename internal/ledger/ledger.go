// Package ledger records shadow usage telemetry into the append-only usage ledger.
//
// Every billable-ish occurrence in the product (a chat message, a flow run, an
// agent call) is written to the ledger in two phases:
//
//  1. Preflight - before any work is done, a pending row is created under the
//     caller's idempotency key (request_id). Retries of the same key are no-ops.
//  2. Finalize - after the work completes (successfully or not), the row is
//     enriched with token counts, latency and cost. Cost is attributed from the
//     pricing catalog and converted to a shadow credit debit using the credit
//     rate that was effective when the row was created.
//
// The shadow numbers never move a user's balance. Real debits go through the
// wallet package, which writes its own ledger rows with a non-zero amount.
//
// Failure policy: nothing in this package is allowed to break the business
// operation it observes. Preflight and Finalize have no error return; storage
// problems, missing pricing and missing rates are logged and absorbed, and the
// row ends up with NULL telemetry plus a diagnostic note in meta_json.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no row matches the lookup.
var ErrNotFound = errors.New("ledger: event not found")

// ErrDuplicate is returned when appending a row whose request_id exists.
var ErrDuplicate = errors.New("ledger: duplicate request id")

// Event types written by the metering subsystem and its collaborators.
const (
	EventChatMessage  = "chat_message"
	EventRunFlow      = "run_flow"
	EventAgentCall    = "agent_call"
	EventMonthlyGrant = "monthly_grant"
	EventTopup        = "topup"
)

// Row status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Column defaults carried over for rows whose caller did not say.
const (
	DefaultProvider   = "mock"
	DefaultModel      = "mock"
	DefaultRegion     = "unknown"
	DefaultModelClass = "auto"
)

// Event is one usage_ledger row.
//
// Amount is the only field the real balance computation sums. Everything from
// Provider onwards is shadow telemetry; the pointer fields stay nil until a
// finalize computation fills them in.
type Event struct {
	ID          int64  `json:"id"`
	RequestID   string `json:"request_id,omitempty"`
	UserID      int64  `json:"user_id"`
	ClientID    *int64 `json:"client_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	EventType   string `json:"event_type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`

	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Region     string `json:"region"`
	ModelClass string `json:"model_class"`

	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	ToolCalls      int64  `json:"tool_calls"`
	ConnectorCalls int64  `json:"connector_calls"`
	LatencyMs      int64  `json:"latency_ms"`
	Status         string `json:"status"`
	ErrorCode      string `json:"error_code,omitempty"`

	CostEstimateUSD float64 `json:"cost_estimate_usd"`
	CostFinalUSD    float64 `json:"cost_final_usd"`

	BillableUSD      *float64 `json:"billable_usd"`
	CTShadowDebit    *int64   `json:"ct_shadow_debit"`
	CTActualDebit    *int64   `json:"ct_actual_debit"`
	RiskBufferPct    *float64 `json:"risk_buffer_pct"`
	TargetMarginPct  *float64 `json:"target_margin_pct"`
	MinimumCTDebit   *int64   `json:"minimum_ct_debit"`
	PricingCatalogID *int64   `json:"pricing_catalog_id"`
	CTRateID         *int64   `json:"ct_rate_id"`

	MetaJSON  string    `json:"meta_json,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsShadow reports whether the row is a telemetry row rather than a real
// balance movement.
func (e Event) IsShadow() bool {
	return e.Amount == 0 && e.EventType != EventMonthlyGrant && e.EventType != EventTopup
}

// Telemetry is the set of columns rewritten by a single finalize UPDATE.
type Telemetry struct {
	Status         string
	ErrorCode      string
	InputTokens    int64
	OutputTokens   int64
	ToolCalls      int64
	ConnectorCalls int64
	LatencyMs      int64

	CostFinalUSD     float64
	BillableUSD      *float64
	CTShadowDebit    *int64
	RiskBufferPct    float64
	TargetMarginPct  float64
	MinimumCTDebit   int64
	PricingCatalogID *int64
	CTRateID         *int64

	MetaJSON string
}

// Summary aggregates shadow rows over a window for the cost telemetry dump.
type Summary struct {
	Rows            int64   `json:"rows"`
	Priced          int64   `json:"priced"`
	PricingMissing  int64   `json:"pricing_missing"`
	RateMissing     int64   `json:"ct_rate_missing"`
	MissingBillable int64   `json:"missing_billable"`
	Errors          int64   `json:"errors"`
	CostFinalUSD    float64 `json:"cost_final_usd"`
	BillableUSD     float64 `json:"billable_usd"`
	CTShadowDebit   int64   `json:"ct_shadow_debit"`
	CTActualDebit   int64   `json:"ct_actual_debit"`
}

// Store persists ledger rows.
//
// InsertPending must have insert-or-ignore semantics on a non-empty
// request_id: it reports false, without error, when the key already exists.
// EventsMissingTelemetry, RecentEvents and SummarizeTelemetry only consider
// shadow rows (see Event.IsShadow) created at or after since.
type Store interface {
	InsertPending(ctx context.Context, ev *Event) (bool, error)
	EventByRequestID(ctx context.Context, requestID string) (*Event, error)
	UpdateTelemetry(ctx context.Context, id int64, t Telemetry) error
	EventsMissingTelemetry(ctx context.Context, since time.Time, limit int) ([]Event, error)
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]Event, error)
	SummarizeTelemetry(ctx context.Context, since time.Time) (Summary, error)
}
