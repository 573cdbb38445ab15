package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelpejol/ctmeter/internal/ledger"
)

var eventColumns = []string{
	"id", "request_id", "user_id", "client_id", "workspace_id",
	"event_type", "amount", "description",
	"agent_id", "run_id", "step_id", "trace_id",
	"provider", "model", "region", "model_class",
	"input_tokens", "output_tokens", "tool_calls", "connector_calls", "latency_ms",
	"status", "error_code",
	"cost_estimate_usd", "cost_final_usd",
	"billable_usd", "ct_shadow_debit", "ct_actual_debit",
	"risk_buffer_pct", "target_margin_pct", "minimum_ct_debit",
	"pricing_catalog_id", "ct_rate_id",
	"meta_json", "created_at",
}

var selectEvent = "SELECT " + strings.Join(eventColumns, ", ") + " FROM usage_ledger"

// shadowRows restricts a query to telemetry rows.
const shadowRows = `amount = 0 AND event_type NOT IN ('monthly_grant', 'topup')`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*ledger.Event, error) {
	var (
		ev                                           ledger.Event
		clientID, shadow, actual, minimum, pcID, rid sql.NullInt64
		billable, rb, tm                             sql.NullFloat64
	)
	err := row.Scan(
		&ev.ID, &ev.RequestID, &ev.UserID, &clientID, &ev.WorkspaceID,
		&ev.EventType, &ev.Amount, &ev.Description,
		&ev.AgentID, &ev.RunID, &ev.StepID, &ev.TraceID,
		&ev.Provider, &ev.Model, &ev.Region, &ev.ModelClass,
		&ev.InputTokens, &ev.OutputTokens, &ev.ToolCalls, &ev.ConnectorCalls, &ev.LatencyMs,
		&ev.Status, &ev.ErrorCode,
		&ev.CostEstimateUSD, &ev.CostFinalUSD,
		&billable, &shadow, &actual,
		&rb, &tm, &minimum,
		&pcID, &rid,
		&ev.MetaJSON, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.ClientID = int64Ptr(clientID)
	ev.BillableUSD = float64Ptr(billable)
	ev.CTShadowDebit = int64Ptr(shadow)
	ev.CTActualDebit = int64Ptr(actual)
	ev.RiskBufferPct = float64Ptr(rb)
	ev.TargetMarginPct = float64Ptr(tm)
	ev.MinimumCTDebit = int64Ptr(minimum)
	ev.PricingCatalogID = int64Ptr(pcID)
	ev.CTRateID = int64Ptr(rid)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]ledger.Event, error) {
	defer rows.Close()
	var out []ledger.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// insertEvent writes ev unless its request_id is taken. It reports whether
// a row was written and sets ev.ID.
func (s queries) insertEvent(ctx context.Context, ev *ledger.Event, now time.Time) (bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.Status == "" {
		ev.Status = ledger.StatusOK
	}
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO usage_ledger (
			request_id, user_id, client_id, workspace_id,
			event_type, amount, description,
			agent_id, run_id, step_id, trace_id,
			provider, model, region, model_class,
			input_tokens, output_tokens, tool_calls, connector_calls, latency_ms,
			status, error_code, cost_estimate_usd, cost_final_usd,
			meta_json, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
		ON CONFLICT (request_id) WHERE request_id <> '' DO NOTHING
		RETURNING id
	`, ev.RequestID, ev.UserID, ev.ClientID, ev.WorkspaceID,
		ev.EventType, ev.Amount, ev.Description,
		ev.AgentID, ev.RunID, ev.StepID, ev.TraceID,
		ev.Provider, ev.Model, ev.Region, ev.ModelClass,
		ev.InputTokens, ev.OutputTokens, ev.ToolCalls, ev.ConnectorCalls, ev.LatencyMs,
		ev.Status, ev.ErrorCode, ev.CostEstimateUSD, ev.CostFinalUSD,
		ev.MetaJSON, ev.CreatedAt,
	).Scan(&ev.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	return true, nil
}

func (s *Store) InsertPending(ctx context.Context, ev *ledger.Event) (bool, error) {
	return s.insertEvent(ctx, ev, s.now().UTC())
}

func (s queries) EventByRequestID(ctx context.Context, requestID string) (*ledger.Event, error) {
	ev, err := scanEvent(s.q.QueryRowContext(ctx, selectEvent+` WHERE request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger row %q: %w", requestID, err)
	}
	return ev, nil
}

func (s *Store) UpdateTelemetry(ctx context.Context, id int64, t ledger.Telemetry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage_ledger SET
			status = $1,
			error_code = $2,
			input_tokens = $3,
			output_tokens = $4,
			tool_calls = $5,
			connector_calls = $6,
			latency_ms = $7,
			cost_final_usd = $8,
			billable_usd = $9,
			ct_shadow_debit = $10,
			risk_buffer_pct = $11,
			target_margin_pct = $12,
			minimum_ct_debit = $13,
			pricing_catalog_id = $14,
			ct_rate_id = $15,
			meta_json = $16
		WHERE id = $17
	`, t.Status, t.ErrorCode, t.InputTokens, t.OutputTokens, t.ToolCalls, t.ConnectorCalls, t.LatencyMs,
		t.CostFinalUSD, t.BillableUSD, t.CTShadowDebit,
		t.RiskBufferPct, t.TargetMarginPct, t.MinimumCTDebit,
		t.PricingCatalogID, t.CTRateID, t.MetaJSON, id)
	if err != nil {
		return fmt.Errorf("update telemetry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update telemetry: %w", err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) EventsMissingTelemetry(ctx context.Context, since time.Time, limit int) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvent+`
		WHERE `+shadowRows+` AND created_at >= $1 AND billable_usd IS NULL
		ORDER BY id
		LIMIT $2
	`, since, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query rows missing telemetry: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) RecentEvents(ctx context.Context, since time.Time, limit int) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvent+`
		WHERE `+shadowRows+` AND created_at >= $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, since, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent rows: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) SummarizeTelemetry(ctx context.Context, since time.Time) (ledger.Summary, error) {
	var sum ledger.Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE pricing_catalog_id IS NOT NULL),
			COUNT(*) FILTER (WHERE pricing_catalog_id IS NULL),
			COUNT(*) FILTER (WHERE ct_rate_id IS NULL),
			COUNT(*) FILTER (WHERE billable_usd IS NULL),
			COUNT(*) FILTER (WHERE status = 'error'),
			COALESCE(SUM(cost_final_usd), 0),
			COALESCE(SUM(billable_usd), 0),
			COALESCE(SUM(ct_shadow_debit), 0),
			COALESCE(SUM(ct_actual_debit), 0)
		FROM usage_ledger
		WHERE `+shadowRows+` AND created_at >= $1
	`, since).Scan(
		&sum.Rows, &sum.Priced, &sum.PricingMissing, &sum.RateMissing,
		&sum.MissingBillable, &sum.Errors,
		&sum.CostFinalUSD, &sum.BillableUSD, &sum.CTShadowDebit, &sum.CTActualDebit,
	)
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("summarize telemetry: %w", err)
	}
	return sum, nil
}
