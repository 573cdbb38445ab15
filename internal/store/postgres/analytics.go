package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/recommend"
)

// Coverage aggregates ok rows for calibration.
func (s *Store) Coverage(ctx context.Context, since time.Time) (calibration.Coverage, error) {
	var c calibration.Coverage
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE input_tokens + output_tokens > 0),
			COUNT(*) FILTER (WHERE billable_usd > 0),
			COALESCE(SUM(ct_actual_debit), 0),
			COALESCE(SUM(ct_shadow_debit), 0),
			COALESCE(SUM(billable_usd) FILTER (WHERE billable_usd > 0), 0),
			COALESCE(SUM(cost_final_usd), 0)
		FROM usage_ledger
		WHERE status = 'ok' AND created_at >= $1
	`, since).Scan(
		&c.Rows, &c.RowsWithTokens, &c.RowsWithBillable,
		&c.CTActualSum, &c.CTShadowSum, &c.BillableSumUSD, &c.CostFinalSumUSD,
	)
	if err != nil {
		return calibration.Coverage{}, fmt.Errorf("coverage query failed: %w", err)
	}
	return c, nil
}

func (s *Store) UsageSamples(ctx context.Context, since time.Time) ([]recommend.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TRIM(workspace_id), cost_final_usd, output_tokens, latency_ms, COALESCE(ct_actual_debit, 0)
		FROM usage_ledger
		WHERE status = 'ok' AND created_at >= $1 AND input_tokens + output_tokens > 0
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage samples query failed: %w", err)
	}
	defer rows.Close()

	var out []recommend.Sample
	for rows.Next() {
		var smp recommend.Sample
		if err := rows.Scan(&smp.WorkspaceID, &smp.CostFinalUSD, &smp.OutputTokens, &smp.LatencyMs, &smp.CTActualDebit); err != nil {
			return nil, fmt.Errorf("scan usage sample: %w", err)
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
