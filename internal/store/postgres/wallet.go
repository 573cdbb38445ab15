package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/pricing"
	"github.com/kelpejol/ctmeter/internal/recommend"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

func (s queries) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM usage_ledger WHERE user_id = $1`,
		userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func (s queries) DebitTotals(ctx context.Context, userID int64, since time.Time) (int64, int64, error) {
	var sum, count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0), COUNT(*)
		FROM usage_ledger
		WHERE user_id = $1 AND amount < 0 AND created_at >= $2
	`, userID, since).Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("debit totals query failed: %w", err)
	}
	return sum, count, nil
}

func (s queries) DebitsByEventType(ctx context.Context, userID int64, since time.Time) (map[string]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT event_type, SUM(-amount)
		FROM usage_ledger
		WHERE user_id = $1 AND amount < 0 AND created_at >= $2
		GROUP BY event_type
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("debits by type query failed: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			eventType string
			sum       int64
		)
		if err := rows.Scan(&eventType, &sum); err != nil {
			return nil, fmt.Errorf("scan debit total: %w", err)
		}
		out[eventType] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (s queries) GrantExists(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM usage_ledger
			WHERE user_id = $1 AND event_type = 'monthly_grant'
			  AND created_at >= $2 AND created_at < $3
		)
	`, userID, from, to).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grant lookup failed: %w", err)
	}
	return exists, nil
}

func (s queries) WorkspaceDebits(ctx context.Context, workspaceID string, since time.Time) (int64, error) {
	var sum int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM usage_ledger
		WHERE workspace_id = $1 AND amount < 0 AND created_at >= $2
	`, workspaceID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("workspace debits query failed: %w", err)
	}
	return sum, nil
}

// InUserTx runs fn in a transaction holding the user's advisory lock until
// commit or rollback.
func (s *Store) InUserTx(ctx context.Context, userID int64, fn func(wallet.Tx) error) error {
	return s.inTx(ctx, func(sqlTx *sql.Tx) error {
		if _, err := sqlTx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended('ctmeter:user:' || $1::text, 0))`,
			userID); err != nil {
			return fmt.Errorf("lock user %d: %w", userID, err)
		}
		return fn(&tx{queries: queries{q: sqlTx}, now: s.now})
	})
}

type tx struct {
	queries
	now func() time.Time
}

func (t *tx) Append(ctx context.Context, ev *ledger.Event) error {
	ok, err := t.insertEvent(ctx, ev, t.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrDuplicate
	}
	return nil
}

func (t *tx) SetActualDebit(ctx context.Context, requestID string, ct int64) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE usage_ledger SET ct_actual_debit = $1 WHERE request_id = $2`,
		ct, requestID)
	if err != nil {
		return fmt.Errorf("set actual debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set actual debit: %w", err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ pricing.Store     = (*Store)(nil)
	_ ctrate.Store      = (*Store)(nil)
	_ economy.Store     = (*Store)(nil)
	_ wallet.Store      = (*Store)(nil)
	_ calibration.Store = (*Store)(nil)
	_ recommend.Store   = (*Store)(nil)
	_ wallet.Tx         = (*tx)(nil)
)
