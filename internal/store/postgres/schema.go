package postgres

import (
	"context"
	"fmt"
)

// migrations run in order on every start. Each statement is idempotent, so
// a partially migrated database converges on the next run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS usage_ledger (
		id                 BIGSERIAL PRIMARY KEY,
		request_id         TEXT NOT NULL DEFAULT '',
		user_id            BIGINT NOT NULL,
		client_id          BIGINT,
		event_type         TEXT NOT NULL,
		amount             BIGINT NOT NULL DEFAULT 0,
		description        TEXT NOT NULL DEFAULT '',
		agent_id           TEXT NOT NULL DEFAULT '',
		run_id             TEXT NOT NULL DEFAULT '',
		step_id            TEXT NOT NULL DEFAULT '',
		trace_id           TEXT NOT NULL DEFAULT '',
		provider           TEXT NOT NULL DEFAULT 'mock',
		model              TEXT NOT NULL DEFAULT 'mock',
		region             TEXT NOT NULL DEFAULT 'unknown',
		model_class        TEXT NOT NULL DEFAULT 'auto',
		input_tokens       BIGINT NOT NULL DEFAULT 0,
		output_tokens      BIGINT NOT NULL DEFAULT 0,
		tool_calls         BIGINT NOT NULL DEFAULT 0,
		connector_calls    BIGINT NOT NULL DEFAULT 0,
		latency_ms         BIGINT NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'ok',
		error_code         TEXT NOT NULL DEFAULT '',
		cost_estimate_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_final_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
		billable_usd       DOUBLE PRECISION,
		ct_shadow_debit    BIGINT,
		risk_buffer_pct    DOUBLE PRECISION,
		target_margin_pct  DOUBLE PRECISION,
		minimum_ct_debit   BIGINT,
		pricing_catalog_id BIGINT,
		ct_rate_id         BIGINT,
		meta_json          TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// Columns added after the first release.
	`ALTER TABLE usage_ledger ADD COLUMN IF NOT EXISTS workspace_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE usage_ledger ADD COLUMN IF NOT EXISTS ct_actual_debit BIGINT`,
	`CREATE UNIQUE INDEX IF NOT EXISTS usage_ledger_request_id_key
		ON usage_ledger (request_id) WHERE request_id <> ''`,
	`CREATE INDEX IF NOT EXISTS usage_ledger_user_created_idx ON usage_ledger (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS usage_ledger_user_event_type_idx ON usage_ledger (user_id, event_type)`,
	`CREATE INDEX IF NOT EXISTS usage_ledger_created_idx ON usage_ledger (created_at)`,
	`CREATE INDEX IF NOT EXISTS usage_ledger_workspace_created_idx
		ON usage_ledger (workspace_id, created_at) WHERE workspace_id <> ''`,

	`CREATE TABLE IF NOT EXISTS pricing_catalog (
		id                       BIGSERIAL PRIMARY KEY,
		provider                 TEXT NOT NULL,
		model                    TEXT NOT NULL,
		region                   TEXT NOT NULL DEFAULT 'unknown',
		version                  BIGINT NOT NULL,
		input_price_per_1k_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
		output_price_per_1k_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
		tool_call_price_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		connector_call_price_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		effective_from           TIMESTAMPTZ NOT NULL,
		effective_to             TIMESTAMPTZ,
		is_active                BOOLEAN NOT NULL DEFAULT TRUE,
		source                   TEXT NOT NULL DEFAULT 'manual',
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS pricing_catalog_current_key
		ON pricing_catalog (provider, model, region) WHERE is_active AND effective_to IS NULL`,
	`CREATE INDEX IF NOT EXISTS pricing_catalog_lookup_idx
		ON pricing_catalog (provider, model, region, effective_from DESC)`,

	`CREATE TABLE IF NOT EXISTS ct_rates (
		id             BIGSERIAL PRIMARY KEY,
		ct_value_usd   DOUBLE PRECISION NOT NULL CHECK (ct_value_usd > 0),
		version        BIGINT NOT NULL UNIQUE,
		effective_from TIMESTAMPTZ NOT NULL,
		effective_to   TIMESTAMPTZ,
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		notes          TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ct_rates_single_current
		ON ct_rates ((TRUE)) WHERE is_active AND effective_to IS NULL`,

	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id       BIGINT PRIMARY KEY,
		settings_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	s.log.Info().Int("statements", len(migrations)).Msg("schema migrated")
	return nil
}
