package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/pricing"
)

const priceColumns = `id, provider, model, region, version,
	input_price_per_1k_usd, output_price_per_1k_usd, tool_call_price_usd, connector_call_price_usd,
	effective_from, effective_to, is_active, source`

func scanEntry(row scanner) (*pricing.Entry, error) {
	var (
		e  pricing.Entry
		to sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Provider, &e.Model, &e.Region, &e.Version,
		&e.InputPer1KUSD, &e.OutputPer1KUSD, &e.ToolCallUSD, &e.ConnectorCallUSD,
		&e.EffectiveFrom, &to, &e.Active, &e.Source)
	if err != nil {
		return nil, err
	}
	e.EffectiveFrom = e.EffectiveFrom.UTC()
	e.EffectiveTo = timePtr(to)
	return &e, nil
}

// PriceAt prefers the exact region over the unknown-region fallback, then
// the latest effective_from, then the highest version.
func (s *Store) PriceAt(ctx context.Context, provider, model, region string, at time.Time) (*pricing.Entry, error) {
	key := pricing.ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
	e, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+`
		FROM pricing_catalog
		WHERE provider = $1 AND model = $2 AND region IN ($3, 'unknown')
		  AND effective_from <= $4
		  AND (effective_to > $4 OR (effective_to IS NULL AND is_active))
		ORDER BY (region = $3) DESC, effective_from DESC, version DESC
		LIMIT 1
	`, key.Provider, key.Model, key.Region, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pricing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pricing query failed: %w", err)
	}
	return e, nil
}

// PublishPrice closes the current row of the key and inserts the next
// version in one transaction. Publishers of the same (provider, model) are
// serialized by an advisory lock so versions never collide.
func (s *Store) PublishPrice(ctx context.Context, e pricing.Entry) (*pricing.Entry, error) {
	key := pricing.ModelKey{Provider: e.Provider, Model: e.Model, Region: e.Region}.Normalize()
	from := e.EffectiveFrom
	if from.IsZero() {
		from = s.now().UTC()
	}
	source := e.Source
	if source == "" {
		source = pricing.SourceManual
	}

	var out *pricing.Entry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended('ctmeter:pricing:' || $1 || ':' || $2, 0))`,
			key.Provider, key.Model); err != nil {
			return fmt.Errorf("lock catalog key: %w", err)
		}

		var version int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM pricing_catalog WHERE provider = $1 AND model = $2`,
			key.Provider, key.Model).Scan(&version); err != nil {
			return fmt.Errorf("read catalog version: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE pricing_catalog SET is_active = FALSE, effective_to = $4
			WHERE provider = $1 AND model = $2 AND region = $3
			  AND is_active AND effective_to IS NULL
		`, key.Provider, key.Model, key.Region, from); err != nil {
			return fmt.Errorf("close current price: %w", err)
		}

		row := e
		row.Provider, row.Model, row.Region = key.Provider, key.Model, key.Region
		row.Version = version + 1
		row.EffectiveFrom = from
		row.EffectiveTo = nil
		row.Active = true
		row.Source = source
		err := tx.QueryRowContext(ctx, `
			INSERT INTO pricing_catalog (
				provider, model, region, version,
				input_price_per_1k_usd, output_price_per_1k_usd, tool_call_price_usd, connector_call_price_usd,
				effective_from, is_active, source
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)
			RETURNING id
		`, row.Provider, row.Model, row.Region, row.Version,
			row.InputPer1KUSD, row.OutputPer1KUSD, row.ToolCallUSD, row.ConnectorCallUSD,
			row.EffectiveFrom, row.Source).Scan(&row.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("concurrent publish for %s/%s/%s: %w", key.Provider, key.Model, key.Region, err)
		}
		if err != nil {
			return fmt.Errorf("insert price: %w", err)
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LatestEffectiveTo(ctx context.Context, provider, model, region string) (*time.Time, error) {
	key := pricing.ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
	var to sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(effective_to) FROM pricing_catalog
		WHERE provider = $1 AND model = $2 AND region IN ($3, 'unknown')
	`, key.Provider, key.Model, key.Region).Scan(&to); err != nil {
		return nil, fmt.Errorf("query latest effective_to: %w", err)
	}
	return timePtr(to), nil
}

func (s *Store) ObservedModels(ctx context.Context, since time.Time) ([]pricing.ModelKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT
			LOWER(TRIM(provider)),
			LOWER(TRIM(model)),
			COALESCE(NULLIF(LOWER(TRIM(region)), ''), 'unknown')
		FROM usage_ledger
		WHERE `+shadowRows+` AND created_at >= $1
		  AND TRIM(provider) <> '' AND TRIM(model) <> ''
		ORDER BY 1, 2, 3
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query observed models: %w", err)
	}
	defer rows.Close()

	var out []pricing.ModelKey
	for rows.Next() {
		var k pricing.ModelKey
		if err := rows.Scan(&k.Provider, &k.Model, &k.Region); err != nil {
			return nil, fmt.Errorf("scan observed model: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

const rateColumns = `id, ct_value_usd, version, effective_from, effective_to, is_active, notes`

func scanRate(row scanner) (*ctrate.Rate, error) {
	var (
		r  ctrate.Rate
		to sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.CTValueUSD, &r.Version, &r.EffectiveFrom, &to, &r.Active, &r.Notes); err != nil {
		return nil, err
	}
	r.EffectiveFrom = r.EffectiveFrom.UTC()
	r.EffectiveTo = timePtr(to)
	return &r, nil
}

func (s *Store) RateAt(ctx context.Context, at time.Time) (*ctrate.Rate, error) {
	r, err := scanRate(s.db.QueryRowContext(ctx, `
		SELECT `+rateColumns+`
		FROM ct_rates
		WHERE effective_from <= $1
		  AND (effective_to > $1 OR (effective_to IS NULL AND is_active))
		ORDER BY effective_from DESC, version DESC
		LIMIT 1
	`, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ctrate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit rate query failed: %w", err)
	}
	return r, nil
}

const currentRate = `
	SELECT ` + rateColumns + `
	FROM ct_rates
	WHERE is_active AND effective_to IS NULL
	ORDER BY version DESC
	LIMIT 1`

func (s *Store) CurrentRate(ctx context.Context) (*ctrate.Rate, error) {
	r, err := scanRate(s.db.QueryRowContext(ctx, currentRate))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ctrate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit rate query failed: %w", err)
	}
	return r, nil
}

// RotateRate locks the current row, closes it at rot.At and inserts the
// next version.
func (s *Store) RotateRate(ctx context.Context, rot ctrate.Rotation) (*ctrate.Rate, error) {
	at := rot.At
	if at.IsZero() {
		at = s.now().UTC()
	}

	var next *ctrate.Rate
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanRate(tx.QueryRowContext(ctx, currentRate+` FOR UPDATE`))
		if errors.Is(err, sql.ErrNoRows) {
			return ctrate.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock current rate: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE ct_rates SET is_active = FALSE, effective_to = $1 WHERE id = $2`,
			at, cur.ID); err != nil {
			return fmt.Errorf("close current rate: %w", err)
		}

		r := &ctrate.Rate{
			CTValueUSD:    rot.CTValueUSD,
			Version:       cur.Version + 1,
			EffectiveFrom: at,
			Active:        true,
			Notes:         rot.Notes,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO ct_rates (ct_value_usd, version, effective_from, is_active, notes)
			VALUES ($1, $2, $3, TRUE, $4)
			RETURNING id
		`, r.CTValueUSD, r.Version, r.EffectiveFrom, r.Notes).Scan(&r.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("concurrent rate rotation: %w", err)
		}
		if err != nil {
			return fmt.Errorf("insert rate: %w", err)
		}
		next = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// EnsureRate inserts version 1 when the table is empty. Concurrent callers
// race on the unique version and the loser's insert is ignored.
func (s *Store) EnsureRate(ctx context.Context, initial ctrate.Rate) (*ctrate.Rate, error) {
	from := initial.EffectiveFrom
	if from.IsZero() {
		from = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ct_rates (ct_value_usd, version, effective_from, is_active, notes)
		SELECT $1, 1, $2, TRUE, $3
		WHERE NOT EXISTS (SELECT 1 FROM ct_rates)
		ON CONFLICT DO NOTHING
	`, initial.CTValueUSD, from, initial.Notes)
	if err != nil {
		return nil, fmt.Errorf("seed credit rate: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info().Float64("ct_value_usd", initial.CTValueUSD).Msg("initial credit rate seeded")
	}
	return s.CurrentRate(ctx)
}

func (s *Store) ListRates(ctx context.Context, limit int) ([]ctrate.Rate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rateColumns+`
		FROM ct_rates
		ORDER BY version DESC
		LIMIT $1
	`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query credit rates: %w", err)
	}
	defer rows.Close()

	var out []ctrate.Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit rate: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
