package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kelpejol/ctmeter/internal/economy"
)

// LoadDocument returns an empty document for a user without a row.
func (s *Store) LoadDocument(ctx context.Context, userID int64) (economy.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT settings_json FROM user_settings WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings query failed: %w", err)
	}
	doc := economy.Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode settings document: %w", err)
	}
	return doc, nil
}

func (s *Store) SaveDocument(ctx context.Context, userID int64, doc economy.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode settings document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings_json)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET settings_json = EXCLUDED.settings_json, updated_at = NOW()
	`, userID, string(raw))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
