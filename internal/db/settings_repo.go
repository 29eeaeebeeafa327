package db

import (
	"context"

	"planforge/internal/types"
)

// SettingsRepository reads operator overrides from app_settings.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a SettingsRepository.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// LoadSettings returns every key/value row.
func (r *SettingsRepository) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM app_settings`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan setting", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate settings", err)
	}
	return out, nil
}

// Upsert writes one setting.
func (r *SettingsRepository) Upsert(ctx context.Context, key, value string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO app_settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert setting", err)
	}
	return nil
}
