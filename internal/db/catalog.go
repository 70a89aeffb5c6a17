package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const modelColumns = `id, model_id, display_name, provider, tier, is_active, limits, capabilities, pricing, metadata, last_synced, created_at, updated_at`

func (s *SQLStore) UpsertModel(ctx context.Context, rec *ModelRecord) (bool, error) {
	defer metrics.ObserveQuery("upsert_model", time.Now())

	for _, j := range []*types.JSONText{&rec.Limits, &rec.Capabilities, &rec.Pricing, &rec.Metadata} {
		if len(*j) == 0 {
			*j = types.JSONText("{}")
		}
	}
	now := Now()
	if rec.LastSynced.IsZero() {
		rec.LastSynced = now
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.GetContext(ctx, &existing, tx.Rebind(`SELECT id FROM ai_models WHERE model_id = ?`), rec.ModelID)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("lookup model %q: %w", rec.ModelID, err)
	}

	if created {
		rec.CreatedAt, rec.UpdatedAt = now, now
		q := tx.Rebind(`INSERT INTO ai_models(model_id, display_name, provider, tier, is_active, limits, capabilities, pricing, metadata, last_synced, created_at, updated_at)
            VALUES(?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`)
		if err := tx.GetContext(ctx, &rec.ID, q,
			rec.ModelID, rec.DisplayName, rec.Provider, rec.Tier, rec.IsActive,
			rec.Limits, rec.Capabilities, rec.Pricing, rec.Metadata, rec.LastSynced, now, now,
		); err != nil {
			return false, fmt.Errorf("insert model %q: %w", rec.ModelID, err)
		}
	} else {
		rec.ID, rec.UpdatedAt = existing, now
		q := tx.Rebind(`UPDATE ai_models SET display_name = ?, provider = ?, tier = ?, is_active = ?, limits = ?,
            capabilities = ?, pricing = ?, metadata = ?, last_synced = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q,
			rec.DisplayName, rec.Provider, rec.Tier, rec.IsActive, rec.Limits,
			rec.Capabilities, rec.Pricing, rec.Metadata, rec.LastSynced, now, existing,
		); err != nil {
			return false, fmt.Errorf("update model %q: %w", rec.ModelID, err)
		}
	}
	return created, tx.Commit()
}

func (s *SQLStore) DeactivateModelsExcept(ctx context.Context, provider string, keep []string) (int, error) {
	defer metrics.ObserveQuery("deactivate_models", time.Now())

	q := `UPDATE ai_models SET is_active = ?, updated_at = ? WHERE provider = ? AND is_active = ?`
	args := []any{false, Now(), provider, true}
	if len(keep) > 0 {
		inQ, inArgs, err := sqlx.In(` AND model_id NOT IN (?)`, keep)
		if err != nil {
			return 0, err
		}
		q += inQ
		args = append(args, inArgs...)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate models: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) GetModel(ctx context.Context, modelID string) (*ModelRecord, error) {
	defer metrics.ObserveQuery("get_model", time.Now())

	rec := &ModelRecord{}
	err := s.db.GetContext(ctx, rec, s.db.Rebind(`SELECT `+modelColumns+` FROM ai_models WHERE model_id = ?`), modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model %q: %w", modelID, err)
	}
	return rec, nil
}

func (s *SQLStore) ListModels(ctx context.Context, f ModelFilter) ([]*ModelRecord, error) {
	defer metrics.ObserveQuery("list_models", time.Now())

	q := `SELECT ` + modelColumns + ` FROM ai_models WHERE 1=1`
	var args []any
	if f.ActiveOnly {
		q += ` AND is_active = ?`
		args = append(args, true)
	}
	if f.Provider != "" {
		q += ` AND provider = ?`
		args = append(args, f.Provider)
	}
	if f.Tiers != nil {
		if len(f.Tiers) == 0 {
			return nil, nil
		}
		inQ, inArgs, err := sqlx.In(` AND tier IN (?)`, f.Tiers)
		if err != nil {
			return nil, err
		}
		q += inQ
		args = append(args, inArgs...)
	}
	if f.ModelIDs != nil {
		if len(f.ModelIDs) == 0 {
			return nil, nil
		}
		inQ, inArgs, err := sqlx.In(` AND model_id IN (?)`, f.ModelIDs)
		if err != nil {
			return nil, err
		}
		q += inQ
		args = append(args, inArgs...)
	}
	q += ` ORDER BY provider, model_id`

	var out []*ModelRecord
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CountModels(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ai_models`); err != nil {
		return 0, fmt.Errorf("count models: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GrantModel(ctx context.Context, rec *PermissionRecord) error {
	defer metrics.ObserveQuery("grant_model", time.Now())

	if _, err := s.GetModel(ctx, rec.ModelID); err != nil {
		return err
	}
	rec.CreatedAt = Now()
	q := s.db.Rebind(`INSERT INTO user_model_permissions(user_id, model_id, granted_by, is_active, expires_at, created_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(user_id, model_id) DO UPDATE SET granted_by = excluded.granted_by,
            is_active = excluded.is_active, expires_at = excluded.expires_at
        RETURNING id`)
	if err := s.db.GetContext(ctx, &rec.ID, q,
		rec.UserID, rec.ModelID, rec.GrantedBy, rec.IsActive, rec.ExpiresAt, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("grant model %q to %q: %w", rec.ModelID, rec.UserID, err)
	}
	return nil
}

func (s *SQLStore) GrantedModelIDs(ctx context.Context, userID string, now time.Time) ([]string, error) {
	defer metrics.ObserveQuery("granted_models", time.Now())

	var ids []string
	q := s.db.Rebind(`SELECT model_id FROM user_model_permissions
        WHERE user_id = ? AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)
        ORDER BY model_id`)
	if err := s.db.SelectContext(ctx, &ids, q, userID, true, Timestamp{now.UTC()}); err != nil {
		return nil, fmt.Errorf("granted models for %q: %w", userID, err)
	}
	return ids, nil
}
