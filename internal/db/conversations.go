package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const conversationColumns = `id, COALESCE(owner_id, '') AS owner_id, COALESCE(guest_session, '') AS guest_session, title, created_at, updated_at`

func (s *SQLStore) CreateConversation(ctx context.Context, rec *ConversationRecord) error {
	defer metrics.ObserveQuery("create_conversation", time.Now())

	now := Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cols := `owner_id, guest_session, title, created_at, updated_at`
	marks := `?,?,?,?,?`
	args := []any{nullString(rec.OwnerID), nullString(rec.GuestSession), rec.Title, now, now}
	if rec.ModelName != "" {
		cols += `, model_name`
		marks += `,?`
		args = append(args, rec.ModelName)
	}
	q := s.db.Rebind(`INSERT INTO conversations(` + cols + `) VALUES(` + marks + `) RETURNING id`)
	err := s.db.GetContext(ctx, &rec.ID, q, args...)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id int64) (*ConversationRecord, error) {
	defer metrics.ObserveQuery("get_conversation", time.Now())

	rec := &ConversationRecord{}
	err := s.db.GetContext(ctx, rec, s.db.Rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, ownerID, guestSession string, limit, offset int) ([]*ConversationRecord, error) {
	defer metrics.ObserveQuery("list_conversations", time.Now())

	if limit <= 0 {
		limit = 50
	}
	var (
		where string
		arg   string
	)
	switch {
	case ownerID != "":
		where, arg = "owner_id = ?", ownerID
	case guestSession != "":
		where, arg = "owner_id IS NULL AND guest_session = ?", guestSession
	default:
		return nil, nil
	}

	var out []*ConversationRecord
	q := s.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE ` + where +
		` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &out, q, arg, limit, offset); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RenameConversation(ctx context.Context, id int64, title string) error {
	defer metrics.ObserveQuery("rename_conversation", time.Now())

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`), title, Now(), id)
	if err != nil {
		return fmt.Errorf("rename conversation %d: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLStore) UpdateTitleIf(ctx context.Context, id int64, expected, title string) (bool, error) {
	defer metrics.ObserveQuery("update_title_if", time.Now())

	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND title = ?`),
		title, Now(), id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("update title %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteConversation(ctx context.Context, id int64) error {
	defer metrics.ObserveQuery("delete_conversation", time.Now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Explicit delete keeps databases created without ON DELETE CASCADE clean.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("delete messages of %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete conversation %d: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
