package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pyamooz/pyamooz-chat/internal/metrics"
)

const messageColumns = `id, conversation_id, role, content, status, provider, model_name, tokens_input, tokens_output, latency_ms, created_at`

// messageWritable lists the columns InsertMessage accepts.
var messageWritable = map[string]bool{
	"conversation_id": true,
	"role":            true,
	"content":         true,
	"status":          true,
	"provider":        true,
	"model_name":      true,
	"tokens_input":    true,
	"tokens_output":   true,
	"latency_ms":      true,
	"created_at":      true,
}

func (s *SQLStore) InsertMessage(ctx context.Context, fields map[string]any) (int64, error) {
	defer metrics.ObserveQuery("insert_message", time.Now())

	for _, required := range []string{"conversation_id", "role", "content"} {
		if _, ok := fields[required]; !ok {
			return 0, fmt.Errorf("insert message: %s is required", required)
		}
	}
	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if !messageWritable[k] {
			return 0, fmt.Errorf("insert message: unknown column %q", k)
		}
		row[k] = v
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = Now()
	}

	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	q := tx.Rebind(`INSERT INTO messages(` + strings.Join(cols, ", ") + `) VALUES(` + placeholders + `) RETURNING id`)
	if err := tx.GetContext(ctx, &id, q, args...); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), Now(), row["conversation_id"]); err != nil {
		return 0, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID int64, limit, offset int) ([]*MessageRecord, error) {
	defer metrics.ObserveQuery("list_messages", time.Now())

	if limit <= 0 {
		limit = 200
	}
	var out []*MessageRecord
	q := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &out, q, conversationID, limit, offset); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecentMessages(ctx context.Context, conversationID int64, n int) ([]*MessageRecord, error) {
	defer metrics.ObserveQuery("recent_messages", time.Now())

	var out []*MessageRecord
	q := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, q, conversationID, n); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) CountMessages(ctx context.Context, conversationID int64, roles ...string) (int, error) {
	defer metrics.ObserveQuery("count_messages", time.Now())

	q := `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if len(roles) > 0 {
		inQ, inArgs, err := sqlx.In(` AND role IN (?)`, roles)
		if err != nil {
			return 0, err
		}
		q += inQ
		args = append(args, inArgs...)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(q), args...); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLStore) FirstMessage(ctx context.Context, conversationID int64, role string) (*MessageRecord, error) {
	defer metrics.ObserveQuery("first_message", time.Now())

	rec := &MessageRecord{}
	q := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND role = ? ORDER BY id ASC LIMIT 1`)
	err := s.db.GetContext(ctx, rec, q, conversationID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("first message: %w", err)
	}
	return rec, nil
}
