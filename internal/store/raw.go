package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRawNotFound is returned when a raw payload id does not exist.
var ErrRawNotFound = errors.New("store: raw payload not found")

// likeEscape escapes LIKE wildcards so ids containing '_' or '%' match
// literally under ESCAPE '\'.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return strings.ReplaceAll(s, `%`, `\%`)
}

func rawTableName(slug string) (string, error) {
	name := "raw_" + slug
	if !rawTablePattern.MatchString(slug) {
		return "", fmt.Errorf("invalid provider slug for raw table: %q", slug)
	}
	return name, nil
}

// EnsureRawTable creates the per-provider raw payload table if missing.
// Providers call this once at construction.
func (s *HealthStore) EnsureRawTable(slug string) error {
	table, err := rawTableName(slug)
	if err != nil {
		return err
	}
	s.rawTablesMu.Lock()
	defer s.rawTablesMu.Unlock()
	if s.rawTables[table] {
		return nil
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id               TEXT PRIMARY KEY,
			msg_id           TEXT NOT NULL,
			theta_user_id    TEXT NOT NULL DEFAULT '',
			external_user_id TEXT NOT NULL DEFAULT '',
			raw_data         TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			deleted          INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_msg_id ON %s(msg_id);
	`, table, table, table)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create raw table %s: %w", table, err)
	}
	s.rawTables[table] = true
	return nil
}

// InsertRaw stores one payload. Returns false when the msg_id was already
// stored, which is the idempotency signal for duplicate webhooks.
func (s *HealthStore) InsertRaw(ctx context.Context, slug string, rec RawRecord) (bool, error) {
	table, err := rawTableName(slug)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (id, msg_id, theta_user_id, external_user_id, raw_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, table),
		rec.ID, rec.MsgID, rec.ThetaUserID, rec.ExternalUserID, string(rec.RawData),
		rec.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("raw insert failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RawExists reports whether a non-deleted payload with msg_id is stored.
func (s *HealthStore) RawExists(ctx context.Context, slug, msgID string) (bool, error) {
	table, err := rawTableName(slug)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE msg_id = ? AND deleted = 0`, table), msgID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRaw fetches one payload by row id.
func (s *HealthStore) GetRaw(ctx context.Context, slug, id string) (RawRecord, error) {
	table, err := rawTableName(slug)
	if err != nil {
		return RawRecord{}, err
	}
	var rec RawRecord
	var raw string
	var createdMS int64
	var deleted int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, msg_id, theta_user_id, external_user_id, raw_data, created_at, deleted
		FROM %s WHERE id = ?`, table), id).
		Scan(&rec.ID, &rec.MsgID, &rec.ThetaUserID, &rec.ExternalUserID, &raw, &createdMS, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return RawRecord{}, ErrRawNotFound
	}
	if err != nil {
		return RawRecord{}, err
	}
	rec.RawData = []byte(raw)
	rec.CreatedAt = time.UnixMilli(createdMS).UTC()
	rec.Deleted = deleted != 0
	return rec, nil
}

// ListRaw returns non-deleted payloads, newest first.
func (s *HealthStore) ListRaw(ctx context.Context, slug string, filter RawFilter) ([]RawRecord, error) {
	table, err := rawTableName(slug)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, msg_id, theta_user_id, external_user_id, raw_data, created_at, deleted
		FROM %s WHERE deleted = 0`, table)
	var args []any
	if filter.UserID != "" {
		query += " AND theta_user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.MsgID != "" {
		query += " AND msg_id = ?"
		args = append(args, filter.MsgID)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var rec RawRecord
		var raw string
		var createdMS int64
		var deleted int
		if err := rows.Scan(&rec.ID, &rec.MsgID, &rec.ThetaUserID, &rec.ExternalUserID,
			&raw, &createdMS, &deleted); err != nil {
			return nil, err
		}
		rec.RawData = []byte(raw)
		rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SoftDeleteRaw marks one payload deleted and cascades a best-effort delete
// of the normalized rows it produced.
func (s *HealthStore) SoftDeleteRaw(ctx context.Context, slug, id string) error {
	table, err := rawTableName(slug)
	if err != nil {
		return err
	}
	rec, err := s.GetRaw(ctx, slug, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted = 1 WHERE id = ?`, table), id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("raw soft delete failed: %w", err)
	}

	if rec.ThetaUserID != "" && rec.MsgID != "" {
		if _, err := s.DeleteBySourceTableID(ctx, rec.ThetaUserID, table, rec.MsgID); err != nil {
			// Cascade is best effort; the raw row is already gone from reads.
			log.Warn().Err(err).Str("table", table).Str("msgId", rec.MsgID).
				Msg("Cascade delete of normalized rows failed")
		}
	}
	return nil
}
