// Package store provides persistent storage for normalized health data and
// per-provider raw payloads, using SQLite for durability across restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	healthDBFileName = "health.db"
	// batchSize bounds rows per upsert statement. SQLite's default variable
	// limit is 32766; the widest row binds 9 variables.
	batchSize = 1000

	// summaryTimeLayout stores interval bounds as local wall-clock time with
	// no timezone, per the summary-table contract.
	summaryTimeLayout = "2006-01-02 15:04:05"
)

var rawTablePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// SeriesRow is one point-in-time sample. Key: (user, indicator, source, time).
type SeriesRow struct {
	UserID    string
	Indicator string
	Source    string
	Time      time.Time // UTC instant
	Value     string    // numeric or label, stored as text
	Timezone  string
	SourceID  string
	TaskID    string
}

// SummaryRow is one interval aggregate. Key: (user, indicator, start, end).
// Start/End carry the user's local wall-clock time.
type SummaryRow struct {
	UserID        string
	Indicator     string
	StartTime     time.Time
	EndTime       time.Time
	Value         string
	Source        string
	SourceTable   string
	SourceTableID string
	Comment       string
	TaskID        string
	Deleted       bool
}

// RawRecord is one audited vendor payload.
type RawRecord struct {
	ID             string
	MsgID          string
	ThetaUserID    string
	ExternalUserID string
	RawData        []byte
	CreatedAt      time.Time
	Deleted        bool
}

// RawFilter narrows ListRaw results.
type RawFilter struct {
	UserID string
	MsgID  string
	Since  time.Time
	Limit  int
}

// SourceStats is the per-source aggregate used to enrich provider listings.
type SourceStats struct {
	RecordCount int64
	LastSync    time.Time
}

// HealthStore owns the series, summary, and raw payload tables.
type HealthStore struct {
	db *sql.DB
	mu sync.Mutex

	rawTablesMu sync.Mutex
	rawTables   map[string]bool
}

// Open opens or creates the health database under dataDir.
func Open(dataDir string) (*HealthStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, healthDBFileName)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open health db: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &HealthStore{db: db, rawTables: make(map[string]bool)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize health schema: %w", err)
	}
	log.Info().Str("path", path).Msg("Health store initialized")
	return s, nil
}

func (s *HealthStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS series_data (
			user_id     TEXT NOT NULL,
			indicator   TEXT NOT NULL,
			source      TEXT NOT NULL,
			time        INTEGER NOT NULL, -- epoch millis, UTC
			value       TEXT NOT NULL,
			timezone    TEXT NOT NULL DEFAULT 'UTC',
			source_id   TEXT NOT NULL DEFAULT '',
			task_id     TEXT NOT NULL DEFAULT '',
			update_time INTEGER NOT NULL,
			PRIMARY KEY (user_id, indicator, source, time)
		);
		CREATE INDEX IF NOT EXISTS idx_series_source_id ON series_data(source_id);

		CREATE TABLE IF NOT EXISTS summary_data (
			user_id         TEXT NOT NULL,
			indicator       TEXT NOT NULL,
			start_time      TEXT NOT NULL, -- local wall clock
			end_time        TEXT NOT NULL,
			value           TEXT NOT NULL,
			source          TEXT NOT NULL DEFAULT '',
			source_table    TEXT NOT NULL DEFAULT '',
			source_table_id TEXT NOT NULL DEFAULT '',
			comment         TEXT NOT NULL DEFAULT '',
			task_id         TEXT NOT NULL DEFAULT '',
			deleted         INTEGER NOT NULL DEFAULT 0,
			update_time     INTEGER NOT NULL,
			PRIMARY KEY (user_id, indicator, start_time, end_time)
		);
		CREATE INDEX IF NOT EXISTS idx_summary_source_table
			ON summary_data(user_id, source_table, source_table_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertSeries writes rows in batches. A conflicting key mutates the stored
// row only when value or task_id differs, keeping update_time stable for
// byte-identical re-ingestion.
func (s *HealthStore) UpsertSeries(ctx context.Context, rows []SeriesRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertSeriesBatch(ctx, rows[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (s *HealthStore) upsertSeriesBatch(ctx context.Context, rows []SeriesRow) error {
	now := time.Now().UnixMilli()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO series_data
		(user_id, indicator, source, time, value, timezone, source_id, task_id, update_time) VALUES `)
	args := make([]any, 0, len(rows)*9)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?)")
		args = append(args, r.UserID, r.Indicator, r.Source, r.Time.UnixMilli(),
			r.Value, r.Timezone, r.SourceID, r.TaskID, now)
	}
	sb.WriteString(` ON CONFLICT(user_id, indicator, source, time) DO UPDATE SET
		value = excluded.value,
		timezone = excluded.timezone,
		source_id = excluded.source_id,
		task_id = excluded.task_id,
		update_time = excluded.update_time
		WHERE series_data.value != excluded.value OR series_data.task_id != excluded.task_id`)
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("series upsert failed: %w", err)
	}
	return nil
}

// UpsertSummaries writes rows in batches. Conflicts always update value,
// comment, source, source_table_id, and task_id.
func (s *HealthStore) UpsertSummaries(ctx context.Context, rows []SummaryRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.upsertSummaryBatch(ctx, rows[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (s *HealthStore) upsertSummaryBatch(ctx context.Context, rows []SummaryRow) error {
	now := time.Now().UnixMilli()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO summary_data
		(user_id, indicator, start_time, end_time, value, source, source_table,
		 source_table_id, comment, task_id, deleted, update_time) VALUES `)
	args := make([]any, 0, len(rows)*12)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?)")
		deleted := 0
		if r.Deleted {
			deleted = 1
		}
		args = append(args, r.UserID, r.Indicator,
			r.StartTime.Format(summaryTimeLayout), r.EndTime.Format(summaryTimeLayout),
			r.Value, r.Source, r.SourceTable, r.SourceTableID, r.Comment, r.TaskID,
			deleted, now)
	}
	sb.WriteString(` ON CONFLICT(user_id, indicator, start_time, end_time) DO UPDATE SET
		value = excluded.value,
		source = excluded.source,
		source_table_id = excluded.source_table_id,
		comment = excluded.comment,
		task_id = excluded.task_id,
		deleted = excluded.deleted,
		update_time = excluded.update_time`)
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("summary upsert failed: %w", err)
	}
	return nil
}

// QuerySeries returns samples for (user, indicator) within [from, to].
func (s *HealthStore) QuerySeries(ctx context.Context, userID, indicator string, from, to time.Time) ([]SeriesRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, indicator, source, time, value, timezone, source_id, task_id
		FROM series_data
		WHERE user_id = ? AND indicator = ? AND time >= ? AND time <= ?
		ORDER BY time`,
		userID, indicator, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeriesRow
	for rows.Next() {
		var r SeriesRow
		var ms int64
		if err := rows.Scan(&r.UserID, &r.Indicator, &r.Source, &ms, &r.Value,
			&r.Timezone, &r.SourceID, &r.TaskID); err != nil {
			return nil, err
		}
		r.Time = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// QuerySummaries returns non-deleted aggregates for (user, indicator) whose
// start falls within [from, to] (local wall-clock comparison).
func (s *HealthStore) QuerySummaries(ctx context.Context, userID, indicator string, from, to time.Time) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, indicator, start_time, end_time, value, source,
		       source_table, source_table_id, comment, task_id
		FROM summary_data
		WHERE user_id = ? AND indicator = ? AND deleted = 0
		  AND start_time >= ? AND start_time <= ?
		ORDER BY start_time`,
		userID, indicator, from.Format(summaryTimeLayout), to.Format(summaryTimeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var startStr, endStr string
		if err := rows.Scan(&r.UserID, &r.Indicator, &startStr, &endStr, &r.Value,
			&r.Source, &r.SourceTable, &r.SourceTableID, &r.Comment, &r.TaskID); err != nil {
			return nil, err
		}
		r.StartTime, _ = time.Parse(summaryTimeLayout, startStr)
		r.EndTime, _ = time.Parse(summaryTimeLayout, endStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummaryUpdateTime returns the stored update_time for a summary key, for
// callers that need to verify last-writer-wins ordering.
func (s *HealthStore) SummaryUpdateTime(ctx context.Context, userID, indicator string, start, end time.Time) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT update_time FROM summary_data
		WHERE user_id = ? AND indicator = ? AND start_time = ? AND end_time = ?`,
		userID, indicator, start.Format(summaryTimeLayout), end.Format(summaryTimeLayout)).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// DeleteBySourceTableID removes the series rows and soft-deletes the summary
// rows produced by one raw payload. Matches the current key format and the
// legacy "<msgid>_#_<hash>" format kept for migration tolerance.
func (s *HealthStore) DeleteBySourceTableID(ctx context.Context, userID, sourceTable, sourceTableID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM series_data
		WHERE user_id = ? AND (source_id = ? OR source_id LIKE ? ESCAPE '\')`,
		userID, sourceTableID, likeEscape(sourceTableID)+`\_#\_%`)
	if err != nil {
		return 0, fmt.Errorf("series cascade delete failed: %w", err)
	}
	seriesDeleted, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx, `
		UPDATE summary_data SET deleted = 1, update_time = ?
		WHERE user_id = ? AND source_table = ? AND source_table_id = ?`,
		time.Now().UnixMilli(), userID, sourceTable, sourceTableID)
	if err != nil {
		return seriesDeleted, fmt.Errorf("summary cascade delete failed: %w", err)
	}
	return seriesDeleted, nil
}

// CountBySource aggregates record count and last write per source for one
// user. Backs the provider-stats cache.
func (s *HealthStore) CountBySource(ctx context.Context, userID string) (map[string]SourceStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), MAX(update_time)
		FROM series_data WHERE user_id = ? GROUP BY source`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SourceStats)
	for rows.Next() {
		var source string
		var count, maxMS int64
		if err := rows.Scan(&source, &count, &maxMS); err != nil {
			return nil, err
		}
		out[source] = SourceStats{RecordCount: count, LastSync: time.UnixMilli(maxMS).UTC()}
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *HealthStore) Close() error {
	return s.db.Close()
}
