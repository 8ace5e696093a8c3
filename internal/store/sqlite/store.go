// Package sqlite persists records, sessions and reminders in a single SQLite
// database file. It is the production Store implementation; everything the
// pipeline writes lands here.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/jotbot/internal/types"
)

// timeLayout is how timestamps are stored. UTC, lexically sortable.
const timeLayout = time.RFC3339Nano

// Store implements types.Store on SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates or opens the database at path and initialises the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; SQLite serializes writes anyway and this avoids
	// SQLITE_BUSY churn under concurrent lanes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		user_key TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		intent TEXT NOT NULL,
		confidence REAL NOT NULL,
		tags_json TEXT,
		session_id TEXT,
		channel_message_id TEXT NOT NULL,
		failure TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_user ON records(user_key);
	CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);

	-- One row per tag per record; TagHistory aggregates over this.
	CREATE TABLE IF NOT EXISTS record_tags (
		record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
		user_key TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (record_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_record_tags_user ON record_tags(user_key, tag);

	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
		user_key TEXT NOT NULL,
		title TEXT NOT NULL,
		trigger_at TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		interval INTEGER NOT NULL DEFAULT 0,
		done INTEGER NOT NULL DEFAULT 0,
		last_fired_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(done, trigger_at);

	CREATE TABLE IF NOT EXISTS birthdays (
		record_id TEXT PRIMARY KEY REFERENCES records(id) ON DELETE CASCADE,
		user_key TEXT NOT NULL,
		person_name TEXT NOT NULL,
		month INTEGER NOT NULL,
		day INTEGER NOT NULL,
		year INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_birthdays_user ON birthdays(user_key);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_key TEXT NOT NULL,
		status TEXT NOT NULL,
		tags_json TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		ended_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_key, started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// SaveRecord writes a record and its attached entities in one transaction.
// Replays with the same id overwrite in place, so the write is idempotent.
func (s *Store) SaveRecord(ctx context.Context, record *types.Record) (types.RecordID, error) {
	if record == nil || record.ID == "" {
		return "", fmt.Errorf("invalid record: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(record.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO records
		(id, user_key, content, source, intent, confidence, tags_json, session_id, channel_message_id, failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.ID), string(record.UserKey), record.Content, string(record.Source),
		string(record.Intent), record.Confidence, string(tagsJSON), string(record.SessionID),
		record.ChannelMessageID, record.Failure, record.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_tags WHERE record_id = ?`, string(record.ID)); err != nil {
		return "", fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range record.Tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO record_tags (record_id, user_key, tag) VALUES (?, ?, ?)`,
			string(record.ID), string(record.UserKey), tag); err != nil {
			return "", fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}

	if record.Reminder != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO reminders
			(id, record_id, user_key, title, trigger_at, recurrence, interval, done)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			string(types.NewReminderID()), string(record.ID), string(record.UserKey),
			record.Reminder.Title, record.Reminder.TriggerAt.UTC().Format(timeLayout),
			string(record.Reminder.Recurrence), record.Reminder.Interval)
		if err != nil {
			return "", fmt.Errorf("insert reminder: %w", err)
		}
	}

	if record.Birthday != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO birthdays
			(record_id, user_key, person_name, month, day, year)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(record.ID), string(record.UserKey), record.Birthday.PersonName,
			int(record.Birthday.Month), record.Birthday.Day, record.Birthday.Year)
		if err != nil {
			return "", fmt.Errorf("insert birthday: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit record: %w", err)
	}
	return record.ID, nil
}

// ListRecords returns the user's most recent records, newest first.
func (s *Store) ListRecords(ctx context.Context, user types.UserKey, limit int) ([]*types.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_key, content, source, intent, confidence, tags_json, session_id, channel_message_id, failure, created_at
		FROM records WHERE user_key = ? ORDER BY created_at DESC LIMIT ?`,
		string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*types.Record
	for rows.Next() {
		var (
			rec                          types.Record
			id, userKey, source, intent  string
			tagsJSON, sessionID, created string
		)
		if err := rows.Scan(&id, &userKey, &rec.Content, &source, &intent,
			&rec.Confidence, &tagsJSON, &sessionID, &rec.ChannelMessageID,
			&rec.Failure, &created); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.ID = types.RecordID(id)
		rec.UserKey = types.UserKey(userKey)
		rec.Source = types.SourceKind(source)
		rec.Intent = types.Intent(intent)
		rec.SessionID = types.SessionID(sessionID)
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal record tags: %w", err)
			}
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// TagHistory returns how often each tag has been used across the user's
// records.
func (s *Store) TagHistory(ctx context.Context, user types.UserKey) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, COUNT(*) FROM record_tags WHERE user_key = ? GROUP BY tag`,
		string(user))
	if err != nil {
		return nil, fmt.Errorf("query tag history: %w", err)
	}
	defer rows.Close()

	history := make(map[string]int)
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		history[tag] = count
	}
	return history, rows.Err()
}

// SaveSession upserts a session snapshot. Called on every lifecycle
// transition, so the stored row always reflects the latest state.
func (s *Store) SaveSession(ctx context.Context, session *types.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(session.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	var endedAt any
	if session.EndedAt != nil {
		endedAt = session.EndedAt.UTC().Format(timeLayout)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
		(id, user_key, status, tags_json, message_count, started_at, last_activity, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(session.ID), string(session.UserKey), string(session.Status),
		string(tagsJSON), session.MessageCount,
		session.StartedAt.UTC().Format(timeLayout),
		session.LastActivity.UTC().Format(timeLayout), endedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, user types.UserKey) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_key, status, tags_json, message_count, started_at, last_activity, ended_at
		FROM sessions WHERE user_key = ? ORDER BY started_at DESC`,
		string(user))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var (
			sess              types.Session
			id, userKey       string
			status, tagsJSON  string
			started, activity string
			ended             sql.NullString
		)
		if err := rows.Scan(&id, &userKey, &status, &tagsJSON,
			&sess.MessageCount, &started, &activity, &ended); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.ID = types.SessionID(id)
		sess.UserKey = types.UserKey(userKey)
		sess.Status = types.SessionStatus(status)
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &sess.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal session tags: %w", err)
			}
		}
		if sess.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if sess.LastActivity, err = parseTime(activity); err != nil {
			return nil, err
		}
		if ended.Valid {
			t, err := parseTime(ended.String)
			if err != nil {
				return nil, err
			}
			sess.EndedAt = &t
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// DueReminders returns reminders whose trigger time has passed and that have
// not been marked done.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*types.ReminderInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_key, title, trigger_at, recurrence, interval
		FROM reminders WHERE done = 0 AND trigger_at <= ?
		ORDER BY trigger_at`,
		now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func scanReminders(rows *sql.Rows) ([]*types.ReminderInstance, error) {
	var out []*types.ReminderInstance
	for rows.Next() {
		var (
			inst                      types.ReminderInstance
			id, userKey, trig, recurs string
		)
		if err := rows.Scan(&id, &userKey, &inst.Title, &trig, &recurs, &inst.Interval); err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		inst.ID = types.ReminderID(id)
		inst.UserKey = types.UserKey(userKey)
		inst.Recurrence = types.Recurrence(recurs)
		var err error
		if inst.TriggerAt, err = parseTime(trig); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// PendingReminders returns the user's not-yet-done reminders ordered by
// trigger time.
func (s *Store) PendingReminders(ctx context.Context, user types.UserKey) ([]*types.ReminderInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_key, title, trigger_at, recurrence, interval
		FROM reminders WHERE done = 0 AND user_key = ?
		ORDER BY trigger_at`,
		string(user))
	if err != nil {
		return nil, fmt.Errorf("query pending reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// MarkReminderFired records a delivery. A zero next time retires the
// reminder; otherwise the trigger advances to next and it stays live.
func (s *Store) MarkReminderFired(ctx context.Context, id types.ReminderID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	firedAt := time.Now().UTC().Format(timeLayout)
	var res sql.Result
	var err error
	if next.IsZero() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE reminders SET done = 1, last_fired_at = ? WHERE id = ?`,
			firedAt, string(id))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE reminders SET trigger_at = ?, last_fired_at = ? WHERE id = ?`,
			next.UTC().Format(timeLayout), firedAt, string(id))
	}
	if err != nil {
		return fmt.Errorf("mark reminder fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reminder %s not found", id)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
