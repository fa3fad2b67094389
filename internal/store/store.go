// Package store persists monitoring sessions, captured notifications and
// settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
)

// ErrNotFound is returned when a session or notification does not exist.
var ErrNotFound = errors.New("store: not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Setting keys.
const (
	SettingBrowserExecutable = "browser.executable"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	now    func() time.Time
}

// SessionRow is one monitoring session.
type SessionRow struct {
	ID                string     `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	NotificationCount int        `json:"notification_count"`
	UnreadCount       int        `json:"unread_count"`
	Summary           string     `json:"summary,omitempty"`
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		logging.StoreError("Failed to migrate schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		// Notification ids come from Teams and may repeat, so seq is the key.
		`CREATE TABLE IF NOT EXISTS notifications (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			timestamp TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			conversation_name TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_id ON notifications(id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// CreateSession starts a new monitoring session.
func (s *Store) CreateSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, started_at) VALUES (?, ?)",
		id, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		logging.StoreError("Failed to create session: %v", err)
		return "", fmt.Errorf("create session: %w", err)
	}
	logging.StoreDebug("created session %s", id)
	return id, nil
}

// EndSession stamps the session's end time. Ending an ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL",
		s.now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		logging.StoreError("Failed to end session %s: %v", id, err)
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getSessionLocked(ctx, id); err != nil {
			return err
		}
	}
	logging.StoreDebug("ended session %s", id)
	return nil
}

// AppendNotification stores a record under sessionID. Duplicate ids are kept.
func (s *Store) AppendNotification(ctx context.Context, sessionID string, rec notify.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications
			(id, session_id, timestamp, sender, content, conversation_id, conversation_name, message_type, is_read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, sessionID, rec.Timestamp.UTC().Format(timeLayout), rec.From, rec.Content,
		rec.ConversationID, rec.ConversationName, rec.MessageType, boolInt(rec.IsRead),
	)
	if err != nil {
		logging.StoreError("Failed to append notification %s: %v", rec.ID, err)
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// ListNotifications returns a session's notifications, oldest first. A
// non-positive limit returns all.
func (s *Store) ListNotifications(ctx context.Context, sessionID string, limit int) ([]notify.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, sender, content, conversation_id, conversation_name, message_type, is_read
		 FROM notifications WHERE session_id = ? ORDER BY timestamp ASC, seq ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Record
	for rows.Next() {
		var (
			rec  notify.Record
			ts   string
			read int
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &ts, &rec.From, &rec.Content,
			&rec.ConversationID, &rec.ConversationName, &rec.MessageType, &read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Timestamp, _ = time.Parse(timeLayout, ts)
		rec.IsRead = read != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkRead marks every notification with id as read.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions newest first with notification counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sessionSelect+` GROUP BY s.id ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(ctx, id)
}

func (s *Store) getSessionLocked(ctx context.Context, id string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE s.id = ? GROUP BY s.id`, id)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	return out, err
}

// SetSummary stores a generated summary on the session.
func (s *Store) SetSummary(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET summary = ? WHERE id = ?", summary, id)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionSelect = `SELECT s.id, s.started_at, s.ended_at, s.summary,
	COUNT(n.seq), COALESCE(SUM(CASE WHEN n.is_read = 0 THEN 1 ELSE 0 END), 0)
	FROM sessions s LEFT JOIN notifications n ON n.session_id = s.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRow, error) {
	var (
		row     SessionRow
		started string
		ended   sql.NullString
	)
	if err := sc.Scan(&row.ID, &started, &ended, &row.Summary, &row.NotificationCount, &row.UnreadCount); err != nil {
		return SessionRow{}, err
	}
	row.StartedAt, _ = time.Parse(timeLayout, started)
	if ended.Valid {
		if t, err := time.Parse(timeLayout, ended.String); err == nil {
			row.EndedAt = &t
		}
	}
	return row, nil
}

// Setting returns a stored setting, "" if unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting stores a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// SelectedBrowserExecutable returns the user's stored browser choice.
func (s *Store) SelectedBrowserExecutable(ctx context.Context) (string, error) {
	return s.Setting(ctx, SettingBrowserExecutable)
}

// SetSelectedBrowserExecutable stores the user's browser choice.
func (s *Store) SetSelectedBrowserExecutable(ctx context.Context, path string) error {
	return s.SetSetting(ctx, SettingBrowserExecutable, path)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
