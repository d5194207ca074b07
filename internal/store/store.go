// Package store persists sessions, per-request metrics and imported
// Cline usage rows in a local sqlite database.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
	"github.com/ki2pixel/kimiproxy/internal/session"
)

const dbOpenOptions = "?_busy_timeout=5000"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	active     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metrics (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id        INTEGER,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	request_ts        INTEGER NOT NULL,
	finish_ts         INTEGER,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'created',
	error_kind        TEXT
);

CREATE TABLE IF NOT EXISTS cline_task_usage (
	task_id     TEXT PRIMARY KEY,
	ts          INTEGER NOT NULL,
	model_id    TEXT,
	tokens_in   INTEGER NOT NULL DEFAULT 0,
	tokens_out  INTEGER NOT NULL DEFAULT 0,
	total_cost  REAL NOT NULL DEFAULT 0,
	imported_at INTEGER NOT NULL
);
`

// Metric is one chat-request row.
type Metric struct {
	ID               int64  `json:"id"`
	SessionID        int64  `json:"session_id"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	RequestTS        int64  `json:"request_ts"`
	FinishTS         int64  `json:"finish_ts,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Status           string `json:"status"`
	ErrorKind        string `json:"error_kind,omitempty"`
}

// Metric statuses.
const (
	StatusCreated   = "created"
	StatusUpdating  = "updating"
	StatusFinalized = "finalized"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// ClineUsage is one imported ledger row.
type ClineUsage struct {
	TaskID     string  `json:"task_id"`
	TS         int64   `json:"ts"`
	ModelID    string  `json:"model_id"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	TotalCost  float64 `json:"total_cost"`
	ImportedAt int64   `json:"imported_at"`
}

// Store wraps the sqlite database. Writes are serialized through a
// single mutex; reads run concurrently on the pooled connections.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+dbOpenOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	L_debug("store: database ready", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new active session, deactivating any
// previously active one.
func (s *Store) CreateSession(name, provider, model string) (*session.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE sessions SET active = 0 WHERE active = 1`); err != nil {
		return nil, err
	}
	res, err := tx.Exec(
		`INSERT INTO sessions (name, provider, model, created_at, active) VALUES (?, ?, ?, ?, 1)`,
		name, provider, model, now.Unix())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &session.Session{
		ID:        id,
		Name:      name,
		Provider:  provider,
		Model:     model,
		CreatedAt: now,
		Active:    true,
	}, nil
}

// DeactivateActiveSessions marks every active session inactive.
func (s *Store) DeactivateActiveSessions() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET active = 0 WHERE active = 1`)
	return err
}

// GetActiveSession returns the active session, or nil.
func (s *Store) GetActiveSession() (*session.Session, error) {
	row := s.db.QueryRow(`SELECT id, name, provider, model, created_at, active FROM sessions WHERE active = 1 ORDER BY id DESC LIMIT 1`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// GetSession returns one session by id, or nil.
func (s *Store) GetSession(id int64) (*session.Session, error) {
	row := s.db.QueryRow(`SELECT id, name, provider, model, created_at, active FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, name, provider, model, created_at, active FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var createdAt int64
	var active int
	if err := row.Scan(&sess.ID, &sess.Name, &sess.Provider, &sess.Model, &createdAt, &active); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.Active = active != 0
	return &sess, nil
}

// CreateMetric inserts a new metric row with zero usage.
func (s *Store) CreateMetric(sessionID int64, provider, model string) (*Metric, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO metrics (session_id, provider, model, request_ts, status) VALUES (?, ?, ?, ?, ?)`,
		sessionID, provider, model, now, StatusCreated)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Metric{
		ID:        id,
		SessionID: sessionID,
		Provider:  provider,
		Model:     model,
		RequestTS: now,
		Status:    StatusCreated,
	}, nil
}

// UpdateMetricUsage records extracted token usage for a live metric.
func (s *Store) UpdateMetricUsage(metricID int64, promptTokens, completionTokens, totalTokens int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`UPDATE metrics SET prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, status = ? WHERE id = ?`,
		promptTokens, completionTokens, totalTokens, StatusUpdating, metricID)
	return err
}

// FinalizeMetric sets the terminal status for a metric. A finalize
// supersedes all prior updates for the same id.
func (s *Store) FinalizeMetric(metricID int64, status, errorKind string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errKind any
	if errorKind != "" {
		errKind = errorKind
	}
	_, err := s.db.Exec(
		`UPDATE metrics SET status = ?, error_kind = ?, finish_ts = ? WHERE id = ?`,
		status, errKind, time.Now().UnixMilli(), metricID)
	return err
}

// GetMetric returns one metric by id, or nil.
func (s *Store) GetMetric(id int64) (*Metric, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, provider, model, request_ts, COALESCE(finish_ts, 0),
		        prompt_tokens, completion_tokens, total_tokens, status, COALESCE(error_kind, '')
		 FROM metrics WHERE id = ?`, id)
	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMetrics returns metrics newest first, optionally scoped to a
// session (sessionID > 0).
func (s *Store) ListMetrics(sessionID int64, limit int) ([]*Metric, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, session_id, provider, model, request_ts, COALESCE(finish_ts, 0),
	                 prompt_tokens, completion_tokens, total_tokens, status, COALESCE(error_kind, '')
	          FROM metrics`
	args := []any{}
	if sessionID > 0 {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMetric(row rowScanner) (*Metric, error) {
	var m Metric
	if err := row.Scan(&m.ID, &m.SessionID, &m.Provider, &m.Model, &m.RequestTS, &m.FinishTS,
		&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.Status, &m.ErrorKind); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertClineTaskUsage inserts or replaces one imported ledger row.
func (s *Store) UpsertClineTaskUsage(u ClineUsage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cline_task_usage (task_id, ts, model_id, tokens_in, tokens_out, total_cost, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.TaskID, u.TS, u.ModelID, u.TokensIn, u.TokensOut, u.TotalCost, time.Now().Unix())
	return err
}

// ListClineTaskUsage returns imported rows, newest ts first.
func (s *Store) ListClineTaskUsage(limit, offset int) ([]ClineUsage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT task_id, ts, COALESCE(model_id, ''), tokens_in, tokens_out, total_cost, imported_at
		 FROM cline_task_usage ORDER BY ts DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClineUsage
	for rows.Next() {
		var u ClineUsage
		if err := rows.Scan(&u.TaskID, &u.TS, &u.ModelID, &u.TokensIn, &u.TokensOut, &u.TotalCost, &u.ImportedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetLatestClineTS returns the newest imported ledger timestamp (0 when
// empty).
func (s *Store) GetLatestClineTS() (int64, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(ts) FROM cline_task_usage`).Scan(&ts); err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// CountClineTaskUsage returns the number of imported rows.
func (s *Store) CountClineTaskUsage() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cline_task_usage`).Scan(&n)
	return n, err
}
