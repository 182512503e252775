package hostsim

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("hostsim: session not found")

// Session summarizes one client run as recorded by the host.
type Session struct {
	ID          string
	AppName     string
	Protocol    int
	StartedAt   time.Time
	Finished    bool
	ExitCode    int
	FinishedAt  time.Time
	Results     int
	Messages    int
	Checkpoints int
	LastFrac    float64
}

// Store keeps the host's view of every session in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if needed) the database at dbPath, along with
// its parent directory.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		app_name TEXT NOT NULL,
		protocol INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		exit_code INTEGER,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS results (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		logical_name TEXT NOT NULL,
		path TEXT NOT NULL,
		mode TEXT NOT NULL,
		PRIMARY KEY (session_id, logical_name)
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		text TEXT NOT NULL,
		sent_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		fraction REAL NOT NULL,
		reported_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		path TEXT NOT NULL,
		made_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_session ON progress(session_id, reported_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartSession records a successful handshake.
func (s *Store) StartSession(id, appName string, protocol int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO sessions (id, app_name, protocol, started_at) VALUES (?, ?, ?, ?)`,
		id, appName, protocol, time.Now().UTC())
	return err
}

// AddResult records a declared result. A second result with the same
// logical name in one session violates the primary key.
func (s *Store) AddResult(sessionID string, r types.ResultFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO results (session_id, logical_name, path, mode) VALUES (?, ?, ?, ?)`,
		sessionID, r.LogicalName, r.Path, string(r.Mode))
	return err
}

func (s *Store) AddMessage(sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO messages (session_id, text, sent_at) VALUES (?, ?, ?)`,
		sessionID, text, time.Now().UTC())
	return err
}

func (s *Store) AddProgress(sessionID string, fraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO progress (session_id, fraction, reported_at) VALUES (?, ?, ?)`,
		sessionID, fraction, time.Now().UTC())
	return err
}

func (s *Store) AddCheckpoint(sessionID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO checkpoints (session_id, path, made_at) VALUES (?, ?, ?)`,
		sessionID, path, time.Now().UTC())
	return err
}

// FinishSession records the terminal exit code.
func (s *Store) FinishSession(sessionID string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE sessions SET exit_code = ?, finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		exitCode, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Session returns the summary of one session.
func (s *Store) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, app_name, protocol, started_at, exit_code, finished_at,
		       (SELECT COUNT(*) FROM results WHERE session_id = sessions.id),
		       (SELECT COUNT(*) FROM messages WHERE session_id = sessions.id),
		       (SELECT COUNT(*) FROM checkpoints WHERE session_id = sessions.id),
		       COALESCE((SELECT fraction FROM progress WHERE session_id = sessions.id
		                 ORDER BY rowid DESC LIMIT 1), 0)
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.AppName, &sess.Protocol, &sess.StartedAt, &exitCode, &finishedAt,
		&sess.Results, &sess.Messages, &sess.Checkpoints, &sess.LastFrac)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		sess.Finished = true
		sess.FinishedAt = finishedAt.Time
		sess.ExitCode = int(exitCode.Int64)
	}
	return &sess, nil
}

// Results returns the results declared in a session, in declaration order.
func (s *Store) Results(sessionID string) ([]types.ResultFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT logical_name, path, mode FROM results WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ResultFile
	for rows.Next() {
		var r types.ResultFile
		var mode string
		if err := rows.Scan(&r.LogicalName, &r.Path, &mode); err != nil {
			return nil, err
		}
		r.Mode = types.PersistenceMode(mode)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
