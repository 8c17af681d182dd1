// Package store provides SQLite-backed persistence for the terminal
// session registry and per-workspace open-file tabs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TerminalSessionRow is a persisted identity record for a PTY that may
// outlive the Tower process.
type TerminalSessionRow struct {
	ID                string `json:"id"`
	WorkspacePath     string `json:"workspacePath"`
	Type              string `json:"type"` // architect | builder | shell
	RoleID            string `json:"roleId,omitempty"`
	PID               int    `json:"pid"`
	ShellperSocket    string `json:"shellperSocket,omitempty"`
	ShellperPID       int    `json:"shellperPid,omitempty"`
	ShellperStartTime int64  `json:"shellperStartTime,omitempty"`
	Label             string `json:"label,omitempty"`
	Cwd               string `json:"cwd,omitempty"`
	CreatedAt         string `json:"createdAt"`
}

// HasShellperLocator reports whether the row carries a shellper socket
// locator, making it eligible for reconciliation.
func (r TerminalSessionRow) HasShellperLocator() bool {
	return r.ShellperSocket != ""
}

// OpenFileTab is a persisted "open file tab" row for a workspace.
type OpenFileTab struct {
	ID            string `json:"id"`
	WorkspacePath string `json:"workspacePath"`
	FilePath      string `json:"filePath"`
	SortOrder     int    `json:"sortOrder"`
	CreatedAt     string `json:"createdAt"`
}

// writeJob is a single serialized mutation submitted to the store's
// dedicated writer goroutine.
type writeJob struct {
	fn     func(*sql.DB) error
	result chan error
}

// Store provides persistent session and tab state backed by SQLite. All
// writes are funneled through a single goroutine so that concurrent
// callers never race on the underlying *sql.DB, even though SQLite's own
// busy_timeout would otherwise serialize them with retries.
type Store struct {
	db      *sql.DB
	writeCh chan writeJob
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// Open creates or opens a SQLite database at the given path and applies
// any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{
		db:      db,
		writeCh: make(chan writeJob, 64),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.wg.Add(1)
	go s.runWriter()

	return s, nil
}

func (s *Store) runWriter() {
	defer s.wg.Done()
	for job := range s.writeCh {
		job.result <- job.fn(s.db)
	}
}

// write submits fn to the serialized writer goroutine and blocks until it
// completes.
func (s *Store) write(fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store closed")
	}
	s.mu.RUnlock()

	job := writeJob{fn: fn, result: make(chan error, 1)}
	s.writeCh <- job
	return <-job.result
}

// Close drains the writer goroutine and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.writeCh)
	s.wg.Wait()
	return s.db.Close()
}

// migrate applies schema migrations in order, recording the applied
// version in schema_version so restarts resume where they left off.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1, migrateV2, migrateV3, migrateV4, migrateV5, migrateV6,
		migrateV7, migrateV8, migrateV9, migrateV10, migrateV11, migrateV12,
		migrateV13,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS terminal_sessions (
			id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT DEFAULT (datetime('now'))
		);
		CREATE INDEX IF NOT EXISTS idx_terminal_sessions_workspace ON terminal_sessions(workspace_path);
	`)
	return err
}

func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN pid INTEGER`)
	return err
}

func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN role_id TEXT`)
	return err
}

func migrateV4(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_terminal_sessions_type ON terminal_sessions(type)`)
	return err
}

func migrateV5(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tabs (
			id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			file_path TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at TEXT DEFAULT (datetime('now'))
		);
	`)
	return err
}

func migrateV6(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_tabs_workspace ON tabs(workspace_path)`)
	return err
}

func migrateV7(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN shellper_socket TEXT`)
	return err
}

func migrateV8(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN shellper_pid INTEGER`)
	return err
}

func migrateV9(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN shellper_start_time INTEGER`)
	return err
}

// migrateV10 tightens the type column to the documented enum. SQLite has
// no ALTER TABLE ... ADD CONSTRAINT, so the table is rebuilt.
func migrateV10(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE terminal_sessions_v10 (
			id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			type TEXT CHECK(type IN ('architect','builder','shell')),
			role_id TEXT,
			pid INTEGER,
			shellper_socket TEXT,
			shellper_pid INTEGER,
			shellper_start_time INTEGER,
			created_at TEXT DEFAULT (datetime('now'))
		);
		INSERT INTO terminal_sessions_v10 (id, workspace_path, type, role_id, pid, shellper_socket, shellper_pid, shellper_start_time, created_at)
			SELECT id, workspace_path, type, role_id, pid, shellper_socket, shellper_pid, shellper_start_time, created_at FROM terminal_sessions;
		DROP TABLE terminal_sessions;
		ALTER TABLE terminal_sessions_v10 RENAME TO terminal_sessions;
		CREATE INDEX IF NOT EXISTS idx_terminal_sessions_workspace ON terminal_sessions(workspace_path);
		CREATE INDEX IF NOT EXISTS idx_terminal_sessions_type ON terminal_sessions(type);
	`)
	return err
}

func migrateV11(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN label TEXT`)
	return err
}

func migrateV12(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE terminal_sessions ADD COLUMN cwd TEXT`)
	return err
}

// migrateV13 adds the consultation metrics table. Its schema beyond this
// summary surface is out of scope; rows are written by external tooling,
// not by Tower itself.
func migrateV13(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS consultations (
			id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			created_at TEXT DEFAULT (datetime('now'))
		);
		CREATE INDEX IF NOT EXISTS idx_consultations_workspace ON consultations(workspace_path);
	`)
	return err
}

// PersistSession upserts a terminal session row by session ID.
func (s *Store) PersistSession(row TerminalSessionRow) error {
	if row.CreatedAt == "" {
		row.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO terminal_sessions
				(id, workspace_path, type, role_id, pid, shellper_socket, shellper_pid, shellper_start_time, label, cwd, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				workspace_path=excluded.workspace_path,
				type=excluded.type,
				role_id=excluded.role_id,
				pid=excluded.pid,
				shellper_socket=excluded.shellper_socket,
				shellper_pid=excluded.shellper_pid,
				shellper_start_time=excluded.shellper_start_time,
				label=excluded.label,
				cwd=excluded.cwd
		`,
			row.ID, row.WorkspacePath, row.Type, nullableString(row.RoleID), row.PID,
			nullableString(row.ShellperSocket), nullableInt(row.ShellperPID), nullableInt64(row.ShellperStartTime),
			nullableString(row.Label), nullableString(row.Cwd), row.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a single terminal session row.
func (s *Store) DeleteSession(sessionID string) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM terminal_sessions WHERE id = ?", sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// DeleteWorkspaceSessions removes every terminal session row for a
// workspace.
func (s *Store) DeleteWorkspaceSessions(workspacePath string) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM terminal_sessions WHERE workspace_path = ?", workspacePath)
		if err != nil {
			return fmt.Errorf("delete workspace sessions: %w", err)
		}
		return nil
	})
}

// DeleteNonPersistentWorkspaceSessions removes every terminal session row
// for a workspace that has no shellper locator. Rows with a shellper
// locator are left in place: their OS process is owned by the shellper
// host and survives a Tower restart, so the identity record must remain
// for the next startup reconciliation pass.
func (s *Store) DeleteNonPersistentWorkspaceSessions(workspacePath string) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`
			DELETE FROM terminal_sessions
			WHERE workspace_path = ? AND (shellper_socket IS NULL OR shellper_socket = '')
		`, workspacePath)
		if err != nil {
			return fmt.Errorf("delete non-persistent workspace sessions: %w", err)
		}
		return nil
	})
}

// ListSessions returns every persisted row for a workspace.
func (s *Store) ListSessions(workspacePath string) ([]TerminalSessionRow, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_path, type, COALESCE(role_id,''), COALESCE(pid,0),
			COALESCE(shellper_socket,''), COALESCE(shellper_pid,0), COALESCE(shellper_start_time,0),
			COALESCE(label,''), COALESCE(cwd,''), created_at
		FROM terminal_sessions WHERE workspace_path = ?
	`, workspacePath)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// ListAllSessions returns every persisted terminal session row, used at
// startup reconciliation time.
func (s *Store) ListAllSessions() ([]TerminalSessionRow, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_path, type, COALESCE(role_id,''), COALESCE(pid,0),
			COALESCE(shellper_socket,''), COALESCE(shellper_pid,0), COALESCE(shellper_start_time,0),
			COALESCE(label,''), COALESCE(cwd,''), created_at
		FROM terminal_sessions
	`)
	if err != nil {
		return nil, fmt.Errorf("list all sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func scanSessionRows(rows *sql.Rows) ([]TerminalSessionRow, error) {
	var out []TerminalSessionRow
	for rows.Next() {
		var r TerminalSessionRow
		if err := rows.Scan(&r.ID, &r.WorkspacePath, &r.Type, &r.RoleID, &r.PID,
			&r.ShellperSocket, &r.ShellperPID, &r.ShellperStartTime, &r.Label, &r.Cwd, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	if out == nil {
		out = []TerminalSessionRow{}
	}
	return out, nil
}

// UpdateSessionLabel sets the display label of a terminal session.
func (s *Store) UpdateSessionLabel(sessionID, label string) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec("UPDATE terminal_sessions SET label = ? WHERE id = ?", label, sessionID)
		if err != nil {
			return fmt.Errorf("update session label: %w", err)
		}
		return nil
	})
}

// InsertTab adds a new open-file tab to the store.
func (s *Store) InsertTab(tab OpenFileTab) error {
	if tab.CreatedAt == "" {
		tab.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(
			"INSERT OR REPLACE INTO tabs (id, workspace_path, file_path, sort_order, created_at) VALUES (?, ?, ?, ?, ?)",
			tab.ID, tab.WorkspacePath, tab.FilePath, tab.SortOrder, tab.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert tab: %w", err)
		}
		return nil
	})
}

// DeleteTab removes a single open-file tab.
func (s *Store) DeleteTab(tabID string) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM tabs WHERE id = ?", tabID)
		if err != nil {
			return fmt.Errorf("delete tab: %w", err)
		}
		return nil
	})
}

// DeleteWorkspaceTabs removes all open-file tabs for a workspace.
func (s *Store) DeleteWorkspaceTabs(workspacePath string) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM tabs WHERE workspace_path = ?", workspacePath)
		if err != nil {
			return fmt.Errorf("delete workspace tabs: %w", err)
		}
		return nil
	})
}

// ListTabs returns all open-file tabs for a workspace, ordered by
// sort_order then created_at.
func (s *Store) ListTabs(workspacePath string) ([]OpenFileTab, error) {
	rows, err := s.db.Query(
		"SELECT id, workspace_path, file_path, sort_order, created_at FROM tabs WHERE workspace_path = ? ORDER BY sort_order ASC, created_at ASC",
		workspacePath,
	)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer rows.Close()

	var tabs []OpenFileTab
	for rows.Next() {
		var t OpenFileTab
		if err := rows.Scan(&t.ID, &t.WorkspacePath, &t.FilePath, &t.SortOrder, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tab: %w", err)
		}
		tabs = append(tabs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tabs: %w", err)
	}
	if tabs == nil {
		tabs = []OpenFileTab{}
	}
	return tabs, nil
}

// ConsultationSummary counts consultations recorded for a workspace since a
// given time. This is the only surface the overview analytics aggregator
// needs from the consultation metrics database.
func (s *Store) ConsultationSummary(workspacePath string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM consultations WHERE workspace_path = ? AND created_at >= ?",
		workspacePath, since.UTC().Format("2006-01-02T15:04:05Z"),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("consultation summary: %w", err)
	}
	return count, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
