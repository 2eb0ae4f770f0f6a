// Package admin persists the administrator credential store and ban records,
// the only state that survives a server restart. Credentials cross this
// boundary as SHA-256 hex digests; raw passwords and raw addresses never do.
package admin

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var (
	// ErrAdminExists indicates the username is already registered.
	ErrAdminExists = errors.New("admin already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS admins (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bans (
	ip_hash    TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`

// Store wraps the SQLite database holding admins and bans.
type Store struct {
	conn *sql.DB
}

// Open opens the store at the given path and initializes the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; WAL lets reads proceed alongside it.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Authenticate reports whether the username exists with the given password
// hash.
func (s *Store) Authenticate(username, passwordHash string) (bool, error) {
	var count int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM admins WHERE username = ? AND password_hash = ?",
		username, passwordHash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to authenticate: %w", err)
	}
	return count > 0, nil
}

// SetPassword rewrites an existing admin's password hash. Returns false when
// the username is not registered.
func (s *Store) SetPassword(username, passwordHash string) (bool, error) {
	res, err := s.conn.Exec(
		"UPDATE admins SET password_hash = ? WHERE username = ?",
		passwordHash, username,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Create registers a new admin.
func (s *Store) Create(username, passwordHash string) error {
	_, err := s.conn.Exec(
		"INSERT INTO admins (username, password_hash) VALUES (?, ?)",
		username, passwordHash,
	)
	if err != nil {
		var exists bool
		if lookupErr := s.conn.QueryRow(
			"SELECT COUNT(*) > 0 FROM admins WHERE username = ?", username,
		).Scan(&exists); lookupErr == nil && exists {
			return ErrAdminExists
		}
		return fmt.Errorf("failed to create admin: %w", err)
	}
	return nil
}

// Count returns the number of registered admins.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM admins").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

// AddBan records a banned hashed address. Re-banning is a no-op.
func (s *Store) AddBan(ipHash string) error {
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO bans (ip_hash) VALUES (?)", ipHash,
	)
	if err != nil {
		return fmt.Errorf("failed to record ban: %w", err)
	}
	return nil
}

// ListBans returns every recorded hashed address.
func (s *Store) ListBans() ([]string, error) {
	rows, err := s.conn.Query("SELECT ip_hash FROM bans")
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []string
	for rows.Next() {
		var ipHash string
		if err := rows.Scan(&ipHash); err != nil {
			return nil, err
		}
		bans = append(bans, ipHash)
	}
	return bans, rows.Err()
}
