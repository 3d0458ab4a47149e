// Package auth keeps the auth_token cookie between runs and derives the
// current user from it.
package auth

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	CookieName = "auth_token"
	CookiePath = "/"
	CookieTTL  = 7 * 24 * time.Hour
)

var ErrNotLoggedIn = errors.New("not logged in")

// Store is a cookie jar holding a single cookie. It is backed by SQLite so the
// token survives restarts and expires like the browser cookie it replaces.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "creating cookie directory")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening cookie store")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to cookie store")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cookies (
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		PRIMARY KEY (name, path)
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing cookie schema")
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores token with the cookie expiry.
func (s *Store) Save(token string) error {
	expires := s.now().Add(CookieTTL).UTC()
	_, err := s.db.Exec(`
		INSERT INTO cookies (name, path, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name, path) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, CookieName, CookiePath, token, expires)
	return errors.Wrap(err, "saving token")
}

// Token returns the stored token. Expired tokens are deleted and reported as
// ErrNotLoggedIn.
func (s *Store) Token() (string, error) {
	var (
		value   string
		expires time.Time
	)
	err := s.db.QueryRow(
		"SELECT value, expires_at FROM cookies WHERE name = ? AND path = ?",
		CookieName, CookiePath,
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", errors.Wrap(err, "reading token")
	}

	if !s.now().Before(expires) {
		if err := s.Remove(); err != nil {
			return "", err
		}
		return "", ErrNotLoggedIn
	}
	return value, nil
}

func (s *Store) Remove() error {
	_, err := s.db.Exec("DELETE FROM cookies WHERE name = ? AND path = ?", CookieName, CookiePath)
	return errors.Wrap(err, "removing token")
}
