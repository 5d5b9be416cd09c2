package devserver

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenStore loads a store from the sqlite file at path and persists later
// changes there.
func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := NewStore()
	if err := store.loadFromSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.db = db
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA foreign_keys = ON;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE COLLATE NOCASE,
  email TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
  token_id TEXT PRIMARY KEY,
  token_hash TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL REFERENCES users(id),
  type TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  expires_at_ms INTEGER NOT NULL,
  revoked INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);
CREATE TABLE IF NOT EXISTS game_sessions (
  code TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  members TEXT NOT NULL
);
`)
	return err
}

func (s *Store) loadFromSQLite(db *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, load := range []func(*sql.DB) error{s.loadUsersLocked, s.loadTokensLocked, s.loadSessionsLocked} {
		if err := load(db); err != nil {
			return err
		}
	}
	return nil
}

// eachRow runs scan for every row of query and closes the cursor.
func eachRow(db *sql.DB, query string, scan func(*sql.Rows) error) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) loadUsersLocked(db *sql.DB) error {
	return eachRow(db, `SELECT id, username, email, password_hash, role, created_at_ms FROM users`, func(rows *sql.Rows) error {
		u := &UserRecord{}
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAtMS); err != nil {
			return err
		}
		u.Permissions = permissionsFor(u.Role)
		s.users[u.ID] = u
		s.byUsername[strings.ToLower(u.Username)] = u
		return nil
	})
}

func (s *Store) loadTokensLocked(db *sql.DB) error {
	return eachRow(db, `SELECT token_id, token_hash, user_id, type, created_at_ms, expires_at_ms, revoked FROM tokens`, func(rows *sql.Rows) error {
		t := &TokenRecord{}
		var revoked int
		if err := rows.Scan(&t.TokenID, &t.TokenHash, &t.UserID, &t.Type, &t.CreatedAtMS, &t.ExpiresAtMS, &revoked); err != nil {
			return err
		}
		if t.TokenHash == "" || t.TokenID == "" {
			return errMissingTokenKey
		}
		if _, dup := s.tokensHash[t.TokenHash]; dup {
			return fmt.Errorf("duplicate token hash for token %s", t.TokenID)
		}
		t.Revoked = revoked != 0
		s.tokensHash[t.TokenHash] = t
		s.tokensID[t.TokenID] = t
		return nil
	})
}

func (s *Store) loadSessionsLocked(db *sql.DB) error {
	return eachRow(db, `SELECT code, name, members FROM game_sessions`, func(rows *sql.Rows) error {
		gs := &GameSession{}
		var members string
		if err := rows.Scan(&gs.Code, &gs.Name, &members); err != nil {
			return err
		}
		if members != "" {
			gs.Members = strings.Split(members, ",")
		}
		s.sessions[gs.Code] = gs
		return nil
	})
}

func (s *Store) persistUserLocked(rec *UserRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, username, email, password_hash, role, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Username, rec.Email, rec.PasswordHash, rec.Role, rec.CreatedAtMS,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrUserExists
	}
	return err
}

func (s *Store) persistTokenLocked(rec *TokenRecord) error {
	if s.db == nil {
		return nil
	}
	revoked := 0
	if rec.Revoked {
		revoked = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO tokens (token_id, token_hash, user_id, type, created_at_ms, expires_at_ms, revoked)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TokenID,
		rec.TokenHash,
		rec.UserID,
		string(rec.Type),
		rec.CreatedAtMS,
		rec.ExpiresAtMS,
		revoked,
	)
	return err
}

func (s *Store) persistRevokeByUserLocked(userID string, types []TokenType) error {
	if s.db == nil || userID == "" || len(types) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	query := fmt.Sprintf(`UPDATE tokens SET revoked = 1 WHERE user_id = ? AND type IN (%s) AND revoked = 0`, placeholders)
	args := make([]any, 0, len(types)+1)
	args = append(args, userID)
	for _, tt := range types {
		args = append(args, string(tt))
	}
	_, err := s.db.Exec(query, args...)
	return err
}

func (s *Store) persistSessionLocked(gs *GameSession) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO game_sessions (code, name, members) VALUES (?, ?, ?)
ON CONFLICT(code) DO UPDATE SET name = excluded.name, members = excluded.members`,
		gs.Code, gs.Name, strings.Join(gs.Members, ","),
	)
	return err
}
