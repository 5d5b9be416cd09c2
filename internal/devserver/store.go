package devserver

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenReset   TokenType = "reset"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrBadCredentials  = errors.New("invalid username or password")
	ErrTokenInvalid    = errors.New("token invalid or expired")
	ErrUnknownSession  = errors.New("session not found")
	ErrUnknownUser     = errors.New("user not found")
	errMissingTokenKey = errors.New("missing token hash or id")
)

type UserRecord struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	Email        string   `json:"email,omitempty"`
	PasswordHash string   `json:"-"`
	Role         string   `json:"role"`
	Permissions  []string `json:"permissions,omitempty"`
	CreatedAtMS  int64    `json:"created_at_ms"`
}

type TokenRecord struct {
	TokenID     string    `json:"token_id"`
	TokenHash   string    `json:"-"`
	UserID      string    `json:"user_id"`
	Type        TokenType `json:"type"`
	CreatedAtMS int64     `json:"created_at_ms"`
	ExpiresAtMS int64     `json:"expires_at_ms"`
	Revoked     bool      `json:"revoked"`
}

type GameSession struct {
	Code    string   `json:"session_code"`
	Name    string   `json:"name"`
	Members []string `json:"-"`
}

// Store keeps users, tokens and game sessions in memory and, when opened
// with OpenStore, writes every change through to sqlite.
type Store struct {
	now func() time.Time
	db  *sql.DB

	mu         sync.RWMutex
	users      map[string]*UserRecord
	byUsername map[string]*UserRecord
	tokensHash map[string]*TokenRecord
	tokensID   map[string]*TokenRecord
	sessions   map[string]*GameSession
	bcryptCost int
}

func NewStore() *Store {
	return &Store{
		now:        time.Now,
		users:      make(map[string]*UserRecord),
		byUsername: make(map[string]*UserRecord),
		tokensHash: make(map[string]*TokenRecord),
		tokensID:   make(map[string]*TokenRecord),
		sessions:   make(map[string]*GameSession),
		bcryptCost: bcrypt.DefaultCost,
	}
}

func permissionsFor(role string) []string {
	switch role {
	case "gm", "admin":
		return []string{"table:view", "table:edit", "sprite:edit", "player:kick"}
	default:
		return []string{"table:view", "sprite:edit"}
	}
}

func (s *Store) CreateUser(username, email, password, role string) (UserRecord, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return UserRecord{}, errors.New("username and password required")
	}
	if role == "" {
		role = "player"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return UserRecord{}, err
	}
	rec := &UserRecord{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		Role:         role,
		Permissions:  permissionsFor(role),
		CreatedAtMS:  s.now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := s.byUsername[key]; ok {
		return UserRecord{}, ErrUserExists
	}
	if err := s.persistUserLocked(rec); err != nil {
		return UserRecord{}, err
	}
	s.users[rec.ID] = rec
	s.byUsername[key] = rec
	return *rec, nil
}

func (s *Store) Authenticate(username, password string) (UserRecord, error) {
	s.mu.RLock()
	rec := s.byUsername[strings.ToLower(strings.TrimSpace(username))]
	s.mu.RUnlock()
	if rec == nil {
		return UserRecord{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return UserRecord{}, ErrBadCredentials
	}
	return *rec, nil
}

func (s *Store) User(id string) (UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.users[id]
	if rec == nil {
		return UserRecord{}, false
	}
	return *rec, true
}

func (s *Store) UserByName(username string) (UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.byUsername[strings.ToLower(username)]
	if rec == nil {
		return UserRecord{}, false
	}
	return *rec, true
}

func (s *Store) UserByEmail(email string) (UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.users {
		if rec.Email != "" && strings.EqualFold(rec.Email, email) {
			return *rec, true
		}
	}
	return UserRecord{}, false
}

func (s *Store) SetPassword(userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.users[userID]
	if rec == nil {
		return ErrUnknownUser
	}
	if s.db != nil {
		if _, err := s.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, string(hash), userID); err != nil {
			return err
		}
	}
	rec.PasswordHash = string(hash)
	return nil
}

// IssueToken creates a token of type tt for the user and returns the plain
// value, which is never stored.
func (s *Store) IssueToken(userID string, tt TokenType, ttl time.Duration) (string, TokenRecord, error) {
	plain, err := randomToken()
	if err != nil {
		return "", TokenRecord{}, err
	}
	now := s.now()
	rec := &TokenRecord{
		TokenID:     uuid.NewString(),
		TokenHash:   HashToken(plain),
		UserID:      userID,
		Type:        tt,
		CreatedAtMS: now.UnixMilli(),
		ExpiresAtMS: now.Add(ttl).UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID] == nil {
		return "", TokenRecord{}, ErrUnknownUser
	}
	if err := s.insertTokenLocked(rec); err != nil {
		return "", TokenRecord{}, err
	}
	return plain, *rec, nil
}

func (s *Store) insertTokenLocked(rec *TokenRecord) error {
	if rec.TokenHash == "" || rec.TokenID == "" {
		return errMissingTokenKey
	}
	if _, ok := s.tokensHash[rec.TokenHash]; ok {
		return errors.New("token already exists")
	}
	if err := s.persistTokenLocked(rec); err != nil {
		return err
	}
	s.tokensHash[rec.TokenHash] = rec
	s.tokensID[rec.TokenID] = rec
	return nil
}

// Lookup resolves a plain token of type tt to its live record and user.
func (s *Store) Lookup(plain string, tt TokenType) (TokenRecord, UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, user, err := s.lookupLocked(plain, tt)
	if err != nil {
		return TokenRecord{}, UserRecord{}, err
	}
	return *rec, *user, nil
}

// Consume validates a single-use token and revokes it under the same lock,
// so two requests presenting it cannot both succeed.
func (s *Store) Consume(plain string, tt TokenType) (TokenRecord, UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, user, err := s.lookupLocked(plain, tt)
	if err != nil {
		return TokenRecord{}, UserRecord{}, err
	}
	if s.db != nil {
		if _, err := s.db.Exec(`UPDATE tokens SET revoked = 1 WHERE token_id = ?`, rec.TokenID); err != nil {
			return TokenRecord{}, UserRecord{}, fmt.Errorf("revoke token: %w", err)
		}
	}
	rec.Revoked = true
	return *rec, *user, nil
}

func (s *Store) lookupLocked(plain string, tt TokenType) (*TokenRecord, *UserRecord, error) {
	if plain == "" {
		return nil, nil, ErrTokenInvalid
	}
	rec := s.tokensHash[HashToken(plain)]
	if rec == nil || rec.Type != tt || rec.Revoked || s.now().UnixMilli() >= rec.ExpiresAtMS {
		return nil, nil, ErrTokenInvalid
	}
	user := s.users[rec.UserID]
	if user == nil {
		return nil, nil, ErrTokenInvalid
	}
	return rec, user, nil
}

// RevokeUser revokes every live token of the given types for a user.
func (s *Store) RevokeUser(userID string, types ...TokenType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[TokenType]bool, len(types))
	for _, tt := range types {
		want[tt] = true
	}
	if err := s.persistRevokeByUserLocked(userID, types); err != nil {
		return 0
	}
	n := 0
	for _, rec := range s.tokensID {
		if rec.UserID == userID && want[rec.Type] && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n
}

// AddSession registers a game session. Members are usernames.
func (s *Store) AddSession(code, name string, members []string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("session code required")
	}
	gs := &GameSession{Code: code, Name: name, Members: append([]string(nil), members...)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistSessionLocked(gs); err != nil {
		return err
	}
	s.sessions[code] = gs
	return nil
}

func (s *Store) Session(code string) (GameSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gs := s.sessions[code]
	if gs == nil {
		return GameSession{}, false
	}
	out := *gs
	out.Members = append([]string(nil), gs.Members...)
	return out, true
}

// SessionsFor lists the sessions the user belongs to, ordered by code.
func (s *Store) SessionsFor(username string) []GameSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []GameSession
	for _, gs := range s.sessions {
		if gs.hasMember(username) {
			out = append(out, GameSession{Code: gs.Code, Name: gs.Name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (gs *GameSession) hasMember(username string) bool {
	for _, m := range gs.Members {
		if strings.EqualFold(m, username) || m == "*" {
			return true
		}
	}
	return false
}

func (s *Store) IsMember(code, username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gs := s.sessions[code]
	return gs != nil && gs.hasMember(username)
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
