// Package auth manages the admin accounts and bearer sessions of the HTTP API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
)

// DefaultSessionTTL is how long a login token stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Service struct {
	db     *sql.DB
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	// dummyHash keeps a login for an unknown user as slow as a wrong password.
	dummyHash []byte
}

func NewService(db *sql.DB) *Service {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("forgebot"), bcrypt.DefaultCost)
	return &Service{
		db:        db,
		ttl:       DefaultSessionTTL,
		logger:    xlog.WithComponent("auth"),
		now:       time.Now,
		dummyHash: dummy,
	}
}

// EnsureAdmin creates the admin account when no account exists yet. An empty
// password leaves the table untouched, so the API has no usable login.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if password == "" {
		s.logger.Warn().Str("event", "auth.no_admin").Msg("no admin password configured; HTTP API logins are disabled")
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO users (username, password_hash) VALUES (?, ?)", username, string(hash)); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	s.logger.Info().Str("event", "auth.admin_created").Str("user", username).Msg("created admin account")
	return nil
}

// Login checks the password and returns a new session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, password_hash FROM users WHERE username = ?", username).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	expires := s.now().Add(s.ttl).UTC()
	if _, err := s.db.ExecContext(ctx, "INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)", digest(token), id, expires); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// ValidateSession returns the user behind token. Expired sessions are removed.
func (s *Service) ValidateSession(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrSessionExpired
	}
	var (
		user      User
		expiresAt time.Time
	)
	key := digest(token)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, s.expires_at
		FROM sessions s JOIN users u ON s.user_id = u.id
		WHERE s.token = ?`, key).Scan(&user.ID, &user.Username, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.now().After(expiresAt) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", key); err != nil {
			s.logger.Warn().Err(err).Msg("could not remove expired session")
		}
		return nil, ErrSessionExpired
	}
	return &user, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", digest(token))
	return err
}

// PruneExpired deletes every expired session and returns how many went.
func (s *Service) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// digest is what the sessions table stores instead of the token itself.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
