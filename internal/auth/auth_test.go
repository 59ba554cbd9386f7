package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/reedfamily/forgebot/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "forgebot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	return NewService(database)
}

func TestEnsureAdminWithoutPassword(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureAdmin(ctx, "admin", ""))

	_, err := s.Login(ctx, "admin", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginValidateLogout(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureAdmin(ctx, "admin", "hunter2"))
	// A second call does not replace the existing account.
	require.NoError(t, s.EnsureAdmin(ctx, "admin", "other"))

	_, err := s.Login(ctx, "admin", "other")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(ctx, "nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := s.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	user, err := s.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)

	_, err = s.ValidateSession(ctx, digest(token))
	assert.ErrorIs(t, err, ErrSessionExpired)

	require.NoError(t, s.Logout(ctx, token))
	_, err = s.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionExpiry(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureAdmin(ctx, "admin", "hunter2"))

	token, err := s.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	stale, err := s.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(DefaultSessionTTL + time.Hour) }
	_, err = s.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.ValidateSession(ctx, stale)
	assert.ErrorIs(t, err, ErrSessionExpired)
}
