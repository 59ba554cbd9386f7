package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/reedfamily/forgebot/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "forgebot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	return NewJournal(database)
}

func TestRecordAndRecent(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, action := range []string{"start", "idle", "stop"} {
		require.NoError(t, j.Record(ctx, Entry{
			Actor:     "135630872652021761",
			Source:    SourceDiscord,
			Action:    action,
			World:     "dndextraordinaire-wd",
			Status:    "Online",
			OK:        i != 1,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "stop", got[0].Action)
	assert.True(t, got[0].OK)
	assert.Equal(t, "idle", got[1].Action)
	assert.False(t, got[1].OK)
	assert.NotEmpty(t, got[0].ID)
	assert.True(t, got[0].CreatedAt.Equal(base.Add(2*time.Minute)))
}

func TestRecentEmpty(t *testing.T) {
	got, err := openJournal(t).Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}
