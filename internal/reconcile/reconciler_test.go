package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reedfamily/forgebot/internal/audit"
	"github.com/reedfamily/forgebot/internal/forge"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu     sync.Mutex
	worlds []forge.World
	err    error
	calls  int
	// during runs after the list is taken, standing in for a command that
	// lands mid-pass.
	during func()
}

func (f *fakeSource) Worlds(context.Context) ([]forge.World, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.during != nil {
		f.during()
	}
	return f.worlds, f.err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memJournal struct {
	entries []audit.Entry
}

func (m *memJournal) Record(_ context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func seededStore(t *testing.T, seed map[string]status.Label) *status.Store {
	t.Helper()
	s, err := status.Open(filepath.Join(t.TempDir(), "world_statuses.json"))
	require.NoError(t, err)
	for slug, l := range seed {
		require.NoError(t, s.Set(slug, l))
	}
	return s
}

func TestReconcileOverwritesDivergentEntries(t *testing.T) {
	store := seededStore(t, map[string]status.Label{
		"wd":  status.Offline,
		"sh":  status.Online,
		"hws": status.Idle,
		"cos": status.Online, // missing from the provider response
	})
	src := &fakeSource{worlds: []forge.World{
		{Name: "wd", Active: true},
		{Name: "sh", Active: false},
		{Name: "hws", Active: false},
		{Name: "stranger", Active: true},
	}}
	j := &memJournal{}

	res, err := New(src, store, j, Options{}).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Checked: 4, Updated: 2}, res)

	assert.Equal(t, []status.Entry{
		{Slug: "cos", Status: status.Online},
		{Slug: "hws", Status: status.Idle},
		{Slug: "sh", Status: status.Offline},
		{Slug: "wd", Status: status.Online},
	}, store.Snapshot())
	assert.Len(t, j.entries, 2)

	reloaded, err := status.Open(store.Path())
	require.NoError(t, err)
	assert.Equal(t, store.Snapshot(), reloaded.Snapshot())
}

func TestReconcileAdoptUnknown(t *testing.T) {
	store := seededStore(t, nil)
	src := &fakeSource{worlds: []forge.World{{Name: "stranger", Active: true}, {Name: "", Active: true}}}

	res, err := New(src, store, nil, Options{AdoptUnknown: true}).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Adopted)
	l, ok := store.Get("stranger")
	require.True(t, ok)
	assert.Equal(t, status.Online, l)
}

func TestReconcileProviderErrorKeepsStore(t *testing.T) {
	store := seededStore(t, map[string]status.Label{"wd": status.Online})
	src := &fakeSource{err: errors.New("boom")}

	_, err := New(src, store, nil, Options{}).Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, []status.Entry{{Slug: "wd", Status: status.Online}}, store.Snapshot())
}

func TestReconcileKeepsIdleSetMidPass(t *testing.T) {
	store := seededStore(t, map[string]status.Label{"wd": status.Online})
	src := &fakeSource{
		worlds: []forge.World{{Name: "wd", Active: false}},
		during: func() { require.NoError(t, store.Set("wd", status.Idle)) },
	}

	res, err := New(src, store, nil, Options{}).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Checked: 1}, res)
	l, _ := store.Get("wd")
	assert.Equal(t, status.Idle, l)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	store := seededStore(t, map[string]status.Label{"wd": status.Offline})
	src := &fakeSource{worlds: []forge.World{{Name: "wd", Active: true}}}

	r := New(src, store, nil, Options{Interval: time.Hour})
	r.Start(context.Background())
	require.Eventually(t, func() bool {
		l, _ := store.Get("wd")
		return l == status.Online
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()

	assert.Equal(t, 1, src.count())
}
