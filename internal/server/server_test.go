package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reedfamily/forgebot/internal/audit"
	"github.com/reedfamily/forgebot/internal/auth"
	"github.com/reedfamily/forgebot/internal/config"
	"github.com/reedfamily/forgebot/internal/db"
	"github.com/reedfamily/forgebot/internal/forge"
	"github.com/reedfamily/forgebot/internal/reconcile"
	"github.com/reedfamily/forgebot/internal/scheduler"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/reedfamily/forgebot/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type games []string

func (g games) Games() []string { return g }

type env struct {
	api      *httptest.Server
	store    *status.Store
	token    string
	upstream atomic.Int32
	calls    atomic.Int32
	listDown atomic.Bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	e.upstream.Store(http.StatusOK)

	forgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.calls.Add(1)
		if r.URL.Path == "/api/data/worlds" {
			if e.listDown.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("internal trace id=abc123"))
				return
			}
			_, _ = w.Write([]byte(`[{"name":"wd","active":true},{"name":"sh","active":false}]`))
			return
		}
		w.WriteHeader(int(e.upstream.Load()))
	}))
	t.Cleanup(forgeSrv.Close)

	database, err := db.Open(filepath.Join(t.TempDir(), "forgebot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))

	e.store, err = status.Open(filepath.Join(t.TempDir(), "world_statuses.json"))
	require.NoError(t, err)

	client := forge.New(forgeSrv.URL, "key", time.Second)
	journal := audit.NewJournal(database)
	authSvc := auth.NewService(database)
	ctx := context.Background()
	require.NoError(t, authSvc.EnsureAdmin(ctx, "admin", "hunter2"))

	srv := New(Deps{
		Auth:       authSvc,
		Worlds:     world.NewService(client, e.store, journal),
		Games:      games(config.DefaultGames),
		History:    journal,
		Reconciler: reconcile.New(client, e.store, journal, reconcile.Options{}),
		Schedules:  scheduler.NewRepository(database),
		Origins:    []string{"http://localhost:5173"},
	})
	e.api = httptest.NewServer(srv.Router())
	t.Cleanup(e.api.Close)

	e.token, err = authSvc.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body == "" {
		rdr = bytes.NewReader(nil)
	} else {
		rdr = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, e.api.URL+path, rdr)
	require.NoError(t, err)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	e.token = ""
	resp, body := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "forgebot_http_request_duration_seconds")
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	e.token = ""
	resp, _ := e.do(t, http.MethodGet, "/api/v1/worlds", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	e.token = "bogus"
	resp, _ = e.do(t, http.MethodPost, "/api/v1/worlds/wd/start", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, e.calls.Load())
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	e.token = ""
	resp, _ := e.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	e.token = out["token"]

	resp, body = e.do(t, http.MethodGet, "/api/v1/auth/me", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"username":"admin"`)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/auth/logout", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorldActions(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/v1/worlds/wd/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"slug":"wd","status":"Online"}`, string(body))

	resp, body = e.do(t, http.MethodPost, "/api/v1/worlds/wd/idle", `{"force":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"slug":"wd","status":"Idle"}`, string(body))

	e.upstream.Store(http.StatusForbidden)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/worlds/wd/stop", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	got, _ := e.store.Get("wd")
	assert.Equal(t, status.Idle, got)

	calls := e.calls.Load()
	resp, _ = e.do(t, http.MethodPut, "/api/v1/worlds/wd/status", `{"status":"banana"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = e.do(t, http.MethodPut, "/api/v1/worlds/wd/status", `{"status":"OFFLINE"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"slug":"wd","status":"Offline"}`, string(body))
	assert.Equal(t, calls, e.calls.Load())

	resp, body = e.do(t, http.MethodGet, "/api/v1/worlds", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"slug":"wd","status":"Offline"}]`, string(body))

	resp, body = e.do(t, http.MethodGet, "/api/v1/history?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []audit.Entry
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "reset", history[0].Action)
	assert.Equal(t, "admin", history[0].Actor)
	assert.Equal(t, audit.SourceHTTP, history[0].Source)
	assert.False(t, history[1].OK)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGamesAndReconcile(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/v1/games", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []string
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, config.DefaultGames, list)

	require.NoError(t, e.store.Set("wd", status.Offline))
	resp, body = e.do(t, http.MethodPost, "/api/v1/reconcile", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"checked":2,"updated":1,"adopted":0}`, string(body))
	got, _ := e.store.Get("wd")
	assert.Equal(t, status.Online, got)

	e.listDown.Store(true)
	resp, body = e.do(t, http.MethodPost, "/api/v1/reconcile", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.JSONEq(t, `{"error":"reconcile failed"}`, string(body))
	assert.NotContains(t, string(body), "abc123")
}

func TestSchedules(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/schedules", `{"world":"wd","name":"n","cron_expr":"0 0 * * *","action":"backup"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/v1/schedules", `{"world":"wd","name":"nightly","cron_expr":"0 2 * * *","action":"stop"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created scheduler.Schedule
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, created.Enabled)

	resp, body = e.do(t, http.MethodPut, "/api/v1/schedules/"+created.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"enabled":false`)

	resp, body = e.do(t, http.MethodGet, "/api/v1/schedules?world=wd", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), created.ID)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveStream(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.Set("sh", status.Offline))

	wsURL := "ws" + strings.TrimPrefix(e.api.URL, "http") + "/api/v1/worlds/live"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+e.token, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Type   string         `json:"type"`
		Worlds []status.Entry `json:"worlds"`
		Change *status.Change `json:"change"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, []status.Entry{{Slug: "sh", Status: status.Offline}}, msg.Worlds)

	require.NoError(t, e.store.Set("sh", status.Online))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "change", msg.Type)
	require.NotNil(t, msg.Change)
	assert.Equal(t, status.Offline, msg.Change.Previous)
	assert.Equal(t, status.Online, msg.Change.Status)
}
