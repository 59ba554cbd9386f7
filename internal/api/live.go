package api

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/status"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// liveMessage is one frame on the live stream: a snapshot on connect, then
// one change per status mutation.
type liveMessage struct {
	Type   string         `json:"type"`
	Worlds []status.Entry `json:"worlds,omitempty"`
	Change *status.Change `json:"change,omitempty"`
}

type LiveHandler struct {
	store    *status.Store
	upgrader websocket.Upgrader
}

// NewLiveHandler accepts browser connections from the given origins; "*"
// allows any.
func NewLiveHandler(store *status.Store, origins []string) *LiveHandler {
	return &LiveHandler{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || slices.Contains(origins, "*") {
					return true
				}
				if slices.Contains(origins, origin) {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
	}
}

// Stream pushes status changes over a websocket until the client goes away.
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	logger := xlog.WithComponent("live")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.store.Subscribe()
	defer h.store.Unsubscribe(ch)

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(liveMessage{Type: "snapshot", Worlds: h.store.Snapshot()}); err != nil {
		return
	}

	// Reads only detect disconnects and keep pongs flowing.
	done := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(liveMessage{Type: "change", Change: &c}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
