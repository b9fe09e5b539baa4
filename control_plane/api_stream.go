package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/AutoPatch/control_plane/identity"
	"github.com/itskum47/AutoPatch/control_plane/middleware"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleDashboardStream authenticates from the Authorization header or the
// token query parameter, upgrades to a websocket and registers with the hub.
func (a *API) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		a.writeError(w, r, fmt.Errorf("missing bearer token: %w", identity.ErrUnauthorized))
		return
	}
	if _, err := a.users.Authenticate(r.Context(), token); err != nil {
		a.writeError(w, r, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !a.hub.Register(conn) {
		conn.Close()
		return
	}
	defer a.hub.Unregister(conn)

	// Configure ping/pong for dead client detection
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
