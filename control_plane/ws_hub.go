package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/observability"
)

const (
	maxWSConnections         = 200
	defaultBroadcastInterval = 5 * time.Second
	wsWriteTimeout           = 5 * time.Second
)

// DashboardHub pushes the fleet summary to every connected dashboard. A
// single goroutine owns the connections and performs every data write.
type DashboardHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	quit       chan struct{}
	mu         sync.RWMutex

	summaries *DashboardService
	interval  time.Duration
	logger    zerolog.Logger
}

func NewDashboardHub(summaries *DashboardService, interval time.Duration, logger zerolog.Logger) *DashboardHub {
	if interval <= 0 {
		interval = defaultBroadcastInterval
	}
	return &DashboardHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		quit:       make(chan struct{}),
		summaries:  summaries,
		interval:   interval,
		logger:     observability.Component(logger, "dashboard_hub"),
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled.
func (h *DashboardHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer close(h.quit)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected")
				continue
			}
			h.clients[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			observability.DashboardClients.Set(float64(count))
			h.logger.Debug().Int("clients", count).Msg("websocket client registered")
			h.send(ctx, []*websocket.Conn{conn})

		case conn := <-h.unregister:
			h.remove(conn)

		case <-ticker.C:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for c := range h.clients {
				conns = append(conns, c)
			}
			h.mu.RUnlock()
			if len(conns) > 0 {
				h.send(ctx, conns)
			}
		}
	}
}

// send writes the current summary to conns, dropping any that fail.
func (h *DashboardHub) send(ctx context.Context, conns []*websocket.Conn) {
	summary, err := h.summaries.Summary(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to collect dashboard summary")
		return
	}
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(summary); err != nil {
			h.logger.Debug().Err(err).Msg("websocket write failed")
			h.remove(conn)
		}
	}
}

func (h *DashboardHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	observability.DashboardClients.Set(float64(count))
}

// shutdown closes all client connections.
func (h *DashboardHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Info().Int("clients", len(h.clients)).Msg("shutting down dashboard hub")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.DashboardClients.Set(0)
}

// Register hands conn to the hub. It reports false once the hub has stopped.
func (h *DashboardHub) Register(conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes conn. It is a no-op once the hub has stopped.
func (h *DashboardHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients.
func (h *DashboardHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
