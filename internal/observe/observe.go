// Package observe is a local loopback WebSocket status/event server,
// replacing the Wails runtime.EventsEmit bridge the desktop build used to
// push session state to its frontend. A Hub upgrades connections on
// /ws, sends each new client the current snapshot immediately, then
// pushes again whenever Notify is called or the poll interval elapses.
// Grounded on the websocket.Upgrader/ReadMessage/WriteMessage pattern in
// backend/service/terminal/terminal.go, generalized from a bidirectional
// PTY stream to a one-way snapshot broadcast.
package observe

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SnapshotFunc returns the payload pushed to clients, typically a closure
// over *supervisor.Supervisor's Snapshot method (whose concrete return
// type the caller wires in, since Hub stays decoupled from supervisor).
type SnapshotFunc func() any

// Hub serves session snapshots over WebSocket on a loopback HTTP server.
type Hub struct {
	logger   *log.Logger
	snapshot SnapshotFunc

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// New creates a Hub that will serve snapshots read from snapshot.
func New(logger *log.Logger, snapshot SnapshotFunc) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// Loopback-only server consumed by a local CLI or GUI shell,
			// not a browser page from another origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Listen binds addr synchronously, matching the Listen/Serve split in
// internal/socks5 and internal/httpproxy so a caller can detect a
// port-in-use error before committing to a background Serve goroutine.
func (h *Hub) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{Handler: mux}
	return nil
}

// Serve runs the accept loop and the snapshot poll loop until ctx is
// canceled. Listen must have been called first.
func (h *Hub) Serve(ctx context.Context, pollInterval time.Duration) error {
	go h.pollLoop(ctx, pollInterval)
	go func() {
		<-ctx.Done()
		h.server.Close()
	}()

	err := h.server.Serve(h.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe binds addr and serves /ws until ctx is canceled. It blocks
// and returns nil on a clean shutdown.
func (h *Hub) ListenAndServe(ctx context.Context, addr string, pollInterval time.Duration) error {
	if err := h.Listen(addr); err != nil {
		return err
	}
	return h.Serve(ctx, pollInterval)
}

// Addr returns the bound address, valid after Listen (or ListenAndServe)
// has bound it; nil before that.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("observe: upgrade: %v", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if err := c.send(h.snapshot()); err != nil {
		h.dropClient(c)
		return
	}

	// Drain and discard inbound frames so the connection's read side keeps
	// up with control frames (ping/close); this hub never accepts commands.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.dropClient(c)
			return
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

// Notify pushes the current snapshot to every connected client immediately,
// used by the supervisor on a state transition rather than waiting for the
// next poll tick.
func (h *Hub) Notify() {
	h.broadcast(h.snapshot())
}

func (h *Hub) pollLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(h.snapshot())
		}
	}
}

func (h *Hub) broadcast(v any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(v); err != nil {
			h.dropClient(c)
		}
	}
}

// Close shuts the hub's HTTP server down and drops all clients.
func (h *Hub) Close() error {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}
