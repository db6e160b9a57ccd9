package aggregator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BroadcastInterval is the delta cadence.
const BroadcastInterval = time.Second

// wire message kinds sent to websocket clients.
const (
	messageSnapshot = "snapshot"
	messageDelta    = "delta"
)

type wireMessage struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

// Broadcaster streams aggregator snapshots to websocket clients: a full
// snapshot on accept, then one delta per second. A dead client is dropped
// on its next send failure without affecting the others.
type Broadcaster struct {
	agg      *Aggregator
	logger   *slog.Logger
	upgrader websocket.Upgrader
	interval time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewBroadcaster creates a broadcaster over the aggregator.
func NewBroadcaster(agg *Aggregator, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		agg:      agg,
		logger:   logger,
		interval: BroadcastInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the connection and registers the client.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if err := conn.WriteJSON(wireMessage{Type: messageSnapshot, Data: b.agg.Snapshot()}); err != nil {
		b.logger.Debug("Initial snapshot send failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("Websocket client connected", "remote", r.RemoteAddr)
}

// Run broadcasts deltas until ctx is done, then closes every client.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.broadcast()
		}
	}
}

// broadcast sends one delta to every client, dropping the ones that fail.
func (b *Broadcaster) broadcast() {
	msg := wireMessage{Type: messageDelta, Data: b.agg.Snapshot()}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(msg); err != nil {
			b.drop(conn)
		}
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	_ = conn.Close()
	b.logger.Debug("Websocket client dropped")
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		_ = conn.Close()
	}
}
