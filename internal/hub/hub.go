package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/ingest"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"
)

// maxLogItems bounds getLogs responses regardless of the client-requested
// limit, keeping response size and query cost predictable.
const maxLogItems = 300

// LogSource is the read side of the persistent store the hub queries.
type LogSource interface {
	RecentLogs(ctx context.Context, limit int) ([]model.LogEntry, error)
}

// Recorder persists messages that classify as events or commands. Fan-out and
// persistence stay behind separate interfaces so each can be tested alone.
type Recorder interface {
	IngestMessage(ctx context.Context, msg ingest.Message) (model.LogEntry, error)
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *client) send(messageType int, payload []byte) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, payload)
}

// Hub tracks connected sockets and relays every inbound client message to all
// other sockets. A getLogs command is answered to the sender only and never
// broadcast.
type Hub struct {
	logger   *slog.Logger
	logs     LogSource
	recorder Recorder
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a hub backed by the given log source and recorder.
func New(logs LogSource, recorder Recorder, logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		logs:     logs,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the client's read loop until the
// socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	h.register(c)
	h.logger.Info("ws client connected", "remote", conn.RemoteAddr().String())

	defer func() {
		h.unregister(c)
		c.closed.Store(true)
		_ = conn.Close()
		h.logger.Info("ws client disconnected", "remote", conn.RemoteAddr().String())
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("ws read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.handleMessage(r.Context(), c, payload)
	}
}

// ClientCount reports the number of currently tracked sockets.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) handleMessage(ctx context.Context, sender *client, payload []byte) {
	msg := ingest.Classify(payload)

	if cmd, ok := msg.(ingest.Command); ok && cmd.Action == "getLogs" {
		h.replyLogs(ctx, sender, payload)
		return
	}

	// Fan-out first; persistence of recognized shapes happens concurrently
	// and must not delay delivery.
	h.broadcast(sender, payload)

	switch msg.(type) {
	case ingest.Event, ingest.Command:
		go h.record(msg)
	}
}

func (h *Hub) broadcast(sender *client, payload []byte) {
	h.mu.Lock()
	peers := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c != sender {
			peers = append(peers, c)
		}
	}
	h.mu.Unlock()

	for _, c := range peers {
		if c.closed.Load() {
			continue
		}
		if err := c.send(websocket.TextMessage, payload); err != nil {
			// Best effort: a peer that closed mid-broadcast is skipped,
			// never retried or queued.
			h.logger.Debug("ws broadcast send failed", "error", err)
		}
	}
}

type getLogsRequest struct {
	Limit int `json:"limit"`
}

type logItem struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

type logsResponse struct {
	Type  string    `json:"type"`
	Items []logItem `json:"items"`
}

func (h *Hub) replyLogs(ctx context.Context, sender *client, payload []byte) {
	var req getLogsRequest
	_ = json.Unmarshal(payload, &req)

	limit := req.Limit
	if limit <= 0 || limit > maxLogItems {
		limit = maxLogItems
	}

	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entries, err := h.logs.RecentLogs(queryCtx, limit)
	if err != nil {
		h.logger.Error("failed to load recent logs", "error", err)
		return
	}

	resp := logsResponse{Type: "logs", Items: make([]logItem, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, logItem{
			ID:        e.ID,
			Timestamp: e.Timestamp.UnixMilli(),
			Status:    e.Status,
		})
	}

	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to encode logs response", "error", err)
		return
	}

	if err := sender.send(websocket.TextMessage, data); err != nil {
		h.logger.Debug("ws logs reply failed", "error", err)
	}
}

func (h *Hub) record(msg ingest.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.recorder.IngestMessage(ctx, msg); err != nil {
		h.logger.Error("failed to persist ws message", "error", err)
	}
}
