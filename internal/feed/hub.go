package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
)

// ---------------------------------------------------------------------------
// Live Feed Hub — WebSocket broadcast of jeet flags and snapshots
// ---------------------------------------------------------------------------

// Frame types emitted on the feed.
const (
	FrameJeet     = "jeet"
	FrameSnapshot = "snapshot"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Config configures the feed hub.
type Config struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	ClientBufferSize int    `yaml:"client_buffer_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		ListenAddress:    ":8881",
		ClientBufferSize: 64,
	}
}

// frame is the wire envelope for every feed message.
type frame struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans classified-trade events out to connected WebSocket clients.
//
// Slow consumers lose frames, not their connection: a broadcast that finds
// a client's buffer full drops the frame for that client and moves on. The
// feed is a lossy view over the stream; ClickHouse holds the record.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	server  *http.Server
	stopped atomic.Bool

	// Stats.
	clientsServed atomic.Int64
	framesSent    atomic.Int64
	framesDropped atomic.Int64
}

// NewHub creates a feed hub.
func NewHub(config Config) *Hub {
	if config.ClientBufferSize <= 0 {
		config.ClientBufferSize = 64
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the http.HandlerFunc that upgrades connections and
// registers them with the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("feed: upgrade failed")
			return
		}

		c := &client{
			conn: conn,
			send: make(chan []byte, h.config.ClientBufferSize),
		}

		h.mu.Lock()
		h.clients[c] = struct{}{}
		n := len(h.clients)
		h.mu.Unlock()
		h.clientsServed.Add(1)

		log.Info().
			Str("remote", conn.RemoteAddr().String()).
			Int("clients", n).
			Msg("feed: client connected")

		go h.writePump(c)
		go h.readPump(c)
	}
}

// BroadcastJeet pushes a flagged trade to every client. The wallet tier is
// attached when the caller knows it; empty means unrated or unknown.
func (h *Hub) BroadcastJeet(rec jeet.Record, walletTier string) {
	h.broadcast(FrameJeet, struct {
		jeet.Record
		WalletTier string `json:"wallet_tier,omitempty"`
	}{Record: rec, WalletTier: walletTier})
}

// BroadcastSnapshot pushes an aggregate snapshot to every client.
func (h *Hub) BroadcastSnapshot(snap jeet.Snapshot) {
	h.broadcast(FrameSnapshot, snap)
}

func (h *Hub) broadcast(frameType string, data interface{}) {
	msg, err := json.Marshal(frame{Type: frameType, Ts: time.Now().UTC(), Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", frameType).Msg("feed: marshal frame failed")
		return
	}

	// Sends and channel close both happen under the lock, so a closed send
	// channel is never sent on.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.framesSent.Add(1)
		default:
			h.framesDropped.Add(1)
		}
	}
}

// writePump drains the client's send channel onto the wire and keeps the
// connection alive with pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound messages; the feed is one-directional. Its job
// is noticing the peer going away.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

// drop removes a client exactly once; later calls for the same client are
// no-ops.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		c.conn.Close()
		log.Info().Int("clients", n).Msg("feed: client disconnected")
	}
}

// Start serves the /ws endpoint on the configured address. Non-blocking;
// the server shuts down when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.Handler())

	h.server = &http.Server{Addr: h.config.ListenAddress, Handler: mux}

	go func() {
		log.Info().Str("addr", h.config.ListenAddress).Msg("feed: listening")
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("feed: server error")
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Stop shuts the server down and disconnects every client.
func (h *Hub) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}

	if h.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}

	log.Info().
		Int64("clients_served", h.clientsServed.Load()).
		Int64("frames_sent", h.framesSent.Load()).
		Int64("frames_dropped", h.framesDropped.Load()).
		Msg("feed: stopped")
}

// HubStats is a point-in-time view of hub activity.
type HubStats struct {
	Clients       int   `json:"clients"`
	ClientsServed int64 `json:"clients_served"`
	FramesSent    int64 `json:"frames_sent"`
	FramesDropped int64 `json:"frames_dropped"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return HubStats{
		Clients:       n,
		ClientsServed: h.clientsServed.Load(),
		FramesSent:    h.framesSent.Load(),
		FramesDropped: h.framesDropped.Load(),
	}
}
