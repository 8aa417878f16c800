package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
)

// Publisher is the broadcast capability handed to whoever produces events.
// Publish never blocks on subscribers and gives no delivery guarantee.
type Publisher interface {
	Publish(ev reconcile.Event)
}

// NameResolver answers contact:getDetails requests.
type NameResolver interface {
	ResolveContactName(ctx context.Context, contactID string) (string, bool)
}

// Frame is the wire shape of every message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeFrame(ev reconcile.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: ev.EventName(), Data: data})
}

type Config struct {
	SendBuffer      int
	BroadcastBuffer int
	PingInterval    time.Duration
	// DetailsRate and DetailsBurst bound contact:getDetails per connection.
	DetailsRate    float64
	DetailsBurst   int
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:      64,
		BroadcastBuffer: 256,
		PingInterval:    30 * time.Second,
		DetailsRate:     5,
		DetailsBurst:    10,
		AllowedOrigins:  []string{"*"},
	}
}

// Hub fans events out to every connected websocket client. A single
// goroutine (Run) owns the client set.
type Hub struct {
	cfg      Config
	resolver NameResolver
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stopped    chan struct{}
	running    atomic.Bool
	stopOnce   sync.Once

	clients map[*Client]struct{}
	count   atomic.Int64
}

func NewHub(cfg Config, resolver NameResolver) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = def.BroadcastBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DetailsRate <= 0 {
		cfg.DetailsRate = def.DetailsRate
	}
	if cfg.DetailsBurst <= 0 {
		cfg.DetailsBurst = def.DetailsBurst
	}

	h := &Hub{
		cfg:        cfg,
		resolver:   resolver,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, cfg.BroadcastBuffer),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run owns the client set until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.stopOnce.Do(func() { close(h.stopped) })

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.count.Store(0)
			log.Info().Msg("Realtime hub stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			log.Info().Str("client_id", c.id).Int("clients", len(h.clients)).Msg("Realtime client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.count.Store(int64(len(h.clients)))
				log.Info().Str("client_id", c.id).Int("clients", len(h.clients)).Msg("Realtime client disconnected")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.enqueue(msg) {
					delete(h.clients, c)
					c.close()
					log.Warn().Str("client_id", c.id).Msg("Dropping slow realtime client")
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Publish queues ev for every client. When the hub backlog is full the event
// is dropped.
func (h *Hub) Publish(ev reconcile.Event) {
	frame, err := encodeFrame(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.EventName()).Msg("Failed to encode realtime event")
		return
	}

	select {
	case h.broadcast <- frame:
	default:
		log.Warn().Str("event", ev.EventName()).Str("wa_id", ev.ContactID()).Msg("Realtime backlog full, event dropped")
	}
}

// ClientCount is the number of registered clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.running.Load() || h.isStopped() {
		http.Error(w, "realtime hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.stopped:
		c.close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) isStopped() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		c.close()
	}
}
