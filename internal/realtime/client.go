package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/srobinb803/whatsapp-clone/internal/conversation"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
)

const (
	// EventGetContactDetails is the only event a subscriber may send.
	EventGetContactDetails = "contact:getDetails"

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	resolveTimeout = 5 * time.Second
)

// Client is one websocket subscriber.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.DetailsRate), h.cfg.DetailsBurst),
	}
}

// enqueue reports false when the client's buffer is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) pongWait() time.Duration {
	return c.hub.cfg.PingInterval * 2
}

func (c *Client) readPump() {
	defer c.hub.leave(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.id).Msg("Realtime read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Str("client_id", c.id).Msg("Ignoring malformed realtime frame")
			continue
		}

		switch frame.Event {
		case EventGetContactDetails:
			c.handleContactDetails(frame.Data)
		default:
			log.Debug().Str("client_id", c.id).Str("event", frame.Event).Msg("Ignoring unknown realtime event")
		}
	}
}

// contactIDFromData accepts either "wa_id" or {"wa_id": "..."}.
func contactIDFromData(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		WaID string `json:"wa_id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.WaID)
	}
	return ""
}

func (c *Client) handleContactDetails(data json.RawMessage) {
	contactID := contactIDFromData(data)
	if contactID == "" {
		return
	}
	if !c.limiter.Allow() {
		log.Debug().Str("client_id", c.id).Msg("contact:getDetails rate limited")
		return
	}

	name := conversation.UnknownContact
	if c.hub.resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		if resolved, ok := c.hub.resolver.ResolveContactName(ctx, contactID); ok {
			name = resolved
		}
		cancel()
	}

	frame, err := encodeFrame(reconcile.ContactDetails{WaID: contactID, Name: name})
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		log.Debug().Str("client_id", c.id).Msg("Client buffer full, contact details dropped")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(kind int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, payload)
}
