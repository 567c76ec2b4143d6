// Package server manages individual WebSocket sessions, handling read/write
// pumps, protocol dispatch, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulsechat/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Client represents one connected session. It holds the WebSocket connection,
// the buffered send channel drained by the write pump, and the server-side
// identity state: an opaque session id assigned at connect time and the
// username once claimed. The username field is touched only by the hub's Run
// goroutine.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	username       string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a new Client for the given WebSocket connection with a
// freshly allocated session id. The send channel is buffered to absorb
// broadcast bursts.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the opaque session id assigned at connect time.
func (c *Client) ID() string {
	return c.id
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs an appropriate message for a read failure and reports
// whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Session %s disconnected: %v", c.id, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Session %s connection closed: %v", c.id, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// dispatch decodes an inbound envelope and forwards the event to the hub.
// Malformed payloads and unknown events are logged and dropped; the protocol
// has no error events to answer with.
func (c *Client) dispatch(raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		log.Printf("Invalid envelope from %s: %v", c.addr, err)
		return
	}

	switch env.Event {
	case protocol.EventSetUsername:
		var payload protocol.SetUsernamePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.Printf("Invalid setUsername payload from %s: %v", c.addr, err)
			return
		}
		select {
		case c.hub.login <- loginRequest{client: c, username: payload.Username}:
		case <-c.hub.ctx.Done():
		}

	case protocol.EventSendMessage:
		var payload protocol.MessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.Printf("Invalid sendMessage payload from %s: %v", c.addr, err)
			return
		}
		select {
		case c.hub.chat <- chatRequest{sender: c, message: payload.Message}:
		case <-c.hub.ctx.Done():
		}

	default:
		log.Printf("Unknown event %q from %s; dropping", env.Event, c.addr)
	}
}

func (c *Client) readPump() {
	defer func() {
		// The hub stops receiving once shutdown begins; don't block on it.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if c.rateLimiter != nil && !c.rateLimiter.allow() {
			log.Printf("Rate limit exceeded for %s (%d messages per %s); discarding message",
				c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
			continue
		}

		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in writePump: %v", err)
			}
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Error setting write deadline for %s: %v", c.addr, err)
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					if !isExpectedCloseError(err) {
						log.Printf("Error writing close message to %s: %v", c.addr, err)
					}
				}
				return
			}
			// One envelope per frame; receivers decode frames individually.
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("Error writing message to %s: %v", c.addr, err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Error writing ping message to %s: %v", c.addr, err)
				return
			}

		case <-c.hub.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing close message to %s: %v", c.addr, err)
				}
			}
			return
		}
	}
}
