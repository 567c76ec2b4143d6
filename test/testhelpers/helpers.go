// Package testhelpers provides common utilities for testing the PulseChat
// server end to end: starting a coordination server, dialing protocol-aware
// clients, and asserting on the events they receive.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulsechat/internal/protocol"
	"github.com/pulsechat/pulsechat/internal/server"
)

// SettleTime is how long tests wait before asserting that no further events
// arrive.
const SettleTime = 200 * time.Millisecond

// StartChatServer boots a hub and an HTTP test server wired with the
// application routes. It returns the hub and the WebSocket URL to dial.
// Everything is shut down via test cleanup.
func StartChatServer(t *testing.T) (*server.Hub, string) {
	t.Helper()

	server.SetConfig(nil)
	t.Cleanup(func() { server.SetConfig(nil) })

	hub := server.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	srv := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(srv.Close)

	return hub, WebSocketURL(srv.URL)
}

// WebSocketURL converts an http:// test server URL into the ws:// endpoint.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// ChatClient is a raw protocol client for tests. A background goroutine
// collects every inbound envelope so tests can assert exact delivery counts.
type ChatClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	events []protocol.Envelope
}

// Dial connects a ChatClient to the given WebSocket URL and starts
// collecting inbound events.
func Dial(t *testing.T, wsURL string) *ChatClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", wsURL, err)
	}

	c := &ChatClient{t: t, conn: conn}
	go c.collect()
	t.Cleanup(c.Close)
	return c
}

func (c *ChatClient) collect() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, env)
		c.mu.Unlock()
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *ChatClient) Close() {
	_ = c.conn.Close()
}

// Emit encodes and sends one event to the server.
func (c *ChatClient) Emit(event string, payload any) {
	c.t.Helper()
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("Encode %s failed: %v", event, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("Write %s failed: %v", event, err)
	}
}

// Events returns the envelopes received so far for the given event name.
func (c *ChatClient) Events(event string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []protocol.Envelope
	for _, env := range c.events {
		if env.Event == event {
			matched = append(matched, env)
		}
	}
	return matched
}

// Count returns how many envelopes with the given event name have arrived.
func (c *ChatClient) Count(event string) int {
	return len(c.Events(event))
}

// WaitForCount blocks until at least n envelopes with the given event name
// have arrived, failing the test after a timeout.
func (c *ChatClient) WaitForCount(event string, n int) {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Count(event) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("Timed out waiting for %d %q events (have %d)", n, event, c.Count(event))
}

// Login claims a username and waits for the server's loggedIn answer,
// returning the roster snapshot it carried.
func (c *ChatClient) Login(username string) []protocol.User {
	c.t.Helper()
	c.Emit(protocol.EventSetUsername, protocol.SetUsernamePayload{Username: username})
	c.WaitForCount(protocol.EventLoggedIn, 1)

	var payload protocol.LoggedInPayload
	DecodePayload(c.t, c.Events(protocol.EventLoggedIn)[0], &payload)
	return payload.Roster
}

// DecodePayload unmarshals an envelope's data into the given payload struct.
func DecodePayload(t *testing.T, env protocol.Envelope, payload any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, payload); err != nil {
		t.Fatalf("Decode %s payload failed: %v", env.Event, err)
	}
}

// RosterHas reports whether a roster contains the given username.
func RosterHas(roster []protocol.User, username string) bool {
	for _, user := range roster {
		if user.Username == username {
			return true
		}
	}
	return false
}

// DialExpectingRejection attempts a WebSocket handshake with the given Origin
// header and fails the test if it succeeds.
func DialExpectingRejection(t *testing.T, wsURL, origin string) {
	t.Helper()

	header := http.Header{}
	header.Set("Origin", origin)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("Expected handshake from origin %q to be rejected", origin)
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 for origin %q, got %d", origin, resp.StatusCode)
	}
}
