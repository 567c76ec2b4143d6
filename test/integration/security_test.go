package integration

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulsechat/internal/protocol"
	"github.com/pulsechat/pulsechat/internal/server"
	"github.com/pulsechat/pulsechat/test/testhelpers"
)

// TestDisallowedOriginRejected verifies browser requests from unlisted
// origins fail the handshake while listed origins pass.
func TestDisallowedOriginRejected(t *testing.T) {
	_, wsURL := testhelpers.StartChatServer(t)

	testhelpers.DialExpectingRejection(t, wsURL, "http://evil.example.com")

	server.SetConfig(&server.Config{AllowedOrigins: []string{"http://app.example.com"}})
	header := http.Header{}
	header.Set("Origin", "http://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Expected listed origin to be accepted: %v", err)
	}
	_ = conn.Close()
}

// TestGracefulShutdownClosesSessions verifies hub shutdown completes within
// its timeout and disconnects every session.
func TestGracefulShutdownClosesSessions(t *testing.T) {
	hub, wsURL := testhelpers.StartChatServer(t)

	c1 := testhelpers.Dial(t, wsURL)
	c1.Login("alice")
	c2 := testhelpers.Dial(t, wsURL)
	c2.Login("bob")

	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown did not complete cleanly: %v", err)
	}

	// A closed hub no longer serves the protocol: a fresh connection is
	// dropped without a welcome.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected no protocol service after shutdown")
	}
}

func newRoutedServer(t *testing.T, hub *server.Hub) string {
	t.Helper()
	srv := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(srv.Close)
	return testhelpers.WebSocketURL(srv.URL)
}

// TestRateLimitDropsExcessMessages verifies messages beyond the configured
// burst are discarded rather than relayed.
func TestRateLimitDropsExcessMessages(t *testing.T) {
	server.SetConfig(&server.Config{
		AllowedOrigins: []string{"*"},
		RateLimit:      server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour},
	})
	t.Cleanup(func() { server.SetConfig(nil) })

	hub := server.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	srv := newRoutedServer(t, hub)
	sender := testhelpers.Dial(t, srv)
	receiver := testhelpers.Dial(t, srv)
	receiver.WaitForCount(protocol.EventWelcome, 1)

	// Burst of 2 covers the login; everything after it is dropped.
	sender.Login("alice")
	for i := 0; i < 5; i++ {
		sender.Emit(protocol.EventSendMessage, protocol.MessagePayload{
			Message: protocol.ChatMessage{Sender: "alice", Text: "spam", CreatedAt: "now"},
		})
	}

	receiver.WaitForCount(protocol.EventNewMessage, 1)
	time.Sleep(testhelpers.SettleTime)
	if got := receiver.Count(protocol.EventNewMessage); got > 1 {
		t.Errorf("Receiver got %d relayed messages, rate limit should have dropped the rest", got)
	}
}
