package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulsechat/internal/protocol"
)

// testServer is a scripted stand-in for the coordination server: tests accept
// the raw connection and drive the protocol by hand.
type testServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for client connection")
		return nil
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Encode %s failed: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("Write %s failed: %v", event, err)
	}
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read while expecting %s failed: %v", event, err)
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("Decode while expecting %s failed: %v", event, err)
	}
	if env.Event != event {
		t.Fatalf("Expected event %q, got %q", event, env.Event)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// login drives a full connect + claim + confirm exchange and returns the
// server side of the connection.
func login(t *testing.T, ts *testServer, s *Session, username string) *websocket.Conn {
	t.Helper()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	conn := ts.accept(t)

	if err := s.SetUsername(username); err != nil {
		t.Fatalf("SetUsername failed: %v", err)
	}
	expectEvent(t, conn, protocol.EventSetUsername)

	sendEvent(t, conn, protocol.EventLoggedIn, protocol.LoggedInPayload{
		Roster: []protocol.User{{SessionID: "s-1", Username: username}},
	})
	waitFor(t, "login confirmation", s.LoggedIn)
	return conn
}

// TestStateString covers the lifecycle state labels.
func TestStateString(t *testing.T) {
	states := map[State]string{
		StateDisconnected:  "disconnected",
		StateConnected:     "connected",
		StateAwaitingLogin: "awaitingLogin",
		StateLoggedIn:      "loggedIn",
		State(42):          "state(42)",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

// TestActionsRequireConnection verifies the user actions are gated by state
// while disconnected.
func TestActionsRequireConnection(t *testing.T) {
	s := New("ws://localhost:0")

	if err := s.SetUsername("alice"); err != ErrNotConnected {
		t.Errorf("SetUsername while disconnected: got %v, want ErrNotConnected", err)
	}
	if err := s.SendMessage("hi"); err != ErrNotLoggedIn {
		t.Errorf("SendMessage while disconnected: got %v, want ErrNotLoggedIn", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on fresh session: got %v, want nil", err)
	}
}

// TestConnectTransitionsAndWelcome verifies connect moves to Connected and
// the welcome event is informational only.
func TestConnectTransitionsAndWelcome(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.url())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if got := s.State(); got != StateConnected {
		t.Errorf("State after connect = %s, want connected", got)
	}
	if err := s.Connect(context.Background()); err != ErrAlreadyConnected {
		t.Errorf("Second Connect: got %v, want ErrAlreadyConnected", err)
	}

	conn := ts.accept(t)
	sendEvent(t, conn, protocol.EventWelcome, protocol.WelcomePayload{ConnectionInfo: "connected as session s-1"})

	waitFor(t, "welcome info", func() bool { return s.ConnectionInfo() != "" })
	if got := s.State(); got != StateConnected {
		t.Errorf("State after welcome = %s, want connected (welcome causes no transition)", got)
	}
}

// TestLoginFlow verifies the Connected -> AwaitingLogin -> LoggedIn path and
// the one-shot nature of the username claim.
func TestLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.url())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	conn := ts.accept(t)

	if err := s.SetUsername("alice"); err != nil {
		t.Fatalf("SetUsername failed: %v", err)
	}
	if got := s.State(); got != StateAwaitingLogin {
		t.Errorf("State after claim = %s, want awaitingLogin", got)
	}
	if s.LoggedIn() {
		t.Error("LoggedIn true before server confirmation (optimistic login is not allowed)")
	}
	if err := s.SetUsername("again"); err != ErrUsernameClaimed {
		t.Errorf("Second claim: got %v, want ErrUsernameClaimed", err)
	}

	env := expectEvent(t, conn, protocol.EventSetUsername)
	var claim protocol.SetUsernamePayload
	if err := json.Unmarshal(env.Data, &claim); err != nil {
		t.Fatalf("Claim payload unmarshal failed: %v", err)
	}
	if claim.Username != "alice" {
		t.Errorf("Claimed username = %q, want alice", claim.Username)
	}

	sendEvent(t, conn, protocol.EventLoggedIn, protocol.LoggedInPayload{
		Roster: []protocol.User{{SessionID: "s-1", Username: "alice"}},
	})

	waitFor(t, "login confirmation", s.LoggedIn)
	if got := s.State(); got != StateLoggedIn {
		t.Errorf("State after loggedIn = %s, want loggedIn", got)
	}
	roster := s.Roster()
	if len(roster) != 1 || roster[0].Username != "alice" {
		t.Errorf("Roster after login = %+v", roster)
	}
}

// TestRosterUpdateInAnyState verifies updateOnlineUsersList replaces the
// cached roster without a state transition, even before login.
func TestRosterUpdateInAnyState(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.url())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	conn := ts.accept(t)

	sendEvent(t, conn, protocol.EventUpdateOnlineUsers, protocol.OnlineUsersPayload{
		Roster: []protocol.User{{SessionID: "s-9", Username: "carol"}},
	})

	waitFor(t, "roster update", func() bool { return len(s.Roster()) == 1 })
	if got := s.State(); got != StateConnected {
		t.Errorf("State after roster update = %s, want connected", got)
	}
	if s.LoggedIn() {
		t.Error("Roster update must not flip loggedIn")
	}
}

// TestSendMessageOptimisticAppend verifies the local log gains the message
// before any server involvement, stamped with the local clock.
func TestSendMessageOptimisticAppend(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.url())
	s.now = func() time.Time { return time.Date(2026, 9, 1, 15, 4, 5, 0, time.UTC) }

	conn := login(t, ts, s, "alice")

	if err := s.SendMessage("hello there"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	messages := s.Messages()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message in log, got %d", len(messages))
	}
	got := messages[0]
	if got.Sender != "alice" || got.Text != "hello there" {
		t.Errorf("Unexpected message: %+v", got)
	}
	if got.CreatedAt != "9/1/2026, 3:04:05 PM" {
		t.Errorf("CreatedAt = %q, want local-clock format 9/1/2026, 3:04:05 PM", got.CreatedAt)
	}

	env := expectEvent(t, conn, protocol.EventSendMessage)
	var payload protocol.MessagePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Message payload unmarshal failed: %v", err)
	}
	if payload.Message != got {
		t.Errorf("Emitted message %+v differs from logged %+v", payload.Message, got)
	}
}

// TestMessageLogOrderingUnderRapidArrivals verifies the log holds exactly
// N+K entries in application order after N rapid inbound events interleaved
// with K local sends.
func TestMessageLogOrderingUnderRapidArrivals(t *testing.T) {
	const inbound = 50
	const local = 5

	ts := newTestServer(t)
	s := New(ts.url())
	conn := login(t, ts, s, "alice")

	go func() {
		for i := 0; i < inbound; i++ {
			raw, err := protocol.Encode(protocol.EventNewMessage, protocol.MessagePayload{
				Message: protocol.ChatMessage{Sender: "bob", Text: fmt.Sprintf("msg-%d", i), CreatedAt: "now"},
			})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}()

	for i := 0; i < local; i++ {
		if err := s.SendMessage(fmt.Sprintf("local-%d", i)); err != nil {
			t.Fatalf("SendMessage %d failed: %v", i, err)
		}
	}

	waitFor(t, "full message log", func() bool { return len(s.Messages()) == inbound+local })

	messages := s.Messages()
	if len(messages) != inbound+local {
		t.Fatalf("Expected %d messages, got %d", inbound+local, len(messages))
	}

	// Inbound messages must keep arrival order relative to each other.
	next := 0
	locals := 0
	for _, m := range messages {
		switch m.Sender {
		case "bob":
			want := fmt.Sprintf("msg-%d", next)
			if m.Text != want {
				t.Fatalf("Inbound out of order: got %q, want %q", m.Text, want)
			}
			next++
		case "alice":
			locals++
		default:
			t.Fatalf("Unexpected sender %q", m.Sender)
		}
	}
	if next != inbound || locals != local {
		t.Errorf("Counted %d inbound and %d local, want %d and %d", next, locals, inbound, local)
	}
}

// TestDisconnectAndReconnect verifies a dropped transport parks the machine
// in Disconnected, and that reconnecting starts a fresh session with all
// cached state discarded.
func TestDisconnectAndReconnect(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.url())
	conn := login(t, ts, s, "alice")

	sendEvent(t, conn, protocol.EventNewMessage, protocol.MessagePayload{
		Message: protocol.ChatMessage{Sender: "bob", Text: "hi", CreatedAt: "now"},
	})
	waitFor(t, "inbound message", func() bool { return len(s.Messages()) == 1 })

	_ = conn.Close()
	waitFor(t, "disconnect", func() bool { return s.State() == StateDisconnected })

	if s.LoggedIn() {
		t.Error("LoggedIn must clear on disconnect")
	}
	if len(s.Messages()) != 1 {
		t.Error("Message log should survive until reconnect")
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	ts.accept(t)

	if got := s.State(); got != StateConnected {
		t.Errorf("State after reconnect = %s, want connected", got)
	}
	if s.LocalUsername() != "" || s.LoggedIn() || len(s.Roster()) != 0 || len(s.Messages()) != 0 {
		t.Error("Reconnect must discard username, login flag, roster, and message log")
	}
	if err := s.SetUsername("alice"); err != nil {
		t.Errorf("Username must be claimable again after reconnect: %v", err)
	}
}

// TestCloseIsIdempotent verifies Close can be called repeatedly.
func TestCloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.url())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ts.accept(t)

	if err := s.Close(); err != nil {
		t.Errorf("First Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("State after close = %s, want disconnected", got)
	}
}
