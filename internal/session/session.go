// Package session implements the client-side state machine for a PulseChat
// connection: connection status, the cached online-user roster, and the
// ordered message log, driven by inbound protocol events and the two user
// actions (claim a username, send a message).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulsechat/internal/protocol"
)

// State identifies where the session is in its lifecycle. Transitions are
// linear; the only way back is a full reconnect, which starts a fresh session
// with a new server-side identity.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAwaitingLogin
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAwaitingLogin:
		return "awaitingLogin"
	case StateLoggedIn:
		return "loggedIn"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned when an action requires a live connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is returned by Connect on a session that already
	// holds a live connection.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrUsernameClaimed is returned by SetUsername once a claim has been
	// submitted for the current connection.
	ErrUsernameClaimed = errors.New("session: username already claimed")

	// ErrNotLoggedIn is returned by SendMessage before login completes.
	ErrNotLoggedIn = errors.New("session: not logged in")
)

// Session is the client-side session state machine. Inbound events are
// applied one at a time by the read loop; user actions emit events without
// awaiting a reply. All state reads and mutations go through the mutex, so a
// log append always sees the current log, never a stale snapshot.
type Session struct {
	url    string
	dialer *websocket.Dialer

	// handlers is populated exactly once, at construction time. Listener
	// registration never repeats for the lifetime of the Session.
	handlers map[string]func(json.RawMessage)

	now func() time.Time

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	connectionInfo string
	username       string
	loggedIn       bool
	roster         []protocol.User
	messages       []protocol.ChatMessage
}

// New creates a session state machine targeting the given WebSocket URL
// (for example "ws://localhost:8080/ws"). The session starts Disconnected;
// call Connect to establish the transport.
func New(url string) *Session {
	s := &Session{
		url:    url,
		dialer: websocket.DefaultDialer,
		now:    time.Now,
		state:  StateDisconnected,
	}
	s.handlers = map[string]func(json.RawMessage){
		protocol.EventWelcome:           s.onWelcome,
		protocol.EventLoggedIn:          s.onLoggedIn,
		protocol.EventUpdateOnlineUsers: s.onOnlineUsers,
		protocol.EventNewMessage:        s.onNewMessage,
	}
	return s
}

// Connect dials the server and transitions Disconnected -> Connected. Any
// state cached from a previous connection is discarded: a reconnect is a
// fresh session and the username must be claimed again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyConnected
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", s.url, err)
	}

	s.conn = conn
	s.state = StateConnected
	s.connectionInfo = ""
	s.username = ""
	s.loggedIn = false
	s.roster = nil
	s.messages = nil

	go s.readLoop(conn)
	return nil
}

// Close tears the connection down and transitions to Disconnected. It is safe
// to call on an already-closed session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected
	s.loggedIn = false
	if err != nil && !isExpectedCloseError(err) {
		return fmt.Errorf("session: close: %w", err)
	}
	return nil
}

// SetUsername emits the one-shot username claim and transitions Connected ->
// AwaitingLogin. Login state changes only when the server answers with
// loggedIn; there is no optimistic login and no timeout path, so a claim the
// server never answers leaves the session in AwaitingLogin.
func (s *Session) SetUsername(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDisconnected:
		return ErrNotConnected
	case StateAwaitingLogin, StateLoggedIn:
		return ErrUsernameClaimed
	}

	if err := s.emit(protocol.EventSetUsername, protocol.SetUsernamePayload{Username: username}); err != nil {
		return err
	}

	s.username = username
	s.state = StateAwaitingLogin
	return nil
}

// SendMessage builds a ChatMessage stamped with the local clock, appends it
// to the message log immediately (optimistic, there is no acknowledgment to
// wait for), and emits it. Allowed only once login has completed.
func (s *Session) SendMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLoggedIn {
		return ErrNotLoggedIn
	}

	message := protocol.ChatMessage{
		Sender:    s.username,
		Text:      text,
		CreatedAt: s.now().Format(protocol.CreatedAtLayout),
	}
	s.messages = append(s.messages, message)

	return s.emit(protocol.EventSendMessage, protocol.MessagePayload{Message: message})
}

// emit encodes and writes one event. Callers hold s.mu.
func (s *Session) emit(event string, payload any) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("session: emit %s: %w", event, err)
	}
	return nil
}

// readLoop applies inbound events serially until the connection dies.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn)
			return
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			log.Printf("session: dropping invalid envelope: %v", err)
			continue
		}
		s.apply(env)
	}
}

// apply routes one event to its handler. Unknown events are dropped.
func (s *Session) apply(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handler, ok := s.handlers[env.Event]
	if !ok {
		log.Printf("session: dropping unknown event %q", env.Event)
		return
	}
	handler(env.Data)
}

// handleDisconnect transitions to Disconnected if the dead connection is
// still the current one. The cached roster and message log are kept until the
// next Connect discards them.
func (s *Session) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected
	s.loggedIn = false
}

// Event handlers below run with s.mu held.

func (s *Session) onWelcome(data json.RawMessage) {
	var payload protocol.WelcomePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("session: invalid welcome payload: %v", err)
		return
	}
	// Informational only; no state transition.
	s.connectionInfo = payload.ConnectionInfo
}

func (s *Session) onLoggedIn(data json.RawMessage) {
	var payload protocol.LoggedInPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("session: invalid loggedIn payload: %v", err)
		return
	}
	s.roster = payload.Roster
	s.loggedIn = true
	s.state = StateLoggedIn
}

func (s *Session) onOnlineUsers(data json.RawMessage) {
	var payload protocol.OnlineUsersPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("session: invalid roster payload: %v", err)
		return
	}
	// Replace the cached roster wholesale; membership changes arrive as full
	// snapshots, in any state.
	s.roster = payload.Roster
}

func (s *Session) onNewMessage(data json.RawMessage) {
	var payload protocol.MessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("session: invalid newMessage payload: %v", err)
		return
	}
	s.messages = append(s.messages, payload.Message)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionInfo returns the informational string from the welcome event.
func (s *Session) ConnectionInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionInfo
}

// LocalUsername returns the username claimed on the current connection, empty
// until SetUsername is called.
func (s *Session) LocalUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// LoggedIn reports whether the server has confirmed the username claim.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Roster returns a copy of the online-user roster as of the last server sync.
func (s *Session) Roster() []protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.User(nil), s.roster...)
}

// Messages returns a copy of the ordered message log.
func (s *Session) Messages() []protocol.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ChatMessage(nil), s.messages...)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
