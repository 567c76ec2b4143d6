// Package protocol defines the named events and payload types exchanged
// between a chat client and the coordination server, together with the JSON
// envelope that carries them over the wire.
//
// Every wire message is a single JSON envelope {"event": ..., "data": ...}.
// Events are one-way notifications; there is no request/response correlation.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names making up the session protocol.
const (
	// EventWelcome is sent by the server to a client immediately after the
	// connection is established. Informational only.
	EventWelcome = "welcome"

	// EventSetUsername is a client's one-shot claim of a display name.
	EventSetUsername = "setUsername"

	// EventLoggedIn is the server's response to setUsername, delivered to
	// the requesting client only, carrying a full roster snapshot.
	EventLoggedIn = "loggedIn"

	// EventUpdateOnlineUsers is broadcast to every connected client whenever
	// roster membership changes (a user logs in or disconnects).
	EventUpdateOnlineUsers = "updateOnlineUsersList"

	// EventSendMessage carries a client's outbound chat message.
	EventSendMessage = "sendMessage"

	// EventNewMessage relays a chat message to every connected client except
	// the original sender.
	EventNewMessage = "newMessage"
)

// CreatedAtLayout is the time layout used for ChatMessage.CreatedAt. It
// mirrors a US-locale display string produced with the sender's local clock;
// it is human-readable, not sortable.
const CreatedAtLayout = "1/2/2006, 3:04:05 PM"

// User is a roster entry: one logged-in session.
type User struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// ChatMessage is an immutable chat message value. CreatedAt is produced
// client-side at send time; the server never rewrites it.
type ChatMessage struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// Envelope is the outer wire format: an event name plus its raw payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WelcomePayload accompanies EventWelcome.
type WelcomePayload struct {
	ConnectionInfo string `json:"connectionInfo"`
}

// SetUsernamePayload accompanies EventSetUsername.
type SetUsernamePayload struct {
	Username string `json:"username"`
}

// LoggedInPayload accompanies EventLoggedIn.
type LoggedInPayload struct {
	Roster []User `json:"roster"`
}

// OnlineUsersPayload accompanies EventUpdateOnlineUsers.
type OnlineUsersPayload struct {
	Roster []User `json:"roster"`
}

// MessagePayload accompanies EventSendMessage and EventNewMessage.
type MessagePayload struct {
	Message ChatMessage `json:"message"`
}

// Encode wraps the payload in an envelope for the given event and returns the
// serialized wire bytes.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return raw, nil
}

// DecodeEnvelope parses raw wire bytes into an envelope. The payload in
// Envelope.Data is left for a second-stage unmarshal once the event name has
// been inspected.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}
