// Package server defines the hub command types and utility helpers that are
// reused across session and hub logic.
package server

import (
	"strings"

	"github.com/pulsechat/pulsechat/internal/protocol"
)

// loginRequest asks the hub to attach a claimed username to a session.
type loginRequest struct {
	client   *Client
	username string
}

// chatRequest asks the hub to relay a chat message to every other session.
type chatRequest struct {
	sender  *Client
	message protocol.ChatMessage
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
