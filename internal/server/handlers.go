// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler returns a handler that upgrades HTTP requests to WebSocket
// connections and registers the resulting session with the given hub. The hub
// launches the session's pump goroutines and sends the welcome event.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)
		select {
		case hub.register <- client:
		case <-hub.ctx.Done():
			// Hub is shutting down; refuse service.
			_ = conn.Close()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server
// status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "PulseChat server is running!")
}

// TestPageHandler serves an HTML test page for exercising the chat protocol
// from a browser: connect, claim a username, and exchange messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>PulseChat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #users { color: #555; margin: 10px 0; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; }
    </style>
</head>
<body>
    <h1>PulseChat Test</h1>

    <div>
        <input type="text" id="usernameInput" placeholder="Set your username...">
        <button id="loginButton" onclick="submitUsername()">Log in</button>
    </div>
    <div id="users">Log in to check who's online!</div>
    <div id="messages"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Write your message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <script>
        let username = "";
        const ws = new WebSocket('ws://' + location.host + '/ws');

        function emit(event, data) {
            ws.send(JSON.stringify({ event: event, data: data }));
        }

        function addLine(text) {
            const line = document.createElement('div');
            line.textContent = text;
            const messages = document.getElementById('messages');
            messages.appendChild(line);
            messages.scrollTop = messages.scrollHeight;
        }

        function showRoster(roster) {
            const names = roster.map(function(u) { return u.username; });
            document.getElementById('users').textContent = 'Online: ' + names.join(', ');
        }

        ws.onmessage = function(frame) {
            const envelope = JSON.parse(frame.data);
            switch (envelope.event) {
            case 'welcome':
                addLine(envelope.data.connectionInfo);
                break;
            case 'loggedIn':
                showRoster(envelope.data.roster);
                document.getElementById('usernameInput').disabled = true;
                document.getElementById('loginButton').disabled = true;
                document.getElementById('messageInput').disabled = false;
                document.getElementById('sendButton').disabled = false;
                break;
            case 'updateOnlineUsersList':
                showRoster(envelope.data.roster);
                break;
            case 'newMessage':
                const m = envelope.data.message;
                addLine(m.sender + ' | ' + m.text + ' at ' + m.createdAt);
                break;
            }
        };

        function submitUsername() {
            username = document.getElementById('usernameInput').value.trim();
            if (username) {
                emit('setUsername', { username: username });
            }
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const text = input.value.trim();
            if (!text) { return; }
            const message = {
                sender: username,
                text: text,
                createdAt: new Date().toLocaleString('en-US')
            };
            emit('sendMessage', { message: message });
            addLine(message.sender + ' | ' + message.text + ' at ' + message.createdAt);
            input.value = '';
        }
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
