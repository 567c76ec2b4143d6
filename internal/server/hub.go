// Package server coordinates session registration, login, message relay, and
// connection cleanup for the PulseChat system via the Hub type.
package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pulsechat/pulsechat/internal/protocol"
)

// Hub is the process-wide coordinator for connected sessions. It owns the
// session registry and the online-user roster, and performs all broadcast
// fan-out. Every registry mutation and the broadcast it triggers run on the
// single Run goroutine, so each broadcast observes a consistent snapshot and
// payload construction for distinct events never interleaves.
type Hub struct {
	sessions   map[*Client]bool
	register   chan *Client
	unregister chan *Client
	login      chan loginRequest
	chat       chan chatRequest
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance with all necessary
// channels and the session registry. The returned Hub is ready to coordinate
// connections once Run is started.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		login:      make(chan loginRequest),
		chat:       make(chan chatRequest),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SessionCount returns the number of currently registered sessions.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Run starts the hub's main event loop, handling session registration, login,
// chat relay, and unregistration. This method should be called in a separate
// goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil session registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case req := <-h.login:
			h.handleLogin(req)

		case req := <-h.chat:
			h.handleChat(req)
		}
	}
}

// handleRegister adds a new session to the registry, starts its pumps, and
// welcomes that connection only.
func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.sessions[client] = true
	count := len(h.sessions)
	h.mutex.Unlock()
	log.Printf("Session %s registered from %s. Total sessions: %d", client.id, client.addr, count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	payload := protocol.WelcomePayload{
		ConnectionInfo: fmt.Sprintf("connected as session %s", client.id),
	}
	raw, err := protocol.Encode(protocol.EventWelcome, payload)
	if err != nil {
		log.Printf("Error encoding welcome for session %s: %v", client.id, err)
		return
	}
	if !h.safeSend(client, raw) {
		log.Printf("Failed to deliver welcome to session %s", client.id)
	}
}

// handleUnregister drops a session from the registry. If the session had
// logged in, the remaining sessions receive a fresh roster.
func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.sessions[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, client)
	client.closed = true
	count := len(h.sessions)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	log.Printf("Session %s unregistered from %s. Total sessions: %d", client.id, client.addr, count)

	if client.username != "" {
		h.broadcastRoster(nil)
	}
}

// handleLogin attaches the claimed username to the session, answers the
// requester with a loggedIn snapshot, and tells everyone else the roster
// changed. Usernames are not required to be unique; a repeated claim simply
// overwrites the previous one.
func (h *Hub) handleLogin(req loginRequest) {
	req.client.username = req.username
	roster := h.rosterSnapshot()
	log.Printf("Session %s logged in as %q. Roster size: %d", req.client.id, req.username, len(roster))

	raw, err := protocol.Encode(protocol.EventLoggedIn, protocol.LoggedInPayload{Roster: roster})
	if err != nil {
		log.Printf("Error encoding loggedIn for session %s: %v", req.client.id, err)
		return
	}
	if !h.safeSend(req.client, raw) {
		log.Printf("Failed to deliver loggedIn to session %s", req.client.id)
	}

	h.broadcastRoster(req.client)
}

// handleChat relays a chat message to every session except the sender. The
// message is relayed as received; the server neither validates nor timestamps
// it.
func (h *Hub) handleChat(req chatRequest) {
	raw, err := protocol.Encode(protocol.EventNewMessage, protocol.MessagePayload{Message: req.message})
	if err != nil {
		log.Printf("Error encoding newMessage from session %s: %v", req.sender.id, err)
		return
	}
	h.fanOut(raw, req.sender)
}

// broadcastRoster sends the current roster to every session except the one
// given (nil means everyone).
func (h *Hub) broadcastRoster(except *Client) {
	roster := h.rosterSnapshot()
	raw, err := protocol.Encode(protocol.EventUpdateOnlineUsers, protocol.OnlineUsersPayload{Roster: roster})
	if err != nil {
		log.Printf("Error encoding roster update: %v", err)
		return
	}
	h.fanOut(raw, except)
}

// rosterSnapshot collects the sessions that have claimed a username. Only the
// Run goroutine writes usernames, so reading them under the registry lock is
// safe.
func (h *Hub) rosterSnapshot() []protocol.User {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	roster := make([]protocol.User, 0, len(h.sessions))
	for client := range h.sessions {
		if client.username == "" {
			continue
		}
		roster = append(roster, protocol.User{SessionID: client.id, Username: client.username})
	}
	return roster
}

// fanOut delivers a payload to every session except the given one, dropping
// sessions whose send buffers are full.
func (h *Hub) fanOut(payload []byte, except *Client) {
	sessions := h.sessionSnapshot()

	var failed []*Client
	for _, client := range sessions {
		if except != nil && client == except {
			continue
		}
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedSessions(failed)
}

// sessionSnapshot returns a thread-safe snapshot of all current sessions.
func (h *Hub) sessionSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sessions := make([]*Client, 0, len(h.sessions))
	for client := range h.sessions {
		sessions = append(sessions, client)
	}
	return sessions
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send so the channel cannot be closed
	// underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.sessions[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// removeFailedSessions drops sessions that failed to receive a payload and
// closes their channels. Delivery is best-effort; nothing is retried.
func (h *Hub) removeFailedSessions(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if _, exists := h.sessions[client]; exists {
			delete(h.sessions, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			log.Printf("Session %s from %s removed due to full send buffer", client.id, client.addr)
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownSessions gracefully closes all active connections.
func (h *Hub) shutdownSessions() {
	log.Println("Shutting down all session connections...")

	sessions := h.sessionSnapshot()
	for _, client := range sessions {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing connection for session %s: %v", client.id, err)
				}
			}
		}
	}

	log.Printf("Closed %d session connections", len(sessions))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines
// to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
