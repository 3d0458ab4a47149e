package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/backend/db"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

var ErrInvalidMessage = errors.New("invalid message")

// Hub tracks the open sockets of every user and routes messages between them.
// A user may hold several sockets; each gets its own copy.
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
	db         *db.DB
}

func NewHub(database *db.DB, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.With().Str("component", "hub").Logger(),
		db:         database,
	}
}

// Run processes registrations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info().Msg("websocket hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.send)
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			h.log.Info().Msg("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.clients[client.userID]
			if set == nil {
				set = make(map[*Client]bool)
				h.clients[client.userID] = set
			}
			set[client] = true
			n := len(set)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Int("sockets", n).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Msg("client disconnected")
		}
	}
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connected reports how many sockets userID has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// SendToUser writes one frame to every socket of userID and returns the
// number of sockets it was queued on. Slow clients are dropped.
func (h *Hub) SendToUser(userID, event string, data any) (int, error) {
	payload, err := json.Marshal(models.SocketFrame{Event: event, Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal frame: %w", err)
	}

	h.mu.RLock()
	var slow []*Client
	delivered := 0
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
			delivered++
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.log.Warn().Str("user_id", userID).Msg("send buffer full, dropping client")
			h.removeLocked(client)
		}
		h.mu.Unlock()
	}
	if delivered == 0 {
		h.log.Debug().Str("user_id", userID).Str("event", event).Msg("user not connected")
	}
	return delivered, nil
}

// Deliver stores a message sent by senderID and forwards it to the receiver
// as a receiveMessage event. The conversation is created on first contact and
// is presented from the receiver's side.
func (h *Hub) Deliver(senderID string, p models.SendMessagePayload) (*models.Message, error) {
	if strings.TrimSpace(p.Message) == "" || p.ReceiverID == "" {
		return nil, ErrInvalidMessage
	}
	if p.ReceiverID == senderID {
		return nil, fmt.Errorf("%w: sender and receiver are the same user", ErrInvalidMessage)
	}
	if p.SenderID != "" && p.SenderID != senderID {
		h.log.Warn().Str("user_id", senderID).Str("claimed", p.SenderID).Msg("sender id does not match socket owner")
	}
	if _, err := h.db.GetUserByID(p.ReceiverID); err != nil {
		return nil, fmt.Errorf("receiver %s: %w", p.ReceiverID, err)
	}

	convID, err := h.db.GetOrCreateConversation(senderID, p.ReceiverID)
	if err != nil {
		return nil, err
	}
	msg, err := h.db.SaveMessage(convID, senderID, p.Message)
	if err != nil {
		return nil, err
	}
	conv, err := h.db.GetConversation(convID, p.ReceiverID)
	if err != nil {
		return nil, err
	}
	msg.Conversation = *conv

	if _, err := h.SendToUser(p.ReceiverID, models.EventReceiveMessage, msg); err != nil {
		return nil, err
	}
	h.log.Debug().
		Str("conversation_id", convID).
		Str("user_id", senderID).
		Str("receiver_id", p.ReceiverID).
		Msg("message delivered")
	return msg, nil
}

func (h *Hub) removeLocked(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	close(client.send)
}
