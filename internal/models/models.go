package models

import "time"

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

// Conversation is a direct conversation as seen by the current user: User is
// always the counterpart.
type Conversation struct {
	ID            string    `json:"id"`
	User          User      `json:"user"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	LastMessage   string    `json:"lastMessage"`
}

type MessageStatus int

// A message the client composed stays pending until the socket write for it
// completes; messages from the backend are always confirmed.
const (
	StatusConfirmed MessageStatus = iota
	StatusPending
)

func (s MessageStatus) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "confirmed"
}

type Message struct {
	ID           string        `json:"id"`
	Message      string        `json:"message"`
	CreatedAt    time.Time     `json:"createdAt"`
	Sender       User          `json:"sender"`
	Conversation Conversation  `json:"conversation"`
	Status       MessageStatus `json:"-"`
}

// Request/Response structures
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type GoogleRequest struct {
	Token string `json:"token"`
}

type TokenData struct {
	Token string `json:"token"`
}

// Envelope wraps auth responses and every error body returned by the backend.
type Envelope[T any] struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	Data       T      `json:"data,omitempty"`
}

// Socket events
const (
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventNewMessage     = "newMessage"
)

type SocketFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type SendMessagePayload struct {
	Message    string `json:"message"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}
