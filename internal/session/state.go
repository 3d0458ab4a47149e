// Package session holds the client-side view of a chat session: the
// conversation list, the users that can still be messaged, every message seen
// so far, and which conversation is on screen. Three independent inputs feed
// it (the initial REST load, per-conversation history fetches and live socket
// events) in any interleaving.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

var (
	ErrNotLoaded    = errors.New("session not loaded")
	ErrNoSelection  = errors.New("no user selected")
	ErrEmptyMessage = errors.New("message is empty")
	ErrUnknownID    = errors.New("unknown message id")
)

type Option func(*State)

func WithClock(c Clock) Option {
	return func(s *State) { s.clock = c }
}

func WithIDGenerator(f func() string) Option {
	return func(s *State) { s.newID = f }
}

// Selection is the result of selecting a user in the sidebar.
type Selection struct {
	User         models.User
	Conversation *models.Conversation
	// FetchHistory is set the first time a conversation is selected in this
	// session; the caller owns the fetch and must call Forget if it fails.
	FetchHistory bool
}

// Outgoing describes a message that was added optimistically and still has to
// be handed to the socket.
type Outgoing struct {
	MessageID           string
	ConversationID      string
	CreatedConversation bool
	Payload             models.SendMessagePayload
}

// Notification describes where an incoming message landed.
type Notification struct {
	Message models.Message
	// Active reports whether the message belongs to the thread on screen.
	Active bool
	// NewConversation is set when the message opened a conversation.
	NewConversation bool
}

// pendingSend remembers what a send overwrote. prevSend is the pending send
// whose text was showing as the conversation's last message at compose time.
type pendingSend struct {
	conversationID string
	prevMessage    string
	prevAt         time.Time
	prevSend       string
}

// State is safe for concurrent use. All getters return copies.
type State struct {
	mu sync.Mutex

	clock Clock
	newID func() string

	me     *models.User
	convs  []models.Conversation
	users  []models.User
	msgs   []models.Message
	fetch  map[string]bool
	sends  map[string]pendingSend
	// synth holds conversations created locally that the backend has not
	// acknowledged yet.
	synth  map[string]bool
	target *models.User
	active string
}

func New(opts ...Option) *State {
	s := &State{
		clock: systemClock{},
		newID: uuid.NewString,
		fetch: make(map[string]bool),
		sends: make(map[string]pendingSend),
		synth: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load installs the result of the initial fetch. Conversations are deduplicated
// per counterpart (the most recent one wins) and the discoverable users are the
// fetched users minus counterparts minus me. Messages and fetch marks are kept.
func (s *State) Load(me models.User, conversations []models.Conversation, users []models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.me = &me

	byUser := make(map[string]int, len(conversations))
	convs := make([]models.Conversation, 0, len(conversations))
	for _, c := range conversations {
		if c.User.ID == me.ID {
			continue
		}
		if i, ok := byUser[c.User.ID]; ok {
			if c.LastMessageAt.After(convs[i].LastMessageAt) {
				convs[i] = c
			}
			continue
		}
		byUser[c.User.ID] = len(convs)
		convs = append(convs, c)
	}
	s.convs = convs

	discoverable := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID == me.ID {
			continue
		}
		if _, ok := byUser[u.ID]; ok {
			continue
		}
		discoverable = append(discoverable, u)
	}
	s.users = discoverable
}

// Select makes user the selected counterpart. If a conversation with them
// exists it becomes active, otherwise the view waits for the first message.
func (s *State) Select(user models.User) Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := user
	s.target = &u
	sel := Selection{User: user}

	i := s.convByUser(user.ID)
	if i < 0 {
		s.active = ""
		return sel
	}
	c := s.convs[i]
	s.active = c.ID
	sel.Conversation = &c
	if !s.fetch[c.ID] {
		s.fetch[c.ID] = true
		sel.FetchHistory = true
	}
	return sel
}

// Forget clears the fetched mark of a conversation so the next selection
// fetches its history again.
func (s *State) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fetch, conversationID)
}

// Compose appends an optimistic message from me to the selected user. When no
// conversation exists yet one is synthesized, marked as fetched and activated.
func (s *State) Compose(text string) (Outgoing, error) {
	if strings.TrimSpace(text) == "" {
		return Outgoing{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.me == nil {
		return Outgoing{}, ErrNotLoaded
	}
	if s.target == nil {
		return Outgoing{}, ErrNoSelection
	}

	now := s.clock.Now()
	to := *s.target
	out := Outgoing{
		MessageID: s.newID(),
		Payload: models.SendMessagePayload{
			Message:    text,
			SenderID:   s.me.ID,
			ReceiverID: to.ID,
		},
	}

	var rec pendingSend
	i := s.convByUser(to.ID)
	if i >= 0 {
		rec.prevMessage = s.convs[i].LastMessage
		rec.prevAt = s.convs[i].LastMessageAt
		rec.prevSend = s.showingSend(s.convs[i])
		s.convs[i].LastMessage = text
		s.convs[i].LastMessageAt = now
	} else {
		s.convs = append(s.convs, models.Conversation{
			ID:            s.newID(),
			User:          to,
			LastMessageAt: now,
			LastMessage:   text,
		})
		i = len(s.convs) - 1
		s.removeUser(to.ID)
		s.fetch[s.convs[i].ID] = true
		s.synth[s.convs[i].ID] = true
		out.CreatedConversation = true
	}
	conv := s.convs[i]
	s.active = conv.ID
	rec.conversationID = conv.ID
	out.ConversationID = conv.ID

	s.msgs = append(s.msgs, models.Message{
		ID:           out.MessageID,
		Message:      text,
		CreatedAt:    now,
		Sender:       *s.me,
		Conversation: conv,
		Status:       models.StatusPending,
	})
	s.sends[out.MessageID] = rec
	return out, nil
}

// Confirm marks a pending message as delivered to the transport.
func (s *State) Confirm(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sends[messageID]
	if !ok {
		return errors.Wrap(ErrUnknownID, messageID)
	}
	delete(s.sends, messageID)
	delete(s.synth, rec.conversationID)
	if j := s.msgIndex(messageID); j >= 0 {
		s.msgs[j].Status = models.StatusConfirmed
	}
	return nil
}

// Fail reverts a pending message. The conversation's last-message fields fall
// back to the newest remaining message (or what they were before the send),
// and a conversation that only existed because of this message is dropped.
func (s *State) Fail(messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sends[messageID]
	if !ok {
		return models.Message{}, errors.Wrap(ErrUnknownID, messageID)
	}
	delete(s.sends, messageID)

	// Later sends that would restore this one's text restore what it
	// replaced instead.
	for id, other := range s.sends {
		if other.prevSend == messageID {
			other.prevMessage, other.prevAt, other.prevSend = rec.prevMessage, rec.prevAt, rec.prevSend
			s.sends[id] = other
		}
	}

	var removed models.Message
	if j := s.msgIndex(messageID); j >= 0 {
		removed = s.msgs[j]
		s.msgs = append(s.msgs[:j], s.msgs[j+1:]...)
	}

	i := s.convIndex(rec.conversationID)
	if i < 0 {
		return removed, nil
	}

	var newest *models.Message
	for j := range s.msgs {
		m := &s.msgs[j]
		if m.Conversation.ID != rec.conversationID {
			continue
		}
		if newest == nil || !m.CreatedAt.Before(newest.CreatedAt) {
			newest = m
		}
	}

	if s.synth[rec.conversationID] && newest == nil {
		u := s.convs[i].User
		s.convs = append(s.convs[:i], s.convs[i+1:]...)
		delete(s.fetch, rec.conversationID)
		delete(s.synth, rec.conversationID)
		if s.me == nil || u.ID != s.me.ID {
			s.users = append(s.users, u)
		}
		if s.active == rec.conversationID {
			s.active = ""
		}
		return removed, nil
	}

	c := &s.convs[i]
	if c.LastMessage != removed.Message || !c.LastMessageAt.Equal(removed.CreatedAt) {
		// a newer message already moved the conversation on
		return removed, nil
	}
	c.LastMessage, c.LastMessageAt = rec.prevMessage, rec.prevAt
	if newest != nil && !newest.CreatedAt.Before(c.LastMessageAt) {
		c.LastMessage, c.LastMessageAt = newest.Message, newest.CreatedAt
	}
	return removed, nil
}

// Receive merges a live message. Messages without a sender, from me, or already
// present are dropped and reported with ok=false.
func (s *State) Receive(msg models.Message) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Sender.ID == "" {
		return Notification{}, false
	}
	if s.me != nil && msg.Sender.ID == s.me.ID {
		return Notification{}, false
	}
	if msg.ID != "" && s.msgIndex(msg.ID) >= 0 {
		return Notification{}, false
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	msg.Status = models.StatusConfirmed

	var n Notification
	i := s.convByUser(msg.Sender.ID)
	if i < 0 {
		id := msg.Conversation.ID
		if id == "" {
			id = s.newID()
		}
		s.convs = append(s.convs, models.Conversation{
			ID:            id,
			User:          msg.Sender,
			LastMessageAt: msg.CreatedAt,
			LastMessage:   msg.Message,
		})
		i = len(s.convs) - 1
		s.removeUser(msg.Sender.ID)
		n.NewConversation = true
		if s.active == "" && s.target != nil && s.target.ID == msg.Sender.ID {
			s.active = id
		}
	} else {
		s.advance(i, msg)
		delete(s.synth, s.convs[i].ID)
	}

	msg.Conversation = s.convs[i]
	s.msgs = append(s.msgs, msg)

	n.Message = msg
	n.Active = s.active != "" && s.active == msg.Conversation.ID
	return n, true
}

// ApplyHistory merges a fetched history into the message list. Fetched
// messages replace the ones held for the conversation; held messages the
// backend does not know about yet (live or pending) are kept.
func (s *State) ApplyHistory(conversationID string, history []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.convIndex(conversationID)
	if len(history) > 0 {
		delete(s.synth, conversationID)
	}
	if i >= 0 {
		for _, m := range history {
			s.advance(i, m)
		}
	}
	norm := func(m models.Message) models.Message {
		if i >= 0 {
			m.Conversation = s.convs[i]
		} else {
			m.Conversation.ID = conversationID
		}
		return m
	}

	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.ID] = true
	}

	kept := make([]models.Message, 0, len(s.msgs)+len(history))
	var extra []models.Message
	for _, m := range s.msgs {
		switch {
		case m.Conversation.ID != conversationID:
			kept = append(kept, m)
		case !seen[m.ID]:
			extra = append(extra, norm(m))
		}
	}
	for _, m := range history {
		m = norm(m)
		m.Status = models.StatusConfirmed
		kept = append(kept, m)
	}
	s.msgs = append(kept, extra...)
}

func (s *State) Me() (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.me == nil {
		return models.User{}, false
	}
	return *s.me, true
}

// Conversations returns the conversation list ordered by last activity, most
// recent first.
func (s *State) Conversations() []models.Conversation {
	s.mu.Lock()
	out := append([]models.Conversation(nil), s.convs...)
	s.mu.Unlock()

	SortConversations(out)
	return out
}

// SortConversations orders conversations by LastMessageAt descending; ties are
// broken by id so the order is stable across redraws.
func SortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(a, b int) bool {
		if !convs[a].LastMessageAt.Equal(convs[b].LastMessageAt) {
			return convs[a].LastMessageAt.After(convs[b].LastMessageAt)
		}
		return convs[a].ID < convs[b].ID
	})
}

func (s *State) DiscoverableUsers() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.User(nil), s.users...)
}

func (s *State) SelectedUser() (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return models.User{}, false
	}
	return *s.target, true
}

func (s *State) ActiveConversation() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.convIndex(s.active); i >= 0 {
		return s.convs[i], true
	}
	return models.Conversation{}, false
}

// Thread returns the messages of the active conversation in chronological
// order; messages with equal timestamps keep the order they were added in.
func (s *State) Thread() []models.Message {
	s.mu.Lock()
	var out []models.Message
	if s.active != "" {
		for _, m := range s.msgs {
			if m.Conversation.ID == s.active {
				out = append(out, m)
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

func (s *State) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs...)
}

func (s *State) Fetched(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch[conversationID]
}

// advance moves the last-message fields of conversation i forward to m. Older
// messages never overwrite newer ones.
func (s *State) advance(i int, m models.Message) {
	c := &s.convs[i]
	if m.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = m.CreatedAt
	c.LastMessage = m.Message
}

// showingSend returns the pending send whose text c currently shows, if any.
func (s *State) showingSend(c models.Conversation) string {
	for id, rec := range s.sends {
		if rec.conversationID != c.ID {
			continue
		}
		if j := s.msgIndex(id); j >= 0 && s.msgs[j].Message == c.LastMessage && s.msgs[j].CreatedAt.Equal(c.LastMessageAt) {
			return id
		}
	}
	return ""
}

func (s *State) convByUser(userID string) int {
	for i, c := range s.convs {
		if c.User.ID == userID {
			return i
		}
	}
	return -1
}

func (s *State) convIndex(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range s.convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) msgIndex(id string) int {
	for i, m := range s.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) removeUser(id string) {
	out := s.users[:0]
	for _, u := range s.users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	s.users = out
}
