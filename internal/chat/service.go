// Package chat drives a session.State from the backend: the initial load,
// per-conversation history and the live socket stream.
package chat

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/session"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/socket"
)

// ErrNoTransport is returned by Send when the service has no socket.
var ErrNoTransport = errors.New("not connected")

type Backend interface {
	Me(ctx context.Context) (models.User, error)
	Users(ctx context.Context) ([]models.User, error)
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
}

type Transport interface {
	Emit(ctx context.Context, event string, data any) error
	Events() <-chan socket.Event
}

type TokenStore interface {
	Remove() error
}

type UpdateKind int

const (
	UpdateLoaded UpdateKind = iota
	UpdateHistory
	UpdateReceived
	UpdateSent
	UpdateReverted
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateLoaded:
		return "loaded"
	case UpdateHistory:
		return "history"
	case UpdateReceived:
		return "received"
	case UpdateSent:
		return "sent"
	case UpdateReverted:
		return "reverted"
	}
	return "unknown"
}

// Update tells subscribers that the state changed and why.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	// Notification is set for UpdateReceived.
	Notification *session.Notification
	// Message is the reverted message for UpdateReverted.
	Message models.Message
	Err     error
}

type Config struct {
	Backend   Backend
	Transport Transport
	Tokens    TokenStore
	Logger    zerolog.Logger
	// Event is the socket event carrying incoming messages. newMessage is
	// always accepted as well.
	Event string
	State *session.State
}

type Service struct {
	state     *session.State
	backend   Backend
	transport Transport
	tokens    TokenStore
	log       zerolog.Logger
	events    map[string]bool
	updates   chan Update
}

func NewService(cfg Config) *Service {
	state := cfg.State
	if state == nil {
		state = session.New()
	}
	event := cfg.Event
	if event == "" {
		event = models.EventReceiveMessage
	}
	return &Service{
		state:     state,
		backend:   cfg.Backend,
		transport: cfg.Transport,
		tokens:    cfg.Tokens,
		log:       cfg.Logger.With().Str("component", "chat").Logger(),
		events:    map[string]bool{event: true, models.EventNewMessage: true},
		updates:   make(chan Update, 64),
	}
}

func (s *Service) State() *session.State { return s.state }

// Updates delivers change notifications. Updates are dropped when nobody
// drains the channel; readers always re-read the state anyway.
func (s *Service) Updates() <-chan Update { return s.updates }

// Bootstrap performs the initial load. On failure the state is left as it was.
func (s *Service) Bootstrap(ctx context.Context) error {
	var (
		me    models.User
		users []models.User
		convs []models.Conversation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		convs, err = s.backend.Conversations(gctx)
		return errors.Wrap(err, "fetching conversations")
	})
	g.Go(func() error {
		var err error
		users, err = s.backend.Users(gctx)
		return errors.Wrap(err, "fetching users")
	})
	g.Go(func() error {
		var err error
		me, err = s.backend.Me(gctx)
		return errors.Wrap(err, "fetching current user")
	})
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Msg("initial load failed")
		return err
	}

	s.state.Load(me, convs, users)
	s.log.Info().
		Str("user_id", me.ID).
		Int("conversations", len(convs)).
		Int("users", len(users)).
		Msg("session loaded")
	s.publish(Update{Kind: UpdateLoaded})
	return nil
}

// Select makes user the selected counterpart and fetches the conversation's
// history the first time it is opened. A failed fetch is logged and returned;
// the conversation is marked unfetched so the next selection retries.
func (s *Service) Select(ctx context.Context, user models.User) (session.Selection, error) {
	sel := s.state.Select(user)
	if !sel.FetchHistory {
		return sel, nil
	}

	convID := sel.Conversation.ID
	msgs, err := s.backend.Messages(ctx, convID)
	if err != nil {
		s.state.Forget(convID)
		s.log.Error().Err(err).Str("conversation_id", convID).Msg("fetching history failed")
		return sel, errors.Wrap(err, "fetching history")
	}

	s.state.ApplyHistory(convID, msgs)
	s.log.Debug().Str("conversation_id", convID).Int("messages", len(msgs)).Msg("history applied")
	s.publish(Update{Kind: UpdateHistory, ConversationID: convID})
	return sel, nil
}

// Send adds text to the selected conversation and writes it to the socket.
// The message is confirmed once the frame is written and reverted otherwise.
func (s *Service) Send(ctx context.Context, text string) (session.Outgoing, error) {
	out, err := s.state.Compose(text)
	if err != nil {
		return session.Outgoing{}, err
	}

	if s.transport == nil {
		err = ErrNoTransport
	} else {
		err = s.transport.Emit(ctx, models.EventSendMessage, out.Payload)
	}
	if err != nil {
		removed, ferr := s.state.Fail(out.MessageID)
		if ferr != nil {
			s.log.Warn().Err(ferr).Str("message_id", out.MessageID).Msg("reverting send")
		}
		s.log.Error().Err(err).Str("conversation_id", out.ConversationID).Msg("send failed")
		s.publish(Update{Kind: UpdateReverted, ConversationID: out.ConversationID, Message: removed, Err: err})
		return out, errors.Wrap(err, "sending message")
	}

	if err := s.state.Confirm(out.MessageID); err != nil {
		return out, err
	}
	s.publish(Update{Kind: UpdateSent, ConversationID: out.ConversationID})
	return out, nil
}

// Run feeds socket events into the state until ctx is done or the transport
// closes its event stream.
func (s *Service) Run(ctx context.Context) error {
	if s.transport == nil {
		return ErrNoTransport
	}
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Service) handleEvent(ev socket.Event) {
	if !s.events[ev.Name] {
		s.log.Debug().Str("event", ev.Name).Msg("ignoring event")
		return
	}

	var msg models.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		s.log.Warn().Err(err).Str("event", ev.Name).Msg("malformed message event")
		return
	}

	n, ok := s.state.Receive(msg)
	if !ok {
		s.log.Debug().Str("message_id", msg.ID).Msg("dropped incoming message")
		return
	}
	s.log.Debug().
		Str("conversation_id", n.Message.Conversation.ID).
		Str("user_id", n.Message.Sender.ID).
		Bool("active", n.Active).
		Msg("message received")
	s.publish(Update{Kind: UpdateReceived, ConversationID: n.Message.Conversation.ID, Notification: &n})
}

// Logout removes the stored token.
func (s *Service) Logout() error {
	if s.tokens == nil {
		return nil
	}
	return errors.Wrap(s.tokens.Remove(), "removing token")
}

func (s *Service) publish(u Update) {
	select {
	case s.updates <- u:
	default:
		s.log.Debug().Stringer("kind", u.Kind).Msg("update dropped, no reader")
	}
}
