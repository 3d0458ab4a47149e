// Package ui is the terminal front-end: a conversation sidebar next to the
// selected thread.
package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/apiclient"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/chat"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/session"
)

// Controller is the part of chat.Service the UI drives.
type Controller interface {
	State() *session.State
	Bootstrap(ctx context.Context) error
	Select(ctx context.Context, user models.User) (session.Selection, error)
	Send(ctx context.Context, text string) (session.Outgoing, error)
	Updates() <-chan chat.Update
}

type pane int

const (
	paneSidebar pane = iota
	paneChat
)

type item struct {
	user models.User
	conv *models.Conversation
}

type (
	loadedMsg  struct{ err error }
	historyMsg struct{ err error }
	sentMsg    struct{ err error }
	updateMsg  chat.Update
)

type Model struct {
	ctx  context.Context
	ctrl Controller
	now  func() time.Time
	bell func()

	me     models.User
	items  []item
	cursor int
	focus  pane

	input   textinput.Model
	thread  viewport.Model
	spinner spinner.Model
	loading bool
	status  string
	failed  bool

	width        int
	height       int
	sidebarWidth int
}

type Option func(*Model)

// WithClock sets the clock used to format timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// WithBell replaces the terminal bell rung for messages outside the open
// conversation.
func WithBell(bell func()) Option {
	return func(m *Model) { m.bell = bell }
}

func New(ctx context.Context, ctrl Controller, opts ...Option) Model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 2000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:          ctx,
		ctrl:         ctrl,
		now:          time.Now,
		bell:         func() { fmt.Fprint(os.Stdout, "\a") },
		input:        input,
		thread:       viewport.New(60, 20),
		spinner:      sp,
		loading:      true,
		width:        100,
		height:       30,
		sidebarWidth: 30,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Run starts the program and blocks until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, opts ...Option) error {
	p := tea.NewProgram(New(ctx, ctrl, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.bootstrap(), m.waitForUpdate(), m.spinner.Tick)
}

func (m Model) bootstrap() tea.Cmd {
	return func() tea.Msg {
		return loadedMsg{err: m.ctrl.Bootstrap(m.ctx)}
	}
}

func (m Model) waitForUpdate() tea.Cmd {
	updates := m.ctrl.Updates()
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return nil
		}
		return updateMsg(u)
	}
}

func (m Model) selectUser(u models.User) tea.Cmd {
	return func() tea.Msg {
		_, err := m.ctrl.Select(m.ctx, u)
		return historyMsg{err: err}
	}
}

func (m Model) send(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.ctrl.Send(m.ctx, text)
		return sentMsg{err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.refresh()

	case tea.KeyMsg:
		return m.handleKey(msg)

	case loadedMsg:
		m.loading = false
		if msg.err != nil {
			m.setError("Could not load conversations: " + apiclient.UserMessage(msg.err))
		} else if me, ok := m.ctrl.State().Me(); ok {
			m.me = me
		}
		m.refresh()

	case historyMsg:
		m.loading = false
		if msg.err != nil {
			m.setError("Could not load messages: " + apiclient.UserMessage(msg.err))
		}
		m.refresh()

	case sentMsg:
		if msg.err != nil && !errors.Is(msg.err, session.ErrEmptyMessage) {
			m.setError("Message not sent: " + sendError(msg.err))
		}
		m.refresh()

	case updateMsg:
		m.handleUpdate(chat.Update(msg))
		m.refresh()
		cmds = append(cmds, m.waitForUpdate())

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleUpdate(u chat.Update) {
	if u.Kind != chat.UpdateReceived || u.Notification == nil {
		return
	}
	if !u.Notification.Active {
		m.bell()
		m.setStatus("New message from " + u.Notification.Message.Sender.Name)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	}

	if m.focus == paneSidebar {
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		case "enter", "l":
			if m.cursor < len(m.items) {
				u := m.items[m.cursor].user
				m.status = ""
				m.loading = true
				m.focus = paneChat
				m.input.Focus()
				return m, tea.Batch(m.selectUser(u), m.spinner.Tick)
			}
		}
		return m, nil
	}

	switch msg.Type {
	case tea.KeyEsc:
		m.toggleFocus()
		return m, nil
	case tea.KeyEnter:
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.input.SetValue("")
		m.status = ""
		return m, m.send(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) toggleFocus() {
	if m.focus == paneSidebar {
		m.focus = paneChat
		m.input.Focus()
	} else {
		m.focus = paneSidebar
		m.input.Blur()
	}
}

func (m *Model) setStatus(s string) {
	m.status = s
	m.failed = false
}

func (m *Model) setError(s string) {
	m.status = s
	m.failed = true
}

// refresh re-reads the session state. The cursor stays on the same user when
// the list is reordered.
func (m *Model) refresh() {
	state := m.ctrl.State()

	var current string
	if m.cursor < len(m.items) {
		current = m.items[m.cursor].user.ID
	}

	convs := state.Conversations()
	users := state.DiscoverableUsers()
	items := make([]item, 0, len(convs)+len(users))
	for i := range convs {
		items = append(items, item{user: convs[i].User, conv: &convs[i]})
	}
	for _, u := range users {
		items = append(items, item{user: u})
	}
	m.items = items

	m.cursor = 0
	for i, it := range items {
		if it.user.ID == current {
			m.cursor = i
			break
		}
	}

	m.thread.SetContent(renderThread(state.Thread(), m.me.ID, m.thread.Width, m.now()))
	m.thread.GotoBottom()
}

func (m *Model) layout() {
	m.sidebarWidth = m.width / 3
	if m.sidebarWidth < 24 {
		m.sidebarWidth = 24
	}
	chatWidth := m.width - m.sidebarWidth - 4
	if chatWidth < 20 {
		chatWidth = 20
	}
	// header, footer, status line and borders
	threadHeight := m.height - 8
	if threadHeight < 3 {
		threadHeight = 3
	}
	m.thread = viewport.New(chatWidth-2, threadHeight)
}

func sendError(err error) string {
	switch {
	case errors.Is(err, session.ErrNoSelection):
		return "select a conversation first"
	case errors.Is(err, chat.ErrNoTransport):
		return "not connected"
	}
	var se *apiclient.ServerError
	if errors.As(err, &se) || errors.Is(err, apiclient.ErrNetwork) {
		return apiclient.UserMessage(err)
	}
	return errors.Cause(err).Error()
}
