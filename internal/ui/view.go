package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func (m Model) View() string {
	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), m.chatView())
}

func (m Model) sidebarView() string {
	var s strings.Builder

	borderColor := mutedColor
	if m.focus == paneSidebar {
		borderColor = activeBorder
	}
	style := sidebarStyle.BorderForeground(borderColor).
		Width(m.sidebarWidth - 2).
		Height(m.height - 2)

	title := "Chats"
	if m.me.Name != "" {
		title = m.me.Name
	}
	s.WriteString(titleStyle.Render(title))
	s.WriteString("\n")

	inner := m.sidebarWidth - 6
	now := m.now()
	usersHeader := false
	if len(m.items) == 0 || m.items[0].conv == nil {
		s.WriteString(mutedStyle.Render("No conversations yet."))
		s.WriteString("\n")
	}
	for i, it := range m.items {
		var line string
		if it.conv != nil {
			stamp := FormatTimestamp(it.conv.LastMessageAt, now)
			name := truncate(it.user.Name, inner-lipgloss.Width(stamp)-1)
			pad := inner - lipgloss.Width(name) - lipgloss.Width(stamp)
			if pad < 1 {
				pad = 1
			}
			line = name + strings.Repeat(" ", pad) + mutedStyle.Render(stamp) + "\n" +
				mutedStyle.Render(truncate(it.conv.LastMessage, inner))
		} else {
			if !usersHeader {
				s.WriteString(sectionStyle.Render("Users"))
				s.WriteString("\n")
				usersHeader = true
			}
			line = truncate(it.user.Name, inner)
		}

		if i == m.cursor {
			s.WriteString(selectedItemStyle.Render(line))
		} else {
			s.WriteString(unselectedItemStyle.Render(line))
		}
		s.WriteString("\n")
	}

	return style.Render(s.String())
}

func (m Model) chatView() string {
	chatWidth := m.width - m.sidebarWidth - 4
	borderColor := mutedColor
	if m.focus == paneChat {
		borderColor = activeBorder
	}
	style := chatWindowStyle.BorderForeground(borderColor).Width(chatWidth).Height(m.height - 2)

	state := m.ctrl.State()
	user, selected := state.SelectedUser()
	if !selected {
		body := mutedStyle.Render("Select a conversation to start chatting")
		if m.loading {
			body = m.spinner.View() + " Loading..."
		}
		return style.Render(lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.Place(chatWidth-2, m.height-5, lipgloss.Center, lipgloss.Center, body),
			m.statusLine(),
		))
	}

	headerText := user.Name
	if user.Email != "" {
		headerText = fmt.Sprintf("%s %s", user.Name, mutedStyle.Render("<"+user.Email+">"))
	}
	header := headerStyle.Width(chatWidth - 2).Render(headerText)

	var body string
	switch _, active := state.ActiveConversation(); {
	case m.loading:
		body = m.spinner.View() + " Loading messages..."
	case !active:
		body = mutedStyle.Render("No messages yet. Say hi to " + user.Name + "!")
	default:
		body = m.thread.View()
	}

	footer := footerStyle.Width(chatWidth - 2).Render(m.input.View())

	return style.Render(lipgloss.JoinVertical(lipgloss.Left,
		header,
		lipgloss.NewStyle().Height(m.thread.Height).Render(body),
		m.statusLine(),
		footer,
	))
}

func (m Model) statusLine() string {
	if m.status == "" {
		return ""
	}
	if m.failed {
		return errorStyle.Render(m.status)
	}
	return mutedStyle.Render(m.status)
}
