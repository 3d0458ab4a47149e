package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

// FormatTimestamp shows the clock time for timestamps from today and the date
// otherwise. Both are in now's location.
func FormatTimestamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return t.Format("15:04")
	}
	return t.Format("Jan 2, 2006")
}

// truncate cuts s to width cells, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r))+1 > width {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}

// renderThread lays out a conversation: own messages on the right, the
// counterpart's on the left, pending ones marked.
func renderThread(msgs []models.Message, meID string, width int, now time.Time) string {
	if width < 20 {
		width = 20
	}
	bubbleWidth := width * 3 / 4

	var b strings.Builder
	for _, m := range msgs {
		stamp := mutedStyle.Render(FormatTimestamp(m.CreatedAt, now))
		body := m.Message
		if lipgloss.Width(body) > bubbleWidth {
			body = lipgloss.NewStyle().Width(bubbleWidth).Render(body)
		}

		if m.Sender.ID == meID {
			line := ownMessageStyle.Render(body) + " " + stamp
			if m.Status == models.StatusPending {
				line += mutedStyle.Render(" (sending…)")
			}
			b.WriteString(lipgloss.PlaceHorizontal(width, lipgloss.Right, line))
		} else {
			line := fmt.Sprintf("%s %s", otherMessageStyle.Render(body), stamp)
			b.WriteString(lipgloss.PlaceHorizontal(width, lipgloss.Left, line))
		}
		b.WriteString("\n")
	}
	return b.String()
}
