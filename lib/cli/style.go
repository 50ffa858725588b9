package cli

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-nan/go-nan/lib/nancp"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Faint(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	peerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// styleFor picks a colour by outcome of the event name.
func styleFor(name string) lipgloss.Style {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "fail"), strings.Contains(lower, "down"),
		strings.Contains(lower, "terminated"), strings.Contains(lower, "rejected"):
		return failStyle
	case strings.Contains(lower, "match"):
		return peerStyle
	case strings.Contains(lower, "message"):
		return messageStyle
	default:
		return okStyle
	}
}

func renderField(label, value string) string {
	return labelStyle.Render(label+"=") + value
}

// renderEvent formats one nancp event for the terminal.
func renderEvent(ev nancp.Event) string {
	name := ev.Type.String()
	parts := []string{styleFor(name).Render(name)}
	p, err := ev.Decode()
	if err != nil {
		return strings.Join(append(parts, failStyle.Render(err.Error())), " ")
	}
	if ev.HasSession {
		parts = append(parts, renderField("session", itoa(int(ev.SessionID))))
	}
	if p.Peer != 0 {
		parts = append(parts, renderField("peer", itoa(int(p.Peer))))
	}
	if p.Reason != "" {
		parts = append(parts, renderField("reason", p.Reason))
	}
	if p.MessageID != 0 {
		parts = append(parts, renderField("id", itoa(int(p.MessageID))))
	}
	if len(p.Data) > 0 {
		parts = append(parts, renderField("data", quote(p.Data)))
	}
	if p.Config != nil {
		parts = append(parts, renderField("config", p.Config.String()))
	}
	return strings.Join(parts, " ")
}

func itoa(i int) string { return strconv.Itoa(i) }

func quote(b []byte) string { return strconv.Quote(string(b)) }
