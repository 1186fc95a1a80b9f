package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnelsub/internal/security"
	"github.com/treykane/tunnelsub/internal/tunnel"
)

// linkForm collects one share link to add for this session.
type linkForm struct {
	input  textinput.Model
	errMsg string
}

func newLinkForm() *linkForm {
	ti := textinput.New()
	ti.Placeholder = "vless://<id>@127.0.0.1:<port>?type=ws#name or vmess://..."
	ti.CharLimit = 4096
	ti.Width = 60
	ti.Focus()
	return &linkForm{input: ti}
}

// update returns the submitted link once Enter is pressed on a valid one.
func (f *linkForm) update(msg tea.KeyMsg) (string, tea.Cmd) {
	switch msg.String() {
	case "enter":
		raw := strings.TrimSpace(f.input.Value())
		if raw == "" {
			f.errMsg = "share link cannot be empty"
			return "", nil
		}
		if _, err := tunnel.ParseLink(raw); err != nil {
			f.errMsg = security.RedactMessage(err.Error())
			return "", nil
		}
		return raw, nil
	default:
		var cmd tea.Cmd
		f.input, cmd = f.input.Update(msg)
		f.errMsg = ""
		return "", cmd
	}
}

func (f *linkForm) view() string {
	var b strings.Builder
	b.WriteString("Share link:\n\n")
	b.WriteString("  " + f.input.View() + "\n\n")
	b.WriteString("Needs ws or grpc transport and a local port. Added for this session only.\n")
	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nEnter to add, Esc to cancel")
	return b.String()
}
