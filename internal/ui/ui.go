package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnelsub/internal/model"
	"github.com/treykane/tunnelsub/internal/security"
	"github.com/treykane/tunnelsub/internal/tunnel"
	"github.com/treykane/tunnelsub/internal/util"
)

// Controller is the slice of tunnel.Manager the dashboard drives.
type Controller interface {
	StartAll(ctx context.Context) error
	ResetAll(ctx context.Context, scope tunnel.Scope) error
	Reset(ctx context.Context, id string) error
	Stop(id string) error
	AddLink(ctx context.Context, raw string) error
	ToggleProvider(name string) (bool, error)
	Snapshot() []model.TunnelRuntime
	Providers() []model.ProviderStatus
	Subscription() string
}

type tickMsg time.Time

// actionDoneMsg reports the end of a background Controller call.
type actionDoneMsg struct {
	status string
}

type pane int

const (
	paneTunnels pane = iota
	paneProviders
)

type dashboardModel struct {
	ctrl      Controller
	refresh   int
	tunnels   []model.TunnelRuntime
	providers []model.ProviderStatus
	sub       string
	focus     pane
	sel       int
	provSel   int
	busy      bool
	spinner   spinner.Model
	form      *linkForm
	status    string
	showHelp  bool
	showSub   bool
	width     int
	height    int
}

func newModel(ctrl Controller, refreshSeconds int) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	m := dashboardModel{ctrl: ctrl, refresh: clampRefresh(refreshSeconds), spinner: sp}
	m.reload()
	// Init kicks off StartAll.
	m.busy = true
	m.status = "Starting tunnels..."
	return m
}

func (m *dashboardModel) reload() {
	m.tunnels = m.ctrl.Snapshot()
	m.providers = m.ctrl.Providers()
	m.sub = m.ctrl.Subscription()
	if m.sel >= len(m.tunnels) {
		m.sel = len(m.tunnels) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
	if m.provSel >= len(m.providers) {
		m.provSel = len(m.providers) - 1
	}
	if m.provSel < 0 {
		m.provSel = 0
	}
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// action runs fn off the event loop and reports its outcome. Only one
// action runs at a time.
func (m *dashboardModel) action(label string, fn func(ctx context.Context) error) tea.Cmd {
	if m.busy {
		m.status = "Busy, wait for the current action to finish."
		return nil
	}
	m.busy = true
	m.status = label + "..."
	return func() tea.Msg {
		if err := fn(context.Background()); err != nil {
			return actionDoneMsg{status: label + " failed: " + security.UserMessage(err, true)}
		}
		return actionDoneMsg{status: label + " done."}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd(m.refresh), m.startAll())
}

func (m dashboardModel) startAll() tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.StartAll(context.Background()); err != nil {
			return actionDoneMsg{status: "Some tunnels failed to start: " + security.UserMessage(err, true)}
		}
		return actionDoneMsg{status: "Tunnels started."}
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.reload()
		return m, tickCmd(m.refresh)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case actionDoneMsg:
		m.busy = false
		m.status = msg.status
		m.reload()
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.status = "Cancelled."
		return m, nil
	}
	raw, cmd := m.form.update(msg)
	if raw == "" {
		return m, cmd
	}
	m.form = nil
	return m, m.action("Adding share link", func(ctx context.Context) error {
		return m.ctrl.AddLink(ctx, raw)
	})
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == paneTunnels {
			m.focus = paneProviders
		} else {
			m.focus = paneTunnels
		}
	case "j", "down":
		if m.focus == paneTunnels && m.sel < len(m.tunnels)-1 {
			m.sel++
		}
		if m.focus == paneProviders && m.provSel < len(m.providers)-1 {
			m.provSel++
		}
	case "k", "up":
		if m.focus == paneTunnels && m.sel > 0 {
			m.sel--
		}
		if m.focus == paneProviders && m.provSel > 0 {
			m.provSel--
		}
	case "?":
		m.showHelp = !m.showHelp
	case "s":
		m.showSub = !m.showSub
	case "a":
		m.form = newLinkForm()
		m.status = "Paste a share link."
		return m, m.form.input.Cursor.BlinkCmd()
	case "r":
		rt, ok := m.selected()
		if !ok {
			break
		}
		return m, m.action("Resetting "+rt.Provider+" tunnel "+rt.ID, func(ctx context.Context) error {
			return m.ctrl.Reset(ctx, rt.ID)
		})
	case "x":
		rt, ok := m.selected()
		if !ok {
			break
		}
		return m, m.action("Stopping "+rt.Provider+" tunnel "+rt.ID, func(context.Context) error {
			return m.ctrl.Stop(rt.ID)
		})
	case "R":
		return m, m.action("Resetting enabled providers", func(ctx context.Context) error {
			return m.ctrl.ResetAll(ctx, tunnel.ScopeEnabled)
		})
	case "A":
		return m, m.action("Resetting all providers", func(ctx context.Context) error {
			return m.ctrl.ResetAll(ctx, tunnel.ScopeAll)
		})
	case " ", "enter":
		if m.focus != paneProviders || len(m.providers) == 0 {
			break
		}
		name := m.providers[m.provSel].Name
		on, err := m.ctrl.ToggleProvider(name)
		switch {
		case err != nil:
			m.status = "Toggle failed: " + err.Error()
		case on:
			m.status = name + " switched on; press R to start its tunnels."
		default:
			m.status = name + " switched off; press R to apply."
		}
		m.reload()
	}
	return m, nil
}

func (m dashboardModel) selected() (model.TunnelRuntime, bool) {
	if m.focus != paneTunnels || len(m.tunnels) == 0 {
		return model.TunnelRuntime{}, false
	}
	return m.tunnels[m.sel], true
}

var stateColors = map[model.TunnelState]lipgloss.Color{
	model.TunnelRunning:  lipgloss.Color("42"),
	model.TunnelStarting: lipgloss.Color("214"),
	model.TunnelStopping: lipgloss.Color("214"),
	model.TunnelFailed:   lipgloss.Color("196"),
	model.TunnelIdle:     lipgloss.Color("244"),
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("tunnelsub")
	running := 0
	for _, rt := range m.tunnels {
		if rt.State == model.TunnelRunning {
			running++
		}
	}
	links := 0
	if m.sub != "" {
		links = len(strings.Split(m.sub, "\n"))
	}
	subhead := fmt.Sprintf("tunnels=%d running=%d links=%d refresh=%ds", len(m.tunnels), running, links, m.refresh)
	quickHelp := "Keys: r reset | x stop | R reset enabled | A reset all | a add link | tab providers | s subscription | ? help | q quit"

	width := m.effectiveWidth()
	tunnels := m.renderPanel(m.paneTitle("Tunnels", paneTunnels), m.tunnelTable(), width, lipgloss.Color("63"))
	detail := m.renderPanel("Details", m.detailView(), width, lipgloss.Color("69"))
	providers := m.renderPanel(m.paneTitle("Providers", paneProviders), m.providerTable(), width, lipgloss.Color("39"))

	sections := []string{head, subhead, quickHelp, tunnels, detail, providers}
	if m.form != nil {
		sections = append(sections, m.renderPanel("Add Share Link", m.form.view(), width, lipgloss.Color("214")))
	}
	if m.showSub {
		body := m.sub
		if body == "" {
			body = "(no running tunnels)"
		}
		sections = append(sections, m.renderPanel("Subscription", body, width, lipgloss.Color("42")))
	}
	if m.showHelp {
		sections = append(sections, m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244")))
	}
	status := m.status
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	sections = append(sections, m.renderPanel("Status", status, width, lipgloss.Color("205")))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashboardModel) paneTitle(title string, p pane) string {
	if m.focus == p {
		return title + " *"
	}
	return title
}

func (m dashboardModel) tunnelTable() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %-12s %-22s %-6s %-10s %-40s %s\n", "PROVIDER", "LOCAL", "NET", "STATE", "PUBLIC HOST", "UPTIME"))
	for i, rt := range m.tunnels {
		cursor := " "
		if i == m.sel && m.focus == paneTunnels {
			cursor = ">"
		}
		state := lipgloss.NewStyle().Foreground(stateColors[rt.State]).Render(fmt.Sprintf("%-10s", rt.State))
		uptime := "-"
		if rt.State == model.TunnelRunning {
			uptime = (time.Duration(rt.UptimeSec) * time.Second).String()
		}
		b.WriteString(fmt.Sprintf("%s %-12s %-22s %-6s %s %-40s %s\n",
			cursor, rt.Provider, rt.Local.String(), rt.Transport, state, util.EmptyDash(rt.PublicHost), uptime))
	}
	if len(m.tunnels) == 0 {
		b.WriteString("  (no tunnels; press a to add a share link)\n")
	}
	return b.String()
}

func (m dashboardModel) detailView() string {
	if len(m.tunnels) == 0 {
		return "Configure tunnel_urls in config.yaml or press a to add a share link."
	}
	rt := m.tunnels[m.sel]
	var b strings.Builder
	b.WriteString(fmt.Sprintf("ID: %s  Client: %s  PID: %d\n", rt.ID, security.RedactMessage(rt.ClientID), rt.PID))
	b.WriteString("Link: " + security.RedactMessage(rt.Descriptor) + "\n")
	if rt.LastError != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString(errStyle.Render("Last error: "+security.RedactMessage(rt.LastError)) + "\n")
	}
	if len(rt.Logs) > 0 {
		b.WriteString("Output:\n")
		for _, line := range util.Tail(rt.Logs, 5) {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

func (m dashboardModel) providerTable() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %-12s %-10s %s\n", "PROVIDER", "STATUS", "ACTIVE"))
	for i, st := range m.providers {
		cursor := " "
		if i == m.provSel && m.focus == paneProviders {
			cursor = ">"
		}
		status := "on"
		switch {
		case !st.Enabled:
			status = "unavailable"
		case !st.UserEnabled:
			status = "off"
		}
		limit := "∞"
		if st.Limit > 0 {
			limit = fmt.Sprintf("%d", st.Limit)
		}
		b.WriteString(fmt.Sprintf("%s %-12s %-10s %d/%s\n", cursor, st.DisplayName, status, st.Active, limit))
	}
	return b.String()
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection; tab switches between tunnels and providers.",
		"  Reset: r restarts the selected tunnel; the public host usually changes.",
		"  Stop: x stops the selected tunnel and withdraws its link.",
		"  Bulk: R resets providers that are switched on, A resets every provider.",
		"  Providers: space or Enter toggles the selected provider; R applies it.",
		"  Add: a adds a share link for this session.",
		"  Quit: press q (or Ctrl+C) and all tunnels are stopped.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

// Run opens the dashboard and starts every enabled tunnel. Tunnels are
// left running on return; the caller stops them.
func Run(ctrl Controller, refreshSeconds int) error {
	p := tea.NewProgram(newModel(ctrl, refreshSeconds), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
