package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"teamsawake/internal/api"
	"teamsawake/internal/automation"
	"teamsawake/internal/notify"
	"teamsawake/internal/status"
)

const watchHistory = 15

var watchPlain bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow status and notifications of a running instance",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print one line per event instead of the live view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	client := api.NewClient("http://"+cfg.Server.Addr, nil)
	if watchPlain {
		events, err := client.Events(ctx)
		if err != nil {
			return fmt.Errorf("no running instance at %s: %w", cfg.Server.Addr, err)
		}
		return printEvents(cmd.OutOrStdout(), events)
	}

	p := tea.NewProgram(newWatchModel(ctx, client), tea.WithContext(ctx), tea.WithOutput(cmd.OutOrStdout()))
	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}

func printEvents(w io.Writer, events <-chan api.StreamEvent) error {
	for ev := range events {
		line := describeEvent(ev)
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// describeEvent renders ev as one plain line, or "" for events not worth
// printing.
func describeEvent(ev api.StreamEvent) string {
	switch ev.Type {
	case status.EventAuth:
		var p status.AuthPayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return ""
		}
		if p.Authenticated && p.User != "" {
			return "auth: signed in as " + p.User
		}
		if p.Authenticated {
			return "auth: signed in"
		}
		return "auth: signed out"
	case status.EventActive:
		var p map[string]bool
		if json.Unmarshal(ev.Data, &p) != nil {
			return ""
		}
		if p["active"] {
			return "keep-alive: active"
		}
		return "keep-alive: idle"
	case status.EventSession:
		var p map[string]string
		if json.Unmarshal(ev.Data, &p) != nil {
			return ""
		}
		return "session: " + p["session_id"]
	case status.EventNotification:
		var rec notify.Record
		if json.Unmarshal(ev.Data, &rec) != nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s / %s: %s",
			rec.Timestamp.Local().Format("15:04"), rec.ConversationName, rec.From, truncate(rec.Content, 120))
	}
	return ""
}

type (
	watchConnectedMsg struct {
		events <-chan api.StreamEvent
		status automation.Status
	}
	watchEventMsg  api.StreamEvent
	watchClosedMsg struct{}
	watchErrMsg    struct{ err error }
)

type watchModel struct {
	ctx     context.Context
	client  *api.Client
	spinner spinner.Model

	events    <-chan api.StreamEvent
	connected bool
	status    automation.Status
	user      string
	lines     []string
	err       error
}

func newWatchModel(ctx context.Context, client *api.Client) watchModel {
	return watchModel{
		ctx:     ctx,
		client:  client,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.connect)
}

func (m watchModel) connect() tea.Msg {
	st, err := m.client.Status(m.ctx)
	if err != nil {
		return watchErrMsg{fmt.Errorf("no running instance at %s: %w", cfg.Server.Addr, err)}
	}
	events, err := m.client.Events(m.ctx)
	if err != nil {
		return watchErrMsg{err}
	}
	return watchConnectedMsg{events: events, status: st}
}

func waitForEvent(events <-chan api.StreamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return watchClosedMsg{}
		}
		return watchEventMsg(ev)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case spinner.TickMsg:
		if m.connected {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case watchConnectedMsg:
		m.connected = true
		m.events = msg.events
		m.status = msg.status
		return m, waitForEvent(m.events)
	case watchEventMsg:
		m.apply(api.StreamEvent(msg))
		return m, waitForEvent(m.events)
	case watchClosedMsg:
		return m, tea.Quit
	case watchErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *watchModel) apply(ev api.StreamEvent) {
	switch ev.Type {
	case status.EventAuth:
		var p status.AuthPayload
		if json.Unmarshal(ev.Data, &p) == nil {
			m.status.Authenticated = p.Authenticated
			m.user = p.User
		}
	case status.EventActive:
		var p map[string]bool
		if json.Unmarshal(ev.Data, &p) == nil {
			m.status.Active = p["active"]
		}
	case status.EventSession:
		var p map[string]string
		if json.Unmarshal(ev.Data, &p) == nil {
			m.status.Monitoring = true
			m.status.SessionID = p["session_id"]
		}
	case status.EventNotification:
		if line := describeEvent(ev); line != "" {
			m.lines = append(m.lines, line)
			if len(m.lines) > watchHistory {
				m.lines = m.lines[len(m.lines)-watchHistory:]
			}
		}
	}
}

func (m watchModel) View() string {
	if m.err != nil {
		return m.err.Error() + "\n"
	}
	if !m.connected {
		return fmt.Sprintf("%s connecting to %s\n", m.spinner.View(), cfg.Server.Addr)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("teamsawake") + "\n")
	signedIn := onOff(m.status.Authenticated, "signed in", "signed out")
	if m.user != "" && m.status.Authenticated {
		signedIn += " " + offStyle.Render(m.user)
	}
	b.WriteString(fmt.Sprintf("%s  %s  %s\n",
		signedIn,
		onOff(m.status.Active, "keep-alive active", "keep-alive idle"),
		onOff(m.status.Monitoring, "monitoring", "not monitoring"),
	))
	b.WriteString("\n")
	if len(m.lines) == 0 {
		b.WriteString(offStyle.Render("no notifications yet") + "\n")
	}
	for _, l := range m.lines {
		b.WriteString(l + "\n")
	}
	b.WriteString("\n" + lipgloss.NewStyle().Faint(true).Render("q to quit") + "\n")
	return b.String()
}
