package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"chatnerd/internal/events"
	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

const maxLogLines = 500

// WorkerRow is the dashboard's view of one worker.
type WorkerRow struct {
	ID          string
	State       types.ConnectionState
	Challenge   string
	Incoming    int
	Handled     int
	LastMessage string
	LastError   string
}

type eventMsg events.Event

type closedMsg struct{}

// Model is the bubbletea model of the dashboard.
type Model struct {
	styles   Styles
	order    []string
	rows     map[string]*WorkerRow
	log      []string
	viewport viewport.Model
	evs      <-chan events.Event
	width    int
	height   int
	closed   bool
}

// NewModel builds a dashboard for the named workers fed from evs.
func NewModel(evs <-chan events.Event, workers []string, styles Styles) Model {
	m := Model{
		styles:   styles,
		rows:     make(map[string]*WorkerRow, len(workers)),
		viewport: viewport.New(80, 10),
		evs:      evs,
	}
	for _, w := range workers {
		m.row(w)
	}
	return m
}

func (m *Model) row(id string) *WorkerRow {
	if r, ok := m.rows[id]; ok {
		return r
	}
	r := &WorkerRow{ID: id}
	m.rows[id] = r
	m.order = append(m.order, id)
	return r
}

// Rows returns the worker rows in display order.
func (m Model) Rows() []WorkerRow {
	out := make([]WorkerRow, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.rows[id])
	}
	return out
}

func waitForEvent(evs <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-evs
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.evs)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-len(m.order)-8, 3)
		m.refreshLog()
		return m, nil

	case eventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.evs)

	case closedMsg:
		m.closed = true
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(ev events.Event) {
	r := m.row(ev.Identity.WorkerID)
	switch ev.Type {
	case events.QR:
		r.State = types.StateAwaitingCredential
		r.Challenge = ev.QR
	case events.Authenticated:
		r.Challenge = ""
	case events.Ready:
		r.State = types.StateReady
		r.Challenge = ""
		r.LastError = ""
	case events.AuthFailed:
		r.State = types.StateFailed
		r.LastError = ev.Err
	case events.Disconnected:
		r.State = types.StateDisconnected
	case events.IncomingMessage:
		r.Incoming++
		if ev.Message != nil {
			r.LastMessage = ev.Message.Text
		}
	case events.MessageReceived:
		r.Handled++
	}

	line := fmt.Sprintf("%s %-8s %s", ev.At.Format("15:04:05"), ev.Identity.WorkerID, ev.Type)
	switch {
	case ev.Reason != "":
		line += " (" + ev.Reason + ")"
	case ev.Err != "":
		line += ": " + ev.Err
	case ev.Message != nil:
		line += fmt.Sprintf(" %s: %q", ev.Message.SenderHint, ev.Message.Text)
	}
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	m.refreshLog()
}

func (m *Model) refreshLog() {
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(m.styles.Header.Render("chatnerd"))
	sb.WriteString("\n\n")

	t := NewTable("WORKER", "STATE", "IN", "HANDLED", "LAST MESSAGE")
	for _, r := range m.Rows() {
		t.AddRow(r.ID, m.styles.State(r.State), fmt.Sprint(r.Incoming), fmt.Sprint(r.Handled), truncate(r.LastMessage, 40))
	}
	sb.WriteString(t.View(m.styles))

	for _, r := range m.Rows() {
		if r.State == types.StateAwaitingCredential && r.Challenge != "" {
			sb.WriteString("\n")
			sb.WriteString(m.styles.Title.Render("Scan to link " + r.ID))
			sb.WriteString("\n")
			sb.WriteString(m.styles.Panel.Render(r.Challenge))
			sb.WriteString("\n")
		}
		if r.State == types.StateFailed && r.LastError != "" {
			sb.WriteString(m.styles.Error.Render(r.ID + ": " + r.LastError))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")
	footer := "q: quit"
	if m.closed {
		footer = "event stream closed · " + footer
	}
	sb.WriteString(m.styles.Footer.Render(footer))
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, evs <-chan events.Event, workers []string) error {
	logging.Get(logging.CategoryUI).Info("dashboard started for %d workers", len(workers))
	p := tea.NewProgram(NewModel(evs, workers, DefaultStyles()), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	logging.Get(logging.CategoryUI).Debug("dashboard exited: %v", err)
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
