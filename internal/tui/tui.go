// Package tui implements the terminal run watcher: a live view of one
// run's status messages, output and errors, fed by the server's status
// websocket.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snakemake/snakeface/internal/client"
	"github.com/snakemake/snakeface/internal/status"
	"github.com/snakemake/snakeface/internal/store"
	"github.com/snakemake/snakeface/internal/supervisor"
	"github.com/snakemake/snakeface/internal/telemetry"
)

// Backend is the part of the API client the watcher uses.
type Backend interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	Cancel(ctx context.Context, id string) (supervisor.Outcome, error)
	Submit(ctx context.Context, id string, req client.SubmitRequest) (supervisor.Outcome, error)
	Watch(ctx context.Context, id string, plain bool, fn func(client.Push) bool) error
}

type panel int

const (
	panelStatus panel = iota
	panelOutput
	panelErrors
	panelCount
)

var panelTitles = [panelCount]string{"Status", "Output", "Errors"}

const messageTimeout = 4 * time.Second

// Messages
type (
	pushMsg   client.Push
	streamMsg struct{ err error }
	runMsg    struct {
		run *store.Run
		err error
	}
	actionResultMsg struct {
		action  string
		message string
		isError bool
	}
	clearMessageMsg struct{ at time.Time }
)

// Model is the watcher state.
type Model struct {
	ctx     context.Context
	backend Backend
	runID   string
	pushes  chan client.Push

	run       *store.Run
	snapshot  status.Snapshot
	connected bool
	ended     string

	statusLines []string
	categories  []string
	statusTrace []bool
	scroll      ScrollState

	outputView viewport.Model
	errorView  viewport.Model
	followLogs bool

	activePanel panel
	width       int
	height      int
	ready       bool

	help     help.Model
	showHelp bool

	message   string
	isError   bool
	messageAt time.Time
}

// New creates a watcher for runID. Streaming stops when ctx ends.
func New(ctx context.Context, backend Backend, runID string) Model {
	return Model{
		ctx:        ctx,
		backend:    backend,
		runID:      runID,
		pushes:     make(chan client.Push, 16),
		scroll:     ScrollState{Follow: true},
		followLogs: true,
		help:       help.New(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchRun(),
		m.watch(),
		waitForPush(m.pushes),
	)
}

// watch streams status pushes into the model's channel until the stream
// closes.
func (m Model) watch() tea.Cmd {
	return func() tea.Msg {
		err := m.backend.Watch(m.ctx, m.runID, true, func(p client.Push) bool {
			select {
			case m.pushes <- p:
				return true
			case <-m.ctx.Done():
				return false
			}
		})
		return streamMsg{err: err}
	}
}

func waitForPush(pushes <-chan client.Push) tea.Cmd {
	return func() tea.Msg {
		return pushMsg(<-pushes)
	}
}

func (m Model) fetchRun() tea.Cmd {
	return func() tea.Msg {
		run, err := m.backend.GetRun(m.ctx, m.runID)
		return runMsg{run: run, err: err}
	}
}

func clearMessageAfter(at time.Time) tea.Cmd {
	return tea.Tick(messageTimeout, func(time.Time) tea.Msg {
		return clearMessageMsg{at: at}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.layout()
		m.ready = true
		m.refreshViews()
		return m, nil

	case pushMsg:
		cmds := []tea.Cmd{waitForPush(m.pushes)}
		if msg.Status == status.StatusError {
			m.ended = msg.Message
			return m, tea.Batch(cmds...)
		}
		wasActive := m.connected && m.snapshot.State.Active()
		m.connected = true
		m.applySnapshot(msg.Snapshot)
		if wasActive && msg.Snapshot.Finished() {
			cmds = append(cmds, m.fetchRun())
		}
		return m, tea.Batch(cmds...)

	case streamMsg:
		switch {
		case msg.err != nil:
			m.ended = "Status stream failed: " + msg.err.Error()
		case m.ended == "":
			m.ended = "Status stream closed."
		}
		return m, nil

	case runMsg:
		if msg.err != nil {
			return m.setMessage(fmt.Sprintf("Failed to load run: %v", msg.err), true)
		}
		m.run = msg.run
		return m, nil

	case actionResultMsg:
		next, cmd := m.setMessage(msg.message, msg.isError)
		if msg.action == "rerun" && !msg.isError {
			return next, tea.Batch(cmd, next.(Model).fetchRun())
		}
		return next, cmd

	case clearMessageMsg:
		if msg.at.Equal(m.messageAt) {
			m.message = ""
		}
		return m, nil

	case tea.KeyMsg:
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m Model) setMessage(text string, isError bool) (tea.Model, tea.Cmd) {
	m.message = text
	m.isError = isError
	m.messageAt = time.Now()
	return m, clearMessageAfter(m.messageAt)
}

func (m *Model) applySnapshot(snap status.Snapshot) {
	m.snapshot = snap
	m.statusLines = make([]string, 0, len(snap.Statuses))
	m.categories = make([]string, 0, len(snap.Statuses))
	m.statusTrace = make([]bool, 0, len(snap.Statuses))
	for _, entry := range snap.Statuses {
		m.statusLines = append(m.statusLines, StatusLine(entry))
		category, _ := entry["category"].(string)
		m.categories = append(m.categories, category)
		trace, _ := entry["traceback"].(bool)
		m.statusTrace = append(m.statusTrace, trace)
	}
	m.scroll.Sync(len(m.statusLines))
	m.refreshViews()
}

// refreshViews renders the output and error panes from the snapshot.
func (m *Model) refreshViews() {
	if !m.ready {
		return
	}
	m.outputView.SetContent(CleanOutput(m.snapshot.Output))
	m.errorView.SetContent(m.errorContent())
	if m.followLogs {
		m.outputView.GotoBottom()
		m.errorView.GotoBottom()
	}
}

// errorContent is the run's error text followed by any tracebacks the
// engine reported.
func (m Model) errorContent() string {
	var parts []string
	if e := strings.TrimSpace(m.snapshot.Error); e != "" {
		parts = append(parts, CleanOutput(e))
	}
	for i, entry := range m.snapshot.Statuses {
		if i < len(m.statusTrace) && m.statusTrace[i] {
			msg, _ := entry["msg"].(string)
			parts = append(parts, strings.TrimRight(msg, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

func (m *Model) layout() {
	bodyH := m.bodyHeight()
	leftW := m.statusPanelWidth()
	rightW := m.width - leftW
	outputH := bodyH * 2 / 3
	errorH := bodyH - outputH

	m.scroll.VisibleRows = max(bodyH-3, 1)
	m.scroll.Sync(len(m.statusLines))
	m.outputView = viewport.New(max(rightW-4, 1), max(outputH-3, 1))
	m.errorView = viewport.New(max(rightW-4, 1), max(errorH-3, 1))
}

// bodyHeight is the height left for panels below the header and above the
// status bar.
func (m Model) bodyHeight() int {
	return max(m.height-2, 8)
}

func (m Model) statusPanelWidth() int {
	w := m.width * 45 / 100
	if w < 30 {
		w = min(30, m.width)
	}
	return w
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		return m, nil

	case key.Matches(msg, keys.Tab):
		m.activePanel = (m.activePanel + 1) % panelCount
		return m, nil

	case key.Matches(msg, keys.Follow):
		m.followLogs = !m.followLogs
		m.scroll.Follow = m.followLogs
		if m.followLogs {
			m.scroll.Last(len(m.statusLines))
			m.outputView.GotoBottom()
			m.errorView.GotoBottom()
		}
		return m, nil

	case key.Matches(msg, keys.Cancel):
		if m.snapshot.State != store.StatusRunning {
			return m.setMessage("This workflow is not running.", true)
		}
		telemetry.TUIActionExecute("cancel")
		return m, m.cancelRun()

	case key.Matches(msg, keys.Rerun):
		if m.snapshot.State.Active() {
			return m.setMessage("This workflow is already running.", true)
		}
		telemetry.TUIActionExecute("rerun")
		return m, m.rerun()

	case key.Matches(msg, keys.Copy):
		if m.run == nil || m.run.Command == "" {
			return m.setMessage("No command to copy.", true)
		}
		telemetry.TUIActionExecute("copy_command")
		if err := clipboard.WriteAll(m.run.Command); err != nil {
			return m.setMessage(fmt.Sprintf("Failed to copy: %v", err), true)
		}
		return m.setMessage("Copied command to clipboard", false)
	}

	if m.activePanel == panelStatus {
		return m.updateStatusPanel(msg)
	}
	return m.updateLogPanel(msg)
}

func (m Model) updateStatusPanel(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	n := len(m.statusLines)
	switch {
	case key.Matches(msg, keys.Up):
		m.scroll.Up()
	case key.Matches(msg, keys.Down):
		m.scroll.Down(n)
	case key.Matches(msg, keys.PageUp):
		m.scroll.PageUp()
	case key.Matches(msg, keys.PageDown):
		m.scroll.PageDown(n)
	case key.Matches(msg, keys.Top):
		m.scroll.First()
	case key.Matches(msg, keys.Bottom):
		m.scroll.Last(n)
	}
	m.followLogs = m.scroll.Follow
	return m, nil
}

func (m Model) updateLogPanel(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	view := &m.outputView
	if m.activePanel == panelErrors {
		view = &m.errorView
	}

	switch {
	case key.Matches(msg, keys.Up):
		view.LineUp(1)
		m.followLogs = false
	case key.Matches(msg, keys.Down):
		view.LineDown(1)
	case key.Matches(msg, keys.PageUp):
		view.PageUp()
		m.followLogs = false
	case key.Matches(msg, keys.PageDown):
		view.PageDown()
	case key.Matches(msg, keys.Top):
		view.GotoTop()
		m.followLogs = false
	case key.Matches(msg, keys.Bottom):
		view.GotoBottom()
	}
	m.scroll.Follow = m.followLogs
	return m, nil
}

func (m Model) cancelRun() tea.Cmd {
	return func() tea.Msg {
		out, err := m.backend.Cancel(m.ctx, m.runID)
		if err != nil {
			return actionResultMsg{action: "cancel", message: fmt.Sprintf("Failed to cancel: %v", err), isError: true}
		}
		return actionResultMsg{action: "cancel", message: out.Message, isError: !out.OK()}
	}
}

func (m Model) rerun() tea.Cmd {
	return func() tea.Msg {
		out, err := m.backend.Submit(m.ctx, m.runID, client.SubmitRequest{})
		if err != nil {
			return actionResultMsg{action: "rerun", message: fmt.Sprintf("Failed to rerun: %v", err), isError: true}
		}
		msg := out.Message
		if len(out.Errors) > 0 {
			msg += " " + strings.Join(out.Errors, " ")
		}
		return actionResultMsg{action: "rerun", message: msg, isError: !out.OK()}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	var s strings.Builder
	s.WriteString(m.renderHeader())
	s.WriteString("\n")
	s.WriteString(m.renderPanels())
	s.WriteString("\n")
	s.WriteString(m.renderStatusBar())
	return s.String()
}

func (m Model) renderHeader() string {
	title := headerStyle.Render("snakeface") + " " + runIDStyle.Render(m.runID)
	if m.run != nil && m.run.Name != "" {
		title += " " + m.run.Name
	}

	state := " " + m.stateLabel()
	command := ""
	if m.run != nil && m.run.Command != "" {
		room := m.width - lipgloss.Width(title) - lipgloss.Width(state) - 2
		if room > 0 {
			command = "  " + mutedStyle.Render(FitCellContent(m.run.Command, room))
		}
	}
	return FitToWidth(title+state+command, m.width)
}

// stateLabel describes the run's execution state.
func (m Model) stateLabel() string {
	if !m.connected {
		return idleStyle.Render("connecting")
	}
	snap := m.snapshot
	switch snap.State {
	case store.StatusRunning:
		return runningStyle.Render("● running")
	case store.StatusCancelled:
		return cancelledStyle.Render("◌ cancelling")
	}
	switch {
	case snap.Retval == nil:
		return idleStyle.Render("○ not started")
	case *snap.Retval == 0:
		return succeededStyle.Render("✓ finished")
	default:
		return failedStyle.Render(fmt.Sprintf("✗ failed (exit %d)", *snap.Retval))
	}
}

func (m Model) renderPanels() string {
	bodyH := m.bodyHeight()
	leftW := m.statusPanelWidth()
	rightW := m.width - leftW
	outputH := bodyH * 2 / 3
	errorH := bodyH - outputH

	left := m.renderPanel(panelStatus, m.renderStatusList(leftW-4), leftW, bodyH)
	right := lipgloss.JoinVertical(lipgloss.Left,
		m.renderPanel(panelOutput, m.outputView.View(), rightW, outputH),
		m.renderPanel(panelErrors, m.errorView.View(), rightW, errorH),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func (m Model) renderPanel(p panel, content string, width, height int) string {
	style, titleStyle := panelStyle, panelTitleStyle
	if p == m.activePanel {
		style, titleStyle = activePanelStyle, activePanelTitleStyle
	}
	title := panelTitles[p]
	if p == panelStatus && len(m.statusLines) > 0 {
		title = fmt.Sprintf("%s (%d)", title, len(m.statusLines))
	}
	if p != panelStatus && m.followLogs {
		title += " ⇣"
	}
	inner := lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content)
	return style.Width(max(width-2, 1)).Height(max(height-2, 1)).Render(inner)
}

func (m Model) renderStatusList(width int) string {
	if len(m.statusLines) == 0 {
		return mutedStyle.Render("No status messages yet.")
	}

	start, end := m.scroll.VisibleRange(len(m.statusLines))
	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		text := FitCellContent(m.statusLines[i], width)
		style, ok := categoryStyles[m.categories[i]]
		if !ok {
			style = lipgloss.NewStyle()
		}
		if i == m.scroll.Cursor {
			style = style.Background(selectionBg)
		}
		lines = append(lines, style.Render(text))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderStatusBar() string {
	if m.message != "" {
		style := successStyle
		if m.isError {
			style = errorStyle
		}
		return FitToWidth(style.Render(" "+m.message), m.width)
	}
	if m.ended != "" {
		return FitToWidth(errorStyle.Render(" "+m.ended)+statusTextStyle.Render("press q to quit"), m.width)
	}
	if m.showHelp {
		return m.help.View(keys)
	}
	var b strings.Builder
	for _, binding := range keys.ShortHelp() {
		h := binding.Help()
		b.WriteString(statusKeyStyle.Render(h.Key))
		b.WriteString(statusTextStyle.Render(h.Desc))
	}
	return FitToWidth(b.String(), m.width)
}

// Run opens the watcher for runID in the alternate screen and blocks until
// the user quits.
func Run(ctx context.Context, backend Backend, runID string) error {
	telemetry.TUISessionStart()
	defer telemetry.TUISessionEnd()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(ctx, backend, runID), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
