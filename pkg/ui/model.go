package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	bspinner "github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

const (
	inputPlaceholder      = "Type your message..."
	processingPlaceholder = "Processing your request..."
)

// Controller is what the model drives; *session.Session implements it.
type Controller interface {
	Submit(ctx context.Context, text string) error
	RecordActivity()
	Snapshot() session.State
}

type submitDoneMsg struct {
	err error
}

type copiedMsg struct {
	err error
}

type Model struct {
	ctx  context.Context
	ctrl Controller

	spinner  bspinner.Model
	viewport viewport.Model
	input    textinput.Model
	renderer *glamour.TermRenderer

	messages []session.Message
	seen     map[string]struct{}
	phase    session.Phase
	summary  *backend.Summary
	status   string

	copy          func(string) error
	width, height int
}

type Option func(*Model)

// WithClipboard replaces the clipboard writer used by ctrl+y.
func WithClipboard(f func(string) error) Option {
	return func(m *Model) {
		m.copy = f
	}
}

func NewModel(ctx context.Context, ctrl Controller, opts ...Option) Model {
	sp := bspinner.New()
	sp.Spinner = bspinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	in := textinput.New()
	in.Placeholder = inputPlaceholder
	in.Prompt = "> "
	in.CharLimit = 2000
	in.Focus()

	vp := viewport.New(80, 20)
	vp.Style = lipgloss.NewStyle()

	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		spinner:  sp,
		viewport: vp,
		input:    in,
		seen:     map[string]struct{}{},
		phase:    session.PhaseIdle,
		copy:     clipboard.WriteAll,
		width:    80,
		height:   24,
	}
	for _, opt := range opts {
		opt(&m)
	}

	st := ctrl.Snapshot()
	m.phase = st.Phase
	m.summary = st.Summary
	for _, msg := range st.Messages {
		m.appendMessage(msg)
	}
	m.renderer = newRenderer(m.width)
	m.syncInput()
	m.refresh()
	return m
}

func newRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(max(20, width-4)),
	)
	if err != nil {
		log.Warn().Err(err).Msg("could not create markdown renderer, falling back to plain text")
		return nil
	}
	return r
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = ev.Width, ev.Height
		m.layout()
		m.renderer = newRenderer(m.width)
		m.refresh()
		return m, nil

	case tea.MouseMsg:
		m.ctrl.RecordActivity()
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		m.ctrl.RecordActivity()
		switch ev.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+y":
			return m, m.copySummary()
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case "enter":
			return m, m.submit()
		}

	case EventMsg:
		m.apply(ev.Event)
		return m, nil

	case submitDoneMsg:
		if ev.err != nil {
			m.status = errorStyle.Render(ev.err.Error())
		}
		return m, nil

	case copiedMsg:
		if ev.err != nil {
			m.status = errorStyle.Render("copy failed: " + ev.err.Error())
		} else {
			m.status = statusStyle.Render("summary copied to clipboard")
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)
	if m.phase == session.PhaseIdle {
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// submit hands the input to the controller. Submit blocks for the whole
// turn, so it runs as a command; progress arrives as EventMsg.
func (m *Model) submit() tea.Cmd {
	if m.phase != session.PhaseIdle {
		return nil
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.status = ""
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return submitDoneMsg{err: ctrl.Submit(ctx, text)}
	}
}

func (m Model) copySummary() tea.Cmd {
	if m.summary == nil {
		return nil
	}
	b, err := json.MarshalIndent(m.summary, "", "  ")
	if err != nil {
		return func() tea.Msg { return copiedMsg{err: err} }
	}
	copyFn := m.copy
	return func() tea.Msg {
		return copiedMsg{err: copyFn(string(b))}
	}
}

func (m *Model) apply(ev session.Event) {
	switch ev.Type {
	case session.EventMessageAppended:
		if ev.Message != nil {
			m.appendMessage(*ev.Message)
		}
	case session.EventSummaryDelivered:
		if ev.Summary != nil {
			sum := *ev.Summary
			m.summary = &sum
		}
	}
	m.phase = ev.Phase
	m.syncInput()
	m.layout()
	m.refresh()
}

func (m *Model) appendMessage(msg session.Message) {
	if _, ok := m.seen[msg.ID]; ok {
		return
	}
	m.seen[msg.ID] = struct{}{}
	m.messages = append(m.messages, msg)
}

func (m *Model) syncInput() {
	if m.phase == session.PhaseIdle {
		m.input.Placeholder = inputPlaceholder
		m.input.Focus()
		return
	}
	m.input.Placeholder = processingPlaceholder
	m.input.Blur()
}

func (m *Model) layout() {
	summaryHeight := 0
	if m.summary != nil {
		summaryHeight = lipgloss.Height(m.summaryView())
	}
	// header, input and status lines
	h := m.height - 3 - summaryHeight
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.input.Width = max(10, m.width-4)
}

func (m *Model) refresh() {
	var b strings.Builder
	for i, msg := range m.messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m Model) renderMessage(msg session.Message) string {
	ts := msg.Timestamp.Format(time.Kitchen)
	if msg.Sender == session.SenderUser {
		return userStyle.Render("You") + " " + statusStyle.Render(ts) + "\n" + msg.Text + "\n"
	}
	body := msg.Text
	if m.renderer != nil {
		if out, err := m.renderer.Render(msg.Text); err == nil {
			body = strings.TrimRight(out, "\n")
		}
	}
	return botStyle.Render("Assistant") + " " + statusStyle.Render(ts) + "\n" + body + "\n"
}

func (m Model) summaryView() string {
	s := m.summary
	if s == nil {
		return ""
	}
	lines := []string{
		summaryLabelStyle.Render("Conversation summary"),
		s.Summary,
		fmt.Sprintf("%s %s   %s %s   %s %s",
			summaryLabelStyle.Render("sentiment:"), s.Sentiment,
			summaryLabelStyle.Render("department:"), s.Department,
			summaryLabelStyle.Render("urgency:"), s.Insights.Urgency),
	}
	if len(s.Keywords) > 0 {
		lines = append(lines, summaryLabelStyle.Render("keywords: ")+strings.Join(s.Keywords, ", "))
	}
	lines = append(lines, statusStyle.Render("ctrl+y copies the summary as JSON"))
	return summaryStyle.Width(max(20, m.width-2)).Render(strings.Join(lines, "\n"))
}

func (m Model) View() string {
	header := headerStyle.Render("Chat")
	if m.phase != session.PhaseIdle {
		label := "thinking"
		if m.phase == session.PhaseAwaitingToolResult {
			label = "searching"
		}
		header += " " + m.spinner.View() + " " + statusStyle.Render(label)
	}

	parts := []string{header, m.viewport.View()}
	if m.summary != nil {
		parts = append(parts, m.summaryView())
	}
	parts = append(parts, m.input.View())
	if m.status != "" {
		parts = append(parts, m.status)
	}
	return strings.Join(parts, "\n")
}
