package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"murmur/transcript"
)

var (
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	// The most recent segment renders dimmed until the next one
	// arrives, so the eye can find where the transcript is growing.
	recentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type segmentMsg transcript.Update

type streamEndedMsg struct{}

type model struct {
	viewport   viewport.Model
	segments   []string
	logEntries []string
	ready      bool
	showLog    bool
	updates    <-chan transcript.Update
}

func initialModel(updates <-chan transcript.Update) model {
	return model{updates: updates}
}

func (m model) Init() tea.Cmd {
	return waitForSegment(m.updates)
}

func waitForSegment(updates <-chan transcript.Update) tea.Cmd {
	return func() tea.Msg {
		update, ok := <-updates
		if !ok {
			return streamEndedMsg{}
		}
		return segmentMsg(update)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "tab":
			m.showLog = !m.showLog
			m.viewport.SetContent(m.contentView())
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case segmentMsg:
		m.segments = append(m.segments, msg.Segment)
		m.logEntries = append(m.logEntries, fmt.Sprintf(
			"SEG %d %q", len(msg.Segment), msg.Segment,
		))
		m.viewport.SetContent(m.contentView())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForSegment(m.updates))

	case streamEndedMsg:
		return m, tea.Quit
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m model) headerView() string {
	title := barStyle.Render("Live Transcription")
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m model) footerView() string {
	info := barStyle.Render("Press q to quit, Tab to switch views")
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m model) contentView() string {
	if m.showLog {
		return m.logView()
	}
	return m.transcriptView()
}

func (m model) transcriptView() string {
	if len(m.segments) == 0 {
		return "Listening..."
	}
	settled := strings.Join(m.segments[:len(m.segments)-1], "")
	recent := m.segments[len(m.segments)-1]
	return settled + recentStyle.Render(recent)
}

func (m model) logView() string {
	var content strings.Builder
	for _, entry := range m.logEntries {
		content.WriteString(entry)
		content.WriteString("\n")
	}
	return content.String()
}

// Run displays the transcript until the updates channel closes or the
// user quits. It returns after the terminal is restored; the caller
// stops the session when Run returns.
func Run(updates <-chan transcript.Update) error {
	program := tea.NewProgram(
		initialModel(updates),
		tea.WithAltScreen(),
	)
	_, err := program.Run()
	return err
}
