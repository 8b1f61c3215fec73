// Package tui renders a live turn in the terminal: a viewport over the
// reconstructed turn state, updated as events arrive.
package tui

import (
	"context"
	"fmt"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/turncast/turncast/internal/client"
	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/rebuild"
)

// frameMsg delivers one stream frame to the TUI.
type frameMsg struct {
	Frame client.Frame
	Ch    <-chan client.Frame // pass channel back for next read
}

// streamClosedMsg signals that the stream ended without a terminal event.
type streamClosedMsg struct{}

// WatchModel folds an attach stream into turn state and renders it live.
type WatchModel struct {
	conversationID string
	frames         <-chan client.Frame
	engine         *rebuild.Engine
	final          *protocol.Message

	width, height int
	viewport      viewport.Model
	spinner       spinner.Model
	keys          watchKeyBindings
	ready         bool
	autoScroll    bool
	done          bool
	disconnected  bool
}

// NewWatchModel creates the watch page over an attach stream.
func NewWatchModel(conversationID string, frames <-chan client.Frame) WatchModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7"))),
	)
	return WatchModel{
		conversationID: conversationID,
		frames:         frames,
		engine:         rebuild.NewEngine(),
		spinner:        s,
		keys:           watchKeys(),
		autoScroll:     true,
	}
}

// RunWatch attaches the TUI to a frame stream and blocks until the user
// quits or the turn completes.
func RunWatch(ctx context.Context, conversationID string, frames <-chan client.Frame) error {
	p := tea.NewProgram(NewWatchModel(conversationID, frames))
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	return err
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(waitForFrame(m.frames), m.spinner.Tick)
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		contentWidth := msg.Width - 4
		contentHeight := msg.Height - 6
		if !m.ready {
			m.viewport = viewport.New()
			m.ready = true
		}
		m.viewport.SetWidth(contentWidth)
		m.viewport.SetHeight(contentHeight)
		m.refreshViewport()
		return m, nil

	case frameMsg:
		if msg.Frame.Final != nil {
			m.final = msg.Frame.Final
			m.done = true
			m.refreshViewport()
			return m, nil
		}
		ev := msg.Frame.Event
		m.engine.Apply(*ev)
		if ev.Terminal() {
			m.done = true
		}
		m.refreshViewport()
		if m.done {
			return m, nil
		}
		return m, waitForFrame(msg.Ch)

	case streamClosedMsg:
		m.disconnected = true
		m.refreshViewport()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Bottom):
			m.autoScroll = true
			if m.ready {
				m.viewport.GotoBottom()
			}
			return m, nil
		}
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.autoScroll = m.viewport.AtBottom()
		return m, cmd
	}
	return m, nil
}

func (m *WatchModel) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(RenderSnapshot(m.engine.Snapshot(), m.width))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

func (m WatchModel) View() tea.View {
	if !m.ready {
		v := tea.NewView(m.spinner.View() + " Attaching...")
		v.AltScreen = true
		return v
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	mutedStyle := lipgloss.NewStyle().Faint(true)
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#7fcc5a"))
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b"))
	padStyle := lipgloss.NewStyle().Padding(1, 2)

	title := titleStyle.Render("Watch: " + m.conversationID)

	snap := m.engine.Snapshot()
	var status string
	switch {
	case m.disconnected && !m.done:
		status = errStyle.Render("disconnected")
	case m.done && snap.Status == rebuild.StatusErrored:
		status = errStyle.Render("errored")
		if snap.Reason != "" {
			status += mutedStyle.Render("  " + snap.Reason)
		}
	case m.done:
		status = okStyle.Render("completed")
		if snap.Usage.OutputTokens > 0 {
			status += mutedStyle.Render(fmt.Sprintf("  %d tokens out", snap.Usage.OutputTokens))
		}
	default:
		status = m.spinner.View() + " " + okStyle.Render("live")
	}

	header := title + "  " + status
	progress := mutedStyle.Render(RenderProgress(rebuild.Progress(snap)))
	help := mutedStyle.Render("G/end: resume scroll  q: quit  j/k: scroll")

	content := header + "\n" + progress + "\n" + m.viewport.View() + "\n" + help
	v := tea.NewView(padStyle.Render(content))
	v.AltScreen = true
	return v
}

// waitForFrame returns a command that blocks until the next frame arrives.
func waitForFrame(ch <-chan client.Frame) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg{Frame: frame, Ch: ch}
	}
}

type watchKeyBindings struct {
	Quit   key.Binding
	Bottom key.Binding
}

func watchKeys() watchKeyBindings {
	return watchKeyBindings{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
		Bottom: key.NewBinding(
			key.WithKeys("G", "end"),
			key.WithHelp("G", "resume scroll"),
		),
	}
}
