package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dunamismax/latentwalk/internal/client"
	"github.com/dunamismax/latentwalk/internal/domain"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

const maxBarWidth = 60

type statusMsg client.Status

type watchDoneMsg struct {
	status client.Status
	err    error
}

type watchModel struct {
	jobID     string
	events    <-chan tea.Msg
	spinner   spinner.Model
	bar       progress.Model
	status    client.Status
	err       error
	finished  bool
	cancelled bool
}

func newWatchModel(jobID string, events <-chan tea.Msg) watchModel {
	return watchModel{
		jobID:   jobID,
		events:  events,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		status:  client.Status{JobID: jobID, State: domain.JobStateQueued},
	}
}

func watchInteractive(ctx context.Context, c *client.Client, jobID string, out io.Writer) (client.Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tea.Msg, 1)
	go func() {
		defer close(events)
		final, err := watchJob(ctx, c, jobID, func(s client.Status) {
			select {
			case events <- statusMsg(s):
			case <-ctx.Done():
			}
		})
		select {
		case events <- watchDoneMsg{status: final, err: err}:
		case <-ctx.Done():
		}
	}()

	p := tea.NewProgram(newWatchModel(jobID, events), tea.WithOutput(out), tea.WithContext(ctx))
	finalModel, err := p.Run()
	if err != nil {
		return client.Status{}, err
	}
	m, ok := finalModel.(watchModel)
	if !ok {
		return client.Status{}, nil
	}
	if m.cancelled {
		return m.status, context.Canceled
	}
	return m.status, m.err
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return watchDoneMsg{err: context.Canceled}
		}
		return msg
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.bar.Width = min(maxBarWidth, max(10, msg.Width-4))
		return m, nil
	case statusMsg:
		m.status = client.Status(msg)
		return m, waitForEvent(m.events)
	case watchDoneMsg:
		m.finished = true
		if msg.status.JobID != "" {
			m.status = msg.status
		}
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("latent walk " + m.jobID))
	b.WriteString("\n\n")

	switch {
	case m.cancelled:
		b.WriteString(watchMutedStyle.Render("stopped watching; the job keeps running"))
	case m.err != nil:
		b.WriteString(watchErrorStyle.Render("watch failed: " + m.err.Error()))
	case m.status.State == domain.JobStateError:
		b.WriteString(watchErrorStyle.Render("failed: " + m.status.ErrorMessage))
	case m.status.State == domain.JobStateDone:
		b.WriteString(watchOKStyle.Render("done"))
		b.WriteString(watchMutedStyle.Render(fmt.Sprintf("  walkctl download %s", m.jobID)))
	default:
		b.WriteString(m.spinner.View() + " " + string(m.status.State))
	}
	b.WriteString("\n")

	b.WriteString(m.bar.ViewAs(m.status.Progress))
	b.WriteString(fmt.Sprintf("  %d/%d frames\n", m.status.FramesDone, m.status.TotalFrames))
	if line := m.status.LastLog(); line != "" {
		b.WriteString(watchMutedStyle.Render(line))
		b.WriteString("\n")
	}
	if !m.finished && !m.cancelled {
		b.WriteString(watchMutedStyle.Render("q to stop watching"))
		b.WriteString("\n")
	}
	return b.String()
}
