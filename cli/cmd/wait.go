package cmd

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ferry/cli/api"
	"ferry/cli/style"
)

// runWaiting shows a spinner while run blocks on a ?wait=true call, then
// prints the result.
func runWaiting(title string, run func() (*api.Result, error)) error {
	p := tea.NewProgram(newWaitModel(title, run))
	finalModel, err := p.Run()
	if err != nil {
		return err
	}
	wm := finalModel.(waitModel)
	if wm.err != nil {
		return wm.err
	}
	if wm.result == nil {
		return fmt.Errorf("interrupted; the job keeps running on the server")
	}
	fmt.Println(renderResult(wm.result))
	return resultErr(wm.result)
}

// --- Messages ---

type waitDone struct{ result *api.Result }
type waitErr struct{ err error }

// --- Model ---

type waitModel struct {
	title   string
	run     func() (*api.Result, error)
	spinner spinner.Model
	result  *api.Result
	err     error
}

func newWaitModel(title string, run func() (*api.Result, error)) waitModel {
	s := spinner.New()
	s.Spinner = spinner.Moon
	s.Style = lipgloss.NewStyle().Foreground(style.Cyan)
	return waitModel{title: title, run: run, spinner: s}
}

func (m waitModel) Init() tea.Cmd {
	run := m.run
	return tea.Batch(
		m.spinner.Tick,
		func() tea.Msg {
			res, err := run()
			if err != nil {
				return waitErr{err: err}
			}
			return waitDone{result: res}
		},
	)
}

func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case waitDone:
		m.result = msg.result
		return m, tea.Quit

	case waitErr:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m waitModel) View() string {
	if m.err != nil {
		return style.ErrorBox.Render(fmt.Sprintf("✗ %s", m.err)) + "\n"
	}
	if m.result != nil {
		return ""
	}
	return fmt.Sprintf("  %s %s...\n", m.spinner.View(), m.title)
}
