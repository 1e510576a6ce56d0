package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"ferry/cli/api"
	"ferry/cli/style"
)

var deployDetach bool

var deployCmd = &cobra.Command{
	Use:   "deploy <branch> [commit-sha]",
	Short: "Deploy a commit to a branch environment",
	Long: `Deploy builds the commit, applies pending schema migrations, swaps the
code and waits for the environment to report healthy. The environment is
created on first deploy.

Without a commit the branch's current commit is deployed again. A newer
deploy to the same branch supersedes one that has not yet started migrating.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().BoolVarP(&deployDetach, "detach", "d", false, "queue the deploy and return")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	branch := args[0]
	var commit string
	if len(args) == 2 {
		commit = args[1]
	} else {
		var err error
		if commit, err = currentCommit(branch); err != nil {
			return err
		}
	}

	if deployDetach {
		res, err := client.Deploy(branch, commit, false)
		if err != nil {
			return err
		}
		fmt.Printf("%s queued %s %s\n", style.DotWarning, style.Bold.Render(branch), style.DimText.Render(res.DeploymentID))
		return nil
	}

	p := tea.NewProgram(newDeployModel(branch, commit))
	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	dm := finalModel.(deployModel)
	if dm.err != nil {
		return dm.err
	}
	if dm.result == nil {
		return fmt.Errorf("interrupted; the deploy keeps running on the server")
	}
	fmt.Println(renderResult(dm.result))
	return resultErr(dm.result)
}

func currentCommit(branch string) (string, error) {
	env, err := client.GetEnvironment(branch)
	if err != nil {
		return "", err
	}
	if env.CurrentRevision == 0 {
		return "", fmt.Errorf("%s has never been deployed; pass a commit", branch)
	}
	revs, err := client.Revisions(branch, 100)
	if err != nil {
		return "", err
	}
	for _, r := range revs {
		if r.Seq == env.CurrentRevision {
			return r.CommitSHA, nil
		}
	}
	return "", fmt.Errorf("revision %d of %s not found", env.CurrentRevision, branch)
}

// --- Messages ---

type wsMsg struct {
	Type    string        `json:"type"`
	Branch  string        `json:"branch"`
	Payload api.SagaEvent `json:"payload"`
}

type stepUpdate struct {
	step   string
	status string
}

type deployQueued struct {
	id string
	ch chan tea.Msg
}
type deployFinished struct{ result *api.Result }
type deployErr struct{ err error }

// --- Model ---

type deployModel struct {
	branch    string
	commit    string
	id        string
	spinner   spinner.Model
	steps     []stepState
	status    string // "connecting" | "queued" | "deploying" | "done"
	result    *api.Result
	err       error
	startTime time.Time
	eventCh   chan tea.Msg
}

type stepState struct {
	name   string
	status string // "pending" | "running" | "completed" | "failed"
}

var pipelineSteps = []string{"build", "provision", "migrate", "swap", "health"}

var stepIcons = map[string]string{
	"build":     "🔨",
	"provision": "📦",
	"migrate":   "🗃️",
	"swap":      "🔀",
	"health":    "🩺",
}

func newDeployModel(branch, commit string) deployModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)

	steps := make([]stepState, len(pipelineSteps))
	for i, name := range pipelineSteps {
		steps[i] = stepState{name: name, status: "pending"}
	}

	return deployModel{
		branch:    branch,
		commit:    commit,
		spinner:   s,
		steps:     steps,
		status:    "connecting",
		startTime: time.Now(),
	}
}

func (m deployModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		connectAndDeploy(m.branch, m.commit),
	)
}

func (m deployModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case deployQueued:
		m.status = "queued"
		m.id = msg.id
		m.eventCh = msg.ch
		return m, waitForEvent(m.eventCh)

	case stepUpdate:
		m.status = "deploying"
		for i := range m.steps {
			if m.steps[i].name == msg.step {
				m.steps[i].status = msg.status
				break
			}
		}
		return m, waitForEvent(m.eventCh)

	case deployFinished:
		m.status = "done"
		m.result = msg.result
		return m, tea.Quit

	case deployErr:
		m.status = "done"
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m deployModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("⛴ FERRY DEPLOY"))
	b.WriteString("\n")

	b.WriteString(style.Key.Render("Branch"))
	b.WriteString(style.Bold.Render(m.branch))
	b.WriteString("\n")
	b.WriteString(style.Key.Render("Commit"))
	b.WriteString(shaText(m.commit))
	b.WriteString("\n\n")

	for _, step := range m.steps {
		icon := stepIcons[step.name]
		name := padRight(step.name, 12)

		switch step.status {
		case "pending":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", icon, style.DimText.Render(name), style.DimText.Render("waiting")))
		case "running":
			b.WriteString(fmt.Sprintf("  %s %s %s %s\n", icon, style.StepRunning.Render(name), m.spinner.View(), style.StepRunning.Render("running")))
		case "completed":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", icon, style.StepDone.Render(name), style.StepDone.Render("✓ done")))
		case "failed":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", icon, style.StepFailed.Render(name), style.StepFailed.Render("✗ failed")))
		}
	}

	b.WriteString("\n")

	elapsed := time.Since(m.startTime).Round(time.Second)

	switch m.status {
	case "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" Connecting to API..."))
	case "queued":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" Waiting for the branch worker... (%s)", elapsed)))
	case "deploying":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" Pipeline running... (%s)", elapsed)))
	case "done":
		if m.err != nil {
			b.WriteString(style.ErrorBox.Render("✗ " + m.err.Error()))
		} else if m.result != nil && !m.result.Failed() {
			b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ Deploy finished in %s", elapsed)))
		}
	}

	b.WriteString("\n")
	return b.String()
}

// --- Commands ---

// connectAndDeploy subscribes to the branch's event stream, queues the deploy
// and then forwards the attempt's saga events to a channel.
func connectAndDeploy(branch, commit string) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(branch), client.AuthHeader())
		if err != nil {
			return deployErr{err: fmt.Errorf("websocket connect: %w", err)}
		}

		res, err := client.Deploy(branch, commit, false)
		if err != nil {
			conn.Close()
			return deployErr{err: err}
		}
		if res.Status != "Pending" {
			conn.Close()
			return deployFinished{result: res}
		}

		ch := make(chan tea.Msg, 32)
		go followDeploy(conn, res, ch)
		return deployQueued{id: res.DeploymentID, ch: ch}
	}
}

func followDeploy(conn *websocket.Conn, queued *api.Result, ch chan<- tea.Msg) {
	defer conn.Close()
	defer close(ch)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			ch <- deployErr{err: fmt.Errorf("websocket read: %w", err)}
			return
		}

		var event wsMsg
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Type != "saga.event" || event.Payload.SagaID != queued.DeploymentID {
			continue
		}

		evt := event.Payload
		switch evt.Action {
		case "step.start":
			ch <- stepUpdate{step: evt.Metadata["step"], status: "running"}
		case "step.complete":
			ch <- stepUpdate{step: evt.Metadata["step"], status: "completed"}
		case "step.failed":
			ch <- stepUpdate{step: evt.Metadata["step"], status: "failed"}
		case "deploy.finish":
			ch <- deployFinished{result: finishedResult(queued, evt)}
			return
		}
	}
}

// finishedResult fills in a queued result from the attempt record, falling
// back to the finish event's metadata.
func finishedResult(queued *api.Result, evt api.SagaEvent) *api.Result {
	res := *queued
	res.Status = evt.Metadata["status"]
	res.EnvStatus = evt.Metadata["envStatus"]
	res.ErrorKind = evt.Metadata["errorKind"]

	if d, err := client.GetDeployment(queued.DeploymentID); err == nil {
		res.Status = d.Status
		res.Commit = d.CommitSHA
		res.Revision = d.RevisionSeq
		res.ErrorKind = d.ErrorKind
		res.Error = d.Error
	}
	return &res
}

// waitForEvent reads the next event from the channel.
func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return deployErr{err: fmt.Errorf("event stream closed")}
		}
		return msg
	}
}
