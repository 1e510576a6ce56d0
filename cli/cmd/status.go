package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ferry/cli/api"
	"ferry/cli/style"
)

var statusCmd = &cobra.Command{
	Use:     "status [branch]",
	Short:   "Show all environments or one branch in detail",
	Aliases: []string{"s", "ls"},
	Args:    cobra.MaximumNArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showEnvironment(args[0])
	}
	return showAllEnvironments()
}

func showAllEnvironments() error {
	envs, err := client.ListEnvironments()
	if err != nil {
		return fmt.Errorf("failed to fetch environments: %w", err)
	}

	if len(envs) == 0 {
		fmt.Println(style.DimText.Render("No environments yet. Push a branch or run ferry deploy."))
		return nil
	}

	fmt.Println(style.Banner.Render("⛴ FERRY") + style.Subtitle.Render(fmt.Sprintf("  %d environment(s)", len(envs))))
	fmt.Println()

	header := fmt.Sprintf(
		"  %-2s  %-28s %-16s %-5s %-10s %-8s %s",
		"", "BRANCH", "STATUS", "REV", "ARTIFACT", "SCHEMA", "QUEUED",
	)
	fmt.Println(style.TableHeader.Render(header))

	for _, env := range envs {
		printEnvRow(env)
	}
	fmt.Println()

	return nil
}

func printEnvRow(env api.Environment) {
	name := padRight(env.Branch, 28)
	if env.Production {
		name = style.Production.Render(name)
	} else {
		name = style.Bold.Render(name)
	}

	rev := style.DimText.Render(padRight("—", 5))
	if env.CurrentRevision > 0 {
		rev = padRight(fmt.Sprintf("%d", env.CurrentRevision), 5)
	}

	queued := ""
	if env.QueueDepth > 0 {
		queued = style.Warning.Render(fmt.Sprintf("%d", env.QueueDepth))
	}

	fmt.Printf("  %s  %s %s %s %s %s %s\n",
		style.EnvDot(env.Status),
		name,
		statusStyle(env.Status).Render(padRight(env.Status, 16)),
		rev,
		padRight(shortArtifact(env.Artifact), 10),
		padRight(fmt.Sprintf("v%d", env.SchemaVersion), 8),
		queued,
	)
}

func shortArtifact(ref string) string {
	if ref == "" {
		return "—"
	}
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 && i < len(ref)-1 {
		ref = ref[i+1:]
	}
	if len(ref) > 10 {
		return ref[:10]
	}
	return ref
}

func showEnvironment(branch string) error {
	env, err := client.GetEnvironment(branch)
	if err != nil {
		return fmt.Errorf("failed to fetch environment: %w", err)
	}

	cardStyle := style.CardHealthy
	if env.Status != "Live" {
		cardStyle = style.CardUnhealthy
	}

	var b strings.Builder

	b.WriteString(style.Bold.Render(env.Branch))
	if env.Production {
		b.WriteString("  " + style.KindBadge.Render("production"))
	}
	b.WriteString("  " + style.EnvDot(env.Status) + " " + statusText(env.Status))
	b.WriteString("\n\n")

	kvLine := func(k, v string) {
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}

	kvLine("Label", env.Label)
	if env.CurrentRevision > 0 {
		kvLine("Revision", fmt.Sprintf("%d", env.CurrentRevision))
	}
	if env.Artifact != "" {
		kvLine("Artifact", env.Artifact)
	}
	kvLine("Schema", fmt.Sprintf("%s @ v%d", env.SchemaName, env.SchemaVersion))
	if env.QueueDepth > 0 {
		kvLine("Queued", fmt.Sprintf("%d job(s)", env.QueueDepth))
	}
	if env.UpdatedAt != "" {
		kvLine("Updated", env.UpdatedAt)
	}

	deployments, err := client.Deployments(branch, 5)
	if err == nil && len(deployments) > 0 {
		b.WriteString("\n")
		b.WriteString(style.TableHeader.Render("  Recent Attempts"))
		b.WriteString("\n")
		for _, d := range deployments {
			b.WriteString(deploymentLine(d))
		}
	}

	fmt.Println(cardStyle.Render(strings.TrimRight(b.String(), "\n")))
	return nil
}

func deploymentLine(d api.Deployment) string {
	st := statusStyle(d.Status)
	switch d.Status {
	case "Live", "Done":
		st = style.StepDone
	case "Failed", "Degraded":
		st = style.StepFailed
	}
	line := fmt.Sprintf("  %s  %s  %s  %s",
		st.Render(padRight(d.Status, 18)),
		padRight(d.Kind, 9),
		shaText(d.CommitSHA),
		style.DimText.Render(d.StartedAt),
	)
	if d.ErrorKind != "" {
		line += "  " + style.Unhealthy.Render(d.ErrorKind)
	}
	return line + "\n"
}
