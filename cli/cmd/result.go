package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ferry/cli/api"
	"ferry/cli/style"
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "Live", "Done":
		return style.Healthy
	case "Failed", "Degraded":
		return style.Unhealthy
	case "Destroyed":
		return style.DimText
	case "":
		return style.Val
	}
	return style.Warning
}

func statusText(status string) string {
	return statusStyle(status).Render(status)
}

// renderResult formats a finished job for the terminal.
func renderResult(res *api.Result) string {
	var b strings.Builder
	kv := func(k, v string) {
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}

	b.WriteString(style.Bold.Render(res.Branch))
	b.WriteString("  ")
	b.WriteString(style.KindBadge.Render(res.Kind))
	b.WriteString("  ")
	b.WriteString(statusText(res.Status))
	b.WriteString("\n\n")
	if res.EnvStatus != "" {
		kv("Environment", res.EnvStatus)
	}
	if res.Revision > 0 {
		kv("Revision", fmt.Sprintf("%d", res.Revision))
	}
	if res.Commit != "" {
		kv("Commit", shortSHA(res.Commit))
	}
	if res.DeploymentID != "" {
		kv("Attempt", res.DeploymentID)
	}
	if res.ErrorKind != "" || res.Error != "" {
		kv("Error", strings.TrimSpace(res.ErrorKind+" "+res.Error))
	}

	card := style.CardHealthy
	if res.Failed() {
		card = style.CardUnhealthy
	}
	return card.Render(strings.TrimRight(b.String(), "\n"))
}

// resultErr turns a failed, degraded or superseded job into a non-zero exit.
func resultErr(res *api.Result) error {
	if !res.Failed() {
		return nil
	}
	if res.ErrorKind != "" {
		return fmt.Errorf("%s %s: %s: %s", res.Kind, res.Status, res.ErrorKind, res.Error)
	}
	return fmt.Errorf("%s %s", res.Kind, res.Status)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func shaText(sha string) string {
	if sha == "" {
		return style.DimText.Render("—")
	}
	return lipgloss.NewStyle().Foreground(style.Cyan).Render(shortSHA(sha))
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
