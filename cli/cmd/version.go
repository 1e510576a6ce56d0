package cmd

import (
	"fmt"
	"runtime"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"ferry/cli/style"
)

var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server versions",
	Run: func(cmd *cobra.Command, args []string) {
		logo := lipgloss.NewStyle().
			Bold(true).
			Foreground(style.Primary).
			Render(`
  ┌─┐┌─┐┬─┐┬─┐┬ ┬
  ├┤ ├┤ ├┬┘├┬┘└┬┘
  └  └─┘┴└─┴└─ ┴ `)

		line := func(k, v string) {
			fmt.Printf("  %s %s\n", style.Key.Render(k), style.Val.Render(v))
		}

		fmt.Println(logo)
		fmt.Println()
		line("Client", fmt.Sprintf("%s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH))
		line("API", apiURL)
		if v, err := client.ServerVersion(); err != nil {
			fmt.Printf("  %s %s\n", style.Key.Render("Server"), style.Unhealthy.Render("unreachable"))
		} else {
			line("Server", v)
			if h, err := client.Health(); err == nil {
				fmt.Printf("  %s %s\n", style.Key.Render("Health"), statusStyle(healthLabel(h.Status)).Render(h.Status))
				for _, s := range h.Services {
					fmt.Printf("  %s %s %s\n", style.Key.Render(""), style.EnvDot(healthLabel(s.Status)), s.Name)
				}
			}
		}
		fmt.Println()
	},
}

// healthLabel maps the server's health words onto environment statuses so
// they share colors.
func healthLabel(s string) string {
	switch s {
	case "ok", "up", "healthy":
		return "Live"
	case "degraded":
		return "Degraded"
	case "down", "unhealthy":
		return "Failed"
	}
	return s
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
