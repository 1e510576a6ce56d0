package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ferry/cli/style"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <branch>",
	Short: "List a branch's revisions and deploy attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "entries to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	branch := args[0]

	revs, err := client.Revisions(branch, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch revisions: %w", err)
	}
	env, err := client.GetEnvironment(branch)
	if err != nil {
		return fmt.Errorf("failed to fetch environment: %w", err)
	}

	fmt.Println(style.Banner.Render("⛴ "+branch) + style.Subtitle.Render(fmt.Sprintf("  %d revision(s)", len(revs))))

	if len(revs) == 0 {
		fmt.Println(style.DimText.Render("  no revisions yet"))
	} else {
		fmt.Println(style.TableHeader.Render(fmt.Sprintf("  %-2s %-5s %-9s %-8s %-7s %s", "", "REV", "COMMIT", "SCHEMA", "PARENT", "CREATED")))
		for _, r := range revs {
			marker := "  "
			if r.Seq == env.CurrentRevision {
				marker = style.DotHealthy + " "
			}
			parent := "—"
			if r.Parent > 0 {
				parent = fmt.Sprintf("%d", r.Parent)
			}
			fmt.Printf("  %s %s %s   %s %s %s\n",
				marker,
				padRight(fmt.Sprintf("%d", r.Seq), 5),
				shaText(r.CommitSHA),
				padRight(fmt.Sprintf("v%d", r.SchemaVersion), 8),
				padRight(parent, 7),
				style.DimText.Render(r.CreatedAt),
			)
		}
	}

	deployments, err := client.Deployments(branch, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch attempts: %w", err)
	}
	if len(deployments) > 0 {
		fmt.Println()
		fmt.Println(style.TableHeader.Render("  Attempts"))
		for _, d := range deployments {
			fmt.Print(deploymentLine(d))
		}
	}
	fmt.Println()
	return nil
}
