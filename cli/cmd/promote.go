package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ferry/cli/api"
	"ferry/cli/style"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <branch>",
	Short: "Deploy a branch's live revision to production",
	Long: `Promote deploys the branch's current artifact and schema to the production
environment, the same way a merged pull request does. The branch environment
is destroyed once production is live.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch := args[0]
		title := fmt.Sprintf("Promoting %s to production", style.Bold.Render(branch))
		return runWaiting(title, func() (*api.Result, error) {
			return client.Promote(branch, true)
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:     "destroy <branch>",
	Short:   "Tear down a branch environment",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch := args[0]
		title := fmt.Sprintf("Destroying %s", style.Bold.Render(branch))
		return runWaiting(title, func() (*api.Result, error) {
			return client.Destroy(branch, true)
		})
	},
}

func init() {
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(destroyCmd)
}
