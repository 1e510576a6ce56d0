package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"ferry/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Branch environments with schema-aware deploys and rollbacks",
	Long: `Ferry gives every pushed branch its own environment and carries each
commit across: build, schema migration, code swap and health check.

Deploy, roll back to any earlier revision, promote a merged branch to
production and follow what happened, all from the terminal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("FERRY_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8800"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Ferry API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("FERRY_TOKEN"), "API bearer token")
}
