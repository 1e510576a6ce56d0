package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ferry/cli/api"
	"ferry/cli/style"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <branch> [revision]",
	Short: "Roll a branch back to an earlier revision",
	Long: `Rollback restores a revision from the branch's history, reverting schema
migrations down to that revision's version first. Without a revision the
branch goes back to the parent of its current revision.

The rollback fails without touching the environment when a migration on the
way down cannot be reversed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	branch := args[0]

	var target int64
	if len(args) == 2 {
		seq, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || seq < 1 {
			return fmt.Errorf("invalid revision %q", args[1])
		}
		target = seq
	} else {
		env, err := client.GetEnvironment(branch)
		if err != nil {
			return err
		}
		target, err = parentRevision(branch, env.CurrentRevision)
		if err != nil {
			return err
		}
	}

	title := fmt.Sprintf("Rolling %s back to revision %d", style.Bold.Render(branch), target)
	return runWaiting(title, func() (*api.Result, error) {
		return client.Rollback(branch, target, true)
	})
}

func parentRevision(branch string, current int64) (int64, error) {
	if current == 0 {
		return 0, fmt.Errorf("%s has no live revision", branch)
	}
	revs, err := client.Revisions(branch, 100)
	if err != nil {
		return 0, err
	}
	for _, r := range revs {
		if r.Seq == current {
			if r.Parent == 0 {
				return 0, fmt.Errorf("revision %d of %s has no parent", current, branch)
			}
			return r.Parent, nil
		}
	}
	return 0, fmt.Errorf("revision %d of %s not found", current, branch)
}
