package cli

import (
	"github.com/spf13/cobra"

	"github.com/capsulebuild/capsule/lib/sandbox"
)

func init() {
	rootCmd.AddCommand(stageCmd)
}

// stageCmd is the re-exec target for sandboxed command execution. The
// runner spawns /proc/self/exe with this subcommand inside fresh
// namespaces; it is never invoked by operators directly.
var stageCmd = &cobra.Command{
	Use:    sandbox.StageCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	// The stage runs inside a private mount namespace; skip the usual
	// config loading and directory setup.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return sandbox.ExecStage()
	},
}
