// Package commands holds the decoygate CLI command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the decoygate command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "decoygate",
		Short: "Adaptive threat classification and dispatch engine",
		Long: `decoygate scores incoming connections, learns which engagement
action pays off for each threat profile, and routes traffic between
pass-through and honeypot handlers.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCommand(),
		newTrainCommand(),
		newQTableCommand(),
		newVersionCommand(),
	)
	return root
}
