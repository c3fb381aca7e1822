// Package cli implements the chatload command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "chatload",
		Short:   "Load generator for chat services",
		Version: version,
		Long: `chatload simulates many concurrent chat users against a chat service.
Each session signs up, logs in, finds conversation partners and then runs a
weighted mix of messaging, search and profile operations until the run ends.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newMockServerCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
