// Package cmd provides the parley CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE streaming chat
//   - migrate: apply database migrations and exit
//   - version: show version information
//
// All long-running commands shut down gracefully on SIGINT/SIGTERM via
// context cancellation.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - conversational chat backend",
	Long: `Parley is a chat backend that manages sessions, persists messages,
and streams model responses incrementally over SSE.

Running parley without a subcommand starts the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
