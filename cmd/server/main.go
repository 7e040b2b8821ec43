// Command server runs the realtime gateway and its maintenance commands.
//
// Start the gateway (the default command):
//
//	server serve
//
// Apply database migrations:
//
//	server migrate
//
// Configuration is read from the environment; see internal/server.LoadConfig.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "server",
		Short: "Realtime chat gateway",
		Long: `Realtime chat gateway: authenticated websocket connections, presence,
typing indicators, message fan-out, and mention notifications.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildVAPIDCmd(),
	)
	return root
}
