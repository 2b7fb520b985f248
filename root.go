package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// flagConfigPath is the one flag the daemon accepts.
var flagConfigPath string

// newRootCmd builds the command tree. The root command itself runs the
// daemon, so launchd can invoke the binary with nothing but the config
// flag; status and version are operator conveniences.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tm-isync-adapter",
		Short: "Case-file sync daemon",
		Long: `tm-isync-adapter watches a cloud-drive case folder and uploads
changed files to the firm's case-file store. It runs until terminated;
SIGTERM or SIGINT triggers a graceful shutdown.`,
		Version: version,
		// Cobra's default error/usage printing is off — main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c",
		"./config.json", "path to config.json")

	cmd.AddCommand(newStatusCmd())

	return cmd
}

// bootstrapLogger is used before the config names a level and the rotating
// sinks exist: plain text on stderr at info.
func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
