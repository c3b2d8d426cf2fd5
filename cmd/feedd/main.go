// Command feedd serves data output agents: RSS and JSON feeds built from
// the events of linked source agents, with WebSub hub notification.
//
// Start the daemon:
//
//	feedd serve --config feedd.yaml
//
// Check an option document before saving it:
//
//	feedd agents validate options.json
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags.
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
	var configPath string
	root := &cobra.Command{
		Use:          "feedd",
		Short:        "Feed daemon for data output agents",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FEEDD_CONFIG"), "Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildAgentsCmd(&configPath),
		buildEventsCmd(&configPath),
	)
	return root
}
