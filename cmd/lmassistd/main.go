// Lmassistd is the workstation knowledge daemon.
//
// It watches assistant session transcripts, distills completed explore
// sub-agent results into knowledge documents, serves hybrid retrieval and
// context suggestions over HTTP, and mirrors knowledge between
// workstations that share a git origin via the relay hub.
//
// Usage:
//
//	# Start the daemon with defaults
//	lmassistd serve
//
//	# Configure via file and environment
//	lmassistd serve --config ~/.config/lmassist/config.yaml
//	SERVER_PORT=9090 lmassistd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:          "lmassistd",
	Short:        "Workstation knowledge daemon",
	Long:         "lmassistd distills session transcripts into knowledge documents and serves retrieval, context suggestion, and peer sync over HTTP.",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lmassistd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.config/lmassist/config.yaml)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
