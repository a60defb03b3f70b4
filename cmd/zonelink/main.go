// Zonelink keeps a synchronised view of a connected cooking appliance.
//
// It discovers appliances on the LAN, reads and writes their properties over
// the local HTTP channel, the cloud websocket channel, or both, and reports
// connection health. Devices are described in the registry file (see
// 'zonelink --help' for its location); credentials come from the environment.
//
// Usage:
//
//	zonelink [command] [flags]
//
// See 'zonelink --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/zonelink/internal/config"
	"github.com/muurk/zonelink/internal/logging"
	"github.com/muurk/zonelink/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath   string
	logLevel     string
	outputFormat string
	connectWait  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "zonelink",
	Short: "Connected appliance sync client",
	Long: `A client that keeps appliance state in sync over the LAN and the cloud.

Devices are listed in the registry file together with their endpoints and
sync settings. The LAN password is read from ` + config.PasswordEnvVar + ` and the cloud
token from ` + config.TokenEnvVar + `; neither is ever written to disk.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			return logging.Initialize(logLevel)
		}
		return logging.InitializeFromEnv()
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Registry file (default is the user config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides "+logging.LogLevelEnvVar)
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatAuto, "Output format (auto, table, json)")
	rootCmd.PersistentFlags().DurationVar(&connectWait, "wait", 15*time.Second, "How long to wait for the first connection")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Fprintf(cmd.OutOrStdout(), "zonelink %s (commit: %s, %s, %s)\n",
			info.Version, info.Commit, info.GoVersion, info.Platform)
	},
}
