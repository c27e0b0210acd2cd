// Command pufctl drives the PUF key lifecycle: enrollment, wrapping keys
// into key codes, reconstructing them and moving provisioning bundles
// between stores.
package main

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pufkey/internal/logging"
)

var (
	VERSION = "0.0.0-dev.0"
)

var rootCmd = &cobra.Command{
	Use:           "pufctl",
	Version:       VERSION,
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Manage PUF-derived keys",
	Long: `pufctl enrolls the device fingerprint, wraps caller-supplied or
device-intrinsic keys into key codes and reconstructs them on demand.
Only activation codes and key codes are ever written to storage.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmd.SetContext(logging.ContextWithOperationID(cmd.Context(), uuid.NewString()))
	},
}

type rootFlags struct {
	configPath string
	timeout    time.Duration
	logLevel   string
}

var rootArgs rootFlags

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "",
		"Path to the configuration file (default: platform config dir).")
	rootCmd.PersistentFlags().DurationVar(&rootArgs.timeout, "timeout", 0,
		"Watchdog for one lifecycle cycle; 0 uses puf.timeout_sec from the config.")
	rootCmd.PersistentFlags().StringVar(&rootArgs.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error).")
	rootCmd.SetOut(os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var halt *haltError
		if errors.As(err, &halt) {
			rootCmd.PrintErrf("✗ halted: %v\n", halt.err)
			os.Exit(2)
		}
		rootCmd.PrintErrf("✗ %v\n", err)
		os.Exit(1)
	}
}
