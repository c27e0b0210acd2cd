package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"pufkey/internal/config"
	"pufkey/internal/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file if none exists",
	Args:  cobra.NoArgs,
	RunE:  configInitCmdRun,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE:  configShowCmdRun,
}

var configWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Validate the configuration file every time it changes",
	Args:  cobra.NoArgs,
	RunE:  configWatchCmdRun,
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd, configWatchCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	if rootArgs.configPath != "" {
		return rootArgs.configPath
	}
	return config.ConfigPath()
}

func configInitCmdRun(cmd *cobra.Command, args []string) error {
	path := configPath()
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(rootCmd.OutOrStdout(), "wrote %s\n", path)
	} else {
		fmt.Fprintf(rootCmd.OutOrStdout(), "%s already exists\n", path)
	}
	return nil
}

func configShowCmdRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return toml.NewEncoder(rootCmd.OutOrStdout()).Encode(cfg.Clone())
}

func configWatchCmdRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchConfig(ctx, configPath())
}

// watchConfig reports each reload until ctx is done.
func watchConfig(ctx context.Context, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LoggingSettings())
	if err != nil {
		return err
	}
	defer logger.Close()

	var audit *logging.AuditLogger
	if cfg.Logging.AuditPath != "" {
		ac := logging.DefaultAuditConfig()
		ac.FilePath = cfg.Logging.AuditPath
		if audit, err = logging.NewAuditLogger(ac); err != nil {
			return err
		}
		defer audit.Close()
		audit.BindOperation(ctx)
	}

	loader := config.NewLoader(path, logger.WithComponent("config").Logger)
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.OnChange(func(c *config.Config) {
		fmt.Fprintf(rootCmd.OutOrStdout(), "reloaded: hold %s, clock %d Hz, store %s\n",
			c.PUF.HoldTime(), c.PUF.ClockHz, c.Store.Backend)
		if audit != nil {
			auditWarn(logger.Logger, audit.LogConfigChange(ctx, path))
		}
	})
	if err := loader.Watch(); err != nil {
		return err
	}
	defer loader.Close()

	fmt.Fprintf(rootCmd.OutOrStdout(), "watching %s\n", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-loader.Errors():
			fmt.Fprintf(rootCmd.OutOrStdout(), "rejected: %v\n", err)
		}
	}
}
