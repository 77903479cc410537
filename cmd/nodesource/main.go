package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrpan/nodesource/internal/config"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodesource",
	Short: "Connector-backed node source -- provisions worker instances on IaaS providers",
	Long: `nodesource provisions worker instances through an infrastructure connector
service (EC2, Azure, OpenStack, VMware, MAAS), starts worker processes on
them and tracks which nodes run on which instance so instances are
terminated once their last node is removed.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Node source overrides
	f.StringVar(&flagOverrides.NodeSource.Name, "name", "", "Node source name")
	f.StringVar(&flagOverrides.Connector.URL, "connector-url", "", "Connector URL (e.g. http://localhost:8088/connector-iaas)")
	f.StringVar(&flagOverrides.Backend.Type, "backend", "", "Backend type (aws-ec2, azure, openstack-nova, vmware, maas)")
	f.StringVar(&flagOverrides.Bootstrap.RMURL, "rm-url", "", "Resource manager URL workers register with")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(
		serveCmd(),
		acquireCmd(),
		instancesCmd(),
		terminateCmd(),
		shutdownCmd(),
		versionCmd(),
	)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.NodeSource.Name != "" {
		cfg.NodeSource.Name = flagOverrides.NodeSource.Name
	}
	if flagOverrides.Connector.URL != "" {
		cfg.Connector.URL = flagOverrides.Connector.URL
	}
	if flagOverrides.Backend.Type != "" {
		cfg.Backend.Type = flagOverrides.Backend.Type
	}
	if flagOverrides.Bootstrap.RMURL != "" {
		cfg.Bootstrap.RMURL = flagOverrides.Bootstrap.RMURL
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig reads, overrides and validates the configuration and
// creates the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("backend", cfg.Backend.Type),
		slog.String("nodeSource", cfg.NodeSource.Name),
		slog.String("connector", cfg.Connector.URL),
	)
	return cfg, logger, nil
}
