package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/terrpan/nodesource/internal/buildinfo"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/nodesource"
)

// withNodeSource loads the config and builds a node source for a
// one-shot command.
func withNodeSource(cmd *cobra.Command, fn func(ctx context.Context, ns *nodesource.NodeSource, logger *slog.Logger) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	gw, err := cfg.NewGateway(logger.WithGroup("connector"))
	if err != nil {
		return fmt.Errorf("creating connector gateway: %w", err)
	}
	ns, err := cfg.NewNodeSource(gw, logger.WithGroup("nodesource"))
	if err != nil {
		return fmt.Errorf("creating node source: %w", err)
	}
	return fn(ctx, ns, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func acquireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acquire",
		Short: "Register the infrastructure and create its instances",
		Long: `Register the infrastructure with the connector, create the configured
instances (reusing those that already carry the infrastructure tag) and
start workers on them. Prints the instance ids.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNodeSource(cmd, func(ctx context.Context, ns *nodesource.NodeSource, _ *slog.Logger) error {
				ids, err := ns.AcquireNodes(ctx)
				if err != nil {
					return fmt.Errorf("acquiring nodes: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), ids)
			})
		},
	}
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List the instances the connector reports for the infrastructure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNodeSource(cmd, func(ctx context.Context, ns *nodesource.NodeSource, _ *slog.Logger) error {
				list, err := ns.Instances(ctx)
				if err != nil {
					return fmt.Errorf("listing instances: %w", err)
				}
				if list == nil {
					list = []connector.Instance{}
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
}

func terminateCmd() *cobra.Command {
	var byTag bool

	cmd := &cobra.Command{
		Use:   "terminate <instance-id|tag>",
		Short: "Terminate one instance of the infrastructure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			gw, err := cfg.NewGateway(logger.WithGroup("connector"))
			if err != nil {
				return fmt.Errorf("creating connector gateway: %w", err)
			}
			client := cfg.NewClient(gw, logger.WithGroup("connector"))
			infraID := nodesource.InfrastructureID(cfg.NodeSource.Name)

			if byTag {
				err = client.TerminateInstanceByTag(ctx, infraID, args[0])
			} else {
				err = client.TerminateInstance(ctx, infraID, args[0])
			}
			if err != nil {
				return fmt.Errorf("terminating %s: %w", args[0], err)
			}
			logger.Info("instance terminated",
				slog.String("infrastructureId", infraID),
				slog.String("instance", args[0]),
				slog.Bool("byTag", byTag),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&byTag, "tag", false, "Treat the argument as an instance tag")
	return cmd
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Remove the infrastructure and all its instances",
		Long: `Shut the node source down. The connector removes the infrastructure
and its instances unless nodesource.destroy_on_shutdown is false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNodeSource(cmd, func(ctx context.Context, ns *nodesource.NodeSource, logger *slog.Logger) error {
				if err := ns.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutting down: %w", err)
				}
				logger.Info("node source shut down", slog.String("infrastructureId", ns.InfrastructureID()))
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "nodesource %s (commit %s, built %s, %s %s/%s)\n",
				buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime,
				runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
