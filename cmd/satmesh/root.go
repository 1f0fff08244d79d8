package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	satmesh "github.com/glimte/satmesh-go"
	"github.com/glimte/satmesh-go/config"
)

type globalFlags struct {
	configPath string
	logLevel   string

	// clientOptions are appended to every client the commands build.
	clientOptions []satmesh.ClientOption
}

func newRootCmd(opts ...satmesh.ClientOption) *cobra.Command {
	flags := &globalFlags{clientOptions: opts}

	rootCmd := &cobra.Command{
		Use:   "satmesh",
		Short: "Operate the satellite messaging fabric",
		Long: `satmesh provisions the RabbitMQ topology shared by the satellite services,
publishes and consumes fabric messages, and runs the live-viewer relay.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		newProvisionCmd(flags),
		newPublishCmd(flags),
		newConsumeCmd(flags),
		newListenersCmd(flags),
		newRelayCmd(flags),
	)
	return rootCmd
}

func (f *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
		if _, err := cfg.LogLevel(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, cfg.Logger(), nil
}

// connect loads the configuration and returns a connected client.
func (f *globalFlags) connect(ctx context.Context, extra ...satmesh.ClientOption) (*config.Config, *satmesh.Client, error) {
	cfg, logger, err := f.load()
	if err != nil {
		return nil, nil, err
	}

	opts := append([]satmesh.ClientOption{satmesh.WithLogger(logger)}, extra...)
	client, err := satmesh.NewClientFromConfig(cfg, append(opts, f.clientOptions...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return cfg, client, nil
}
