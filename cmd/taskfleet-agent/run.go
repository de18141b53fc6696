package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskfleet/taskfleet/pkg/agent"
	"github.com/taskfleet/taskfleet/pkg/version"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			slog.Info("Starting taskfleet agent",
				"version", version.Full(),
				"name", cfg.MachineName,
				"server", cfg.ServerURL)

			runtime, err := agent.NewRuntime(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Registration survives the stop: a restarting agent keeps its
			// identity and any queued work finds it when it reconnects.
			err = runtime.Run(ctx)
			slog.Info("Agent stopped")
			return err
		},
	}
}
