package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskfleet/taskfleet/pkg/agent"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/version"
)

func newInfoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the effective agent configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			color.Cyan("taskfleet-agent %s", version.Full())
			fmt.Printf("  name:                   %s\n", cfg.MachineName)
			fmt.Printf("  address:                %s\n", cfg.Address)
			fmt.Printf("  server:                 %s\n", cfg.ServerURL)
			fmt.Printf("  install dir:            %s\n", cfg.InstallDir)
			fmt.Printf("  heartbeat interval:     %s\n", cfg.HeartbeatInterval)
			fmt.Printf("  config update interval: %s\n", cfg.ConfigUpdateInterval)
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the controller for this agent's registration and presence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := agent.NewClient(cfg.ServerURL).GetAgent(ctx, cfg.MachineName)
			if err != nil {
				return fmt.Errorf("could not reach controller: %w", err)
			}
			if a == nil {
				color.Red("%s is not registered", cfg.MachineName)
				return nil
			}

			switch a.Status {
			case models.PresenceFree:
				color.Green("%s is online (free)", a.Name)
			case models.PresenceBusy:
				color.Yellow("%s is online (busy)", a.Name)
			default:
				color.Red("%s is offline", a.Name)
			}
			fmt.Printf("  address:        %s\n", a.Address)
			fmt.Printf("  registered at:  %s\n", a.RegisteredAt.Format(time.RFC3339))
			fmt.Printf("  last heartbeat: %s\n", a.LastHeartbeat.Format(time.RFC3339))
			if a.Assigned() {
				fmt.Printf("  working on:     task %d / %s\n", *a.CurrentTaskID, *a.CurrentSubtask)
			}
			return nil
		},
	}
}
