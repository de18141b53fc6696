package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskfleet/taskfleet/pkg/agent"
)

const installedBinaryName = "taskfleet-agent"

func newInstallCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the agent binary and config on this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client := agent.NewClient(cfg.ServerURL)
			valid, reason, err := client.ValidateName(ctx, cfg.MachineName)
			if err != nil {
				return fmt.Errorf("could not validate machine name with controller: %w", err)
			}
			if !valid {
				return fmt.Errorf("machine name %q rejected: %s", cfg.MachineName, reason)
			}

			if err := os.MkdirAll(cfg.InstallDir, 0o755); err != nil {
				return fmt.Errorf("failed to create install dir: %w", err)
			}
			if err := copySelf(filepath.Join(cfg.InstallDir, installedBinaryName)); err != nil {
				return err
			}
			if err := writeConfigFile(v, cfg); err != nil {
				return err
			}

			color.Green("Installed taskfleet-agent to %s", cfg.InstallDir)
			fmt.Printf("  name:   %s\n", cfg.MachineName)
			fmt.Printf("  server: %s\n", cfg.ServerURL)
			return nil
		},
	}
}

func newUninstallCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Unregister from the controller and remove the installation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := agent.NewClient(cfg.ServerURL).Unregister(ctx, cfg.MachineName); err != nil {
				color.Yellow("Could not unregister from controller: %v", err)
			} else {
				color.Green("Unregistered %s from controller", cfg.MachineName)
			}

			for _, name := range []string{installedBinaryName, configFileName} {
				path := filepath.Join(cfg.InstallDir, name)
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to remove %s: %w", path, err)
				}
			}
			color.Green("Removed installation from %s", cfg.InstallDir)
			return nil
		},
	}
}

func newUpdateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Replace the installed binary with this executable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			target := filepath.Join(cfg.InstallDir, installedBinaryName)
			if _, err := os.Stat(cfg.InstallDir); err != nil {
				return fmt.Errorf("no installation found in %s (run install first)", cfg.InstallDir)
			}
			if err := copySelf(target); err != nil {
				return err
			}
			color.Green("Updated %s", target)
			return nil
		},
	}
}

// copySelf copies the running executable to target, atomically replacing any
// previous binary so a crashed update never leaves a truncated file.
func copySelf(target string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate running executable: %w", err)
	}
	src, err := os.Open(self)
	if err != nil {
		return fmt.Errorf("failed to open running executable: %w", err)
	}
	defer src.Close()

	tmp := target + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finish copying binary: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install binary: %w", err)
	}
	return nil
}

func writeConfigFile(v *viper.Viper, cfg agent.Config) error {
	out := viper.New()
	out.Set("server-url", cfg.ServerURL)
	out.Set("machine-name", cfg.MachineName)
	out.Set("heartbeat-interval", cfg.HeartbeatInterval.String())
	out.Set("config-update-interval", cfg.ConfigUpdateInterval.String())
	out.Set("log-level", v.GetString("log-level"))

	path := filepath.Join(cfg.InstallDir, configFileName)
	if err := out.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
