// taskfleet-agent is the worker binary: it installs itself on a machine,
// registers with the controller, and executes dispatched subtasks.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskfleet/taskfleet/pkg/agent"
	"github.com/taskfleet/taskfleet/pkg/version"
)

const configFileName = "agent.yaml"

func defaultInstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskfleet-agent"
	}
	return filepath.Join(home, ".taskfleet-agent")
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "taskfleet-agent",
		Short:         "Taskfleet worker agent",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("server-url", "", "Controller base URL (e.g. http://controller:8080)")
	flags.String("machine-name", "", "Stable agent identity")
	flags.String("install-dir", defaultInstallDir(), "Directory holding the managed binary and config")
	flags.Duration("heartbeat-interval", 30*time.Second, "HTTP heartbeat period")
	flags.Duration("config-update-interval", 10*time.Minute, "Fingerprint refresh period")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"server-url", "machine-name", "install-dir",
		"heartbeat-interval", "config-update-interval", "log-level",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newRunCmd(v),
		newInstallCmd(v),
		newUninstallCmd(v),
		newUpdateCmd(v),
		newInfoCmd(v),
		newStatusCmd(v),
	)
	return root
}

// loadConfig merges the managed config file under the flags and materializes
// the runtime config. Flags win over the file; the file wins over defaults.
func loadConfig(v *viper.Viper) (agent.Config, error) {
	installDir := v.GetString("install-dir")
	v.SetConfigFile(filepath.Join(installDir, configFileName))
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is normal before install.
		if !os.IsNotExist(err) {
			slog.Debug("Could not read managed config file",
				"path", v.ConfigFileUsed(), "error", err)
		}
	}

	cfg := agent.Config{
		ServerURL:            v.GetString("server-url"),
		MachineName:          v.GetString("machine-name"),
		HeartbeatInterval:    v.GetDuration("heartbeat-interval"),
		ConfigUpdateInterval: v.GetDuration("config-update-interval"),
		InstallDir:           installDir,
		LogLevel:             v.GetString("log-level"),
	}
	if err := cfg.Validate(); err != nil {
		return agent.Config{}, err
	}
	return cfg, nil
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
