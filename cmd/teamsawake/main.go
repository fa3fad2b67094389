// Command teamsawake keeps a Teams web session alive and records the
// notifications it receives.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"teamsawake/internal/config"
	"teamsawake/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "teamsawake",
	Short: "Keep Microsoft Teams web active and capture its notifications",
	Long: `teamsawake drives a Chromium window signed in to Teams on the web.

Once you sign in it keeps your presence active with periodic synthetic input
and records every notification the page receives. A local HTTP API and
event stream expose the session while it runs.

Run without arguments to launch the browser and the API together.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Workspace, cfg.Logging.ToLogging()); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		logging.Boot("%s starting (workspace=%s, config=%s)", cmd.CommandPath(), cfg.Workspace, resolvedConfigPath())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runAutomation,
}

// resolvedConfigPath is --config, else config.yaml in --workspace, else the
// default location.
func resolvedConfigPath() string {
	switch {
	case configPath != "":
		return configPath
	case workspace != "":
		return filepath.Join(workspace, "config.yaml")
	default:
		return config.DefaultConfigPath()
	}
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		c.Workspace = workspace
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: ~/.teamsawake)")

	rootCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not start the HTTP API")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(browserCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
