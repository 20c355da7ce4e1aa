package commands

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snapsend/snapsend/internal/config"
	"github.com/snapsend/snapsend/internal/logger"
	"github.com/snapsend/snapsend/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var (
	flagConfig   string
	flagLogLevel string
	flagNoColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "snapsend",
	Short: "Snapsend - send G-code to Snapmaker printers over the LAN",
	Long: `Snapsend discovers Snapmaker 2 printers on the local network and streams
sliced G-code straight to them, speaking the same wire protocol the
touchscreen's Wi-Fi transfer uses.

Use "snapsend [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor {
			ui.SetNoColor(true)
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: ~/.snapsend/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

// cliLogger keeps interactive commands quiet unless --log-level asks for
// more; spinners and log lines fight over the same terminal otherwise.
func cliLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.Log.Level
	if flagLogLevel == "" {
		level = "error"
	}
	return logger.NewConsole(level)
}

// historyPath resolves the history db location from config and defaults.
func historyPath(cfg *config.Config, paths *config.Paths) string {
	if cfg.History.Path != "" {
		return cfg.History.Path
	}
	return paths.HistoryFile
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("snapsend\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s (%s)\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
