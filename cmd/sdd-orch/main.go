package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/config"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "sdd-orch",
		Short: "SDD Orchestrator - supervises AI CLI agents working through spec phases",
		Long: `SDD Orchestrator spawns Claude Code and Gemini CLI agents for the phases of a
spec, records their structured output, stops them on request or timeout,
resumes sessions that ran out of turns, and picks running agents back up
after a restart.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// newLogger builds the process-wide text logger on stderr
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	name := cfg.General.LogLevel
	if logLevel != "" {
		name = logLevel
	}
	var level slog.Level
	if name != "" {
		if err := level.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", name, err)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
