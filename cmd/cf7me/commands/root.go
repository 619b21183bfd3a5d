package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "cf7me",
	Short: "Confirmation step for contact forms",
	Long:  `Serves site pages and contact forms with a review-before-send confirmation step.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(viper.GetString("log-level"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/site.db", "SQLite database path")
	rootCmd.PersistentFlags().String("session-backend", "sqlite", "Staged submission store: memory, sqlite or redis")
	rootCmd.PersistentFlags().String("session-path", ".artifacts/sessions.db", "SQLite session store path")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address for the redis session store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")

	for _, name := range []string{"sqlite-path", "session-backend", "session-path", "redis-addr", "log-level"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// setupLogger installs the structured text logger at the configured level.
func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
}
