package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/salesmail/internal/config"
	"github.com/kalambet/salesmail/internal/envfile"
)

var version = "dev"

var (
	logLevel string
	noColor  bool
	addr     string
)

var rootCmd = &cobra.Command{
	Use:           "salesmail",
	Short:         "Draft follow-up sales emails from customer records",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initColor(os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from log.level)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "server address for client commands (default from server.host/server.port)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(companiesCmd, customerCmd, generateCmd, feedbackCmd)
	rootCmd.AddCommand(promptsCmd, samplesCmd, datasetsCmd, evaluateCmd, labelingCmd, linksCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig exports .env.local, loads the layered configuration and
// installs the default logger.
func loadConfig(ctx context.Context) (config.Config, error) {
	if err := envfile.Load(envfile.Path()); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})))
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// clientBaseURL resolves the server address used by the client commands.
func clientBaseURL(cfg config.Config) string {
	a := addr
	if a == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		a = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
		return strings.TrimRight(a, "/")
	}
	return "http://" + a
}
