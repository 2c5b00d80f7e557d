package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/ice/internal/cmd/client"
	serverrun "github.com/rzbill/ice/internal/cmd/server"
	cfgpkg "github.com/rzbill/ice/internal/config"
	logpkg "github.com/rzbill/ice/pkg/log"
)

func main() {
	// Respect ICE_LOG_LEVEL for CLI output
	level := os.Getenv("ICE_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	rootCmd := clientcmd.NewRoot()
	rootCmd.Short = "Ice delayed job queue"
	rootCmd.Long = "Ice is a delayed job queue. This CLI runs the server and talks to it over gRPC."
	rootCmd.SilenceUsage = true

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverCmd.AddCommand(newServerStartCommand(logger))
	rootCmd.AddCommand(serverCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		cancel()
		os.Exit(1)
	}
}

func newServerStartCommand(logger logpkg.Logger) *cobra.Command {
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the Ice server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := serverrun.Run(cmd.Context(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Debug("server exited")
			return nil
		},
	}
	f := startCmd.Flags()
	f.String("config", os.Getenv("ICE_CONFIG"), "Config file (.json, .yaml or .yml)")
	f.String("backend", "", "Storage backend: pebble|redis|postgres")
	f.String("data-dir", "", "Data directory for the pebble backend (OS-specific default if empty)")
	f.String("grpc", "", "gRPC listen address")
	f.String("http", "", "HTTP listen address")
	f.String("fsync", "", "Fsync mode for pebble: always|interval|never")
	f.Int("fsync-interval-ms", 0, "When --fsync=interval, group-commit window in ms")
	f.String("redis-addr", "", "Redis address for the redis backend")
	f.String("postgres-dsn", "", "Postgres DSN for the postgres backend")
	f.StringSlice("topic", nil, "Known topics reported by stats (repeat)")
	f.String("dead-letter-topic", "", "Topic that receives jobs with no retries left")
	f.Bool("no-scheduler", false, "Do not run the scheduler in this process")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	return startCmd
}

// loadConfig layers defaults, the config file, ICE_* variables and flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfg, err
	}

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("backend", &cfg.Backend)
	str("data-dir", &cfg.DataDir)
	str("grpc", &cfg.Server.GRPCAddr)
	str("http", &cfg.Server.HTTPAddr)
	str("fsync", &cfg.Fsync)
	str("redis-addr", &cfg.Redis.Addr)
	str("postgres-dsn", &cfg.Postgres.DSN)
	str("dead-letter-topic", &cfg.Queue.DeadLetterTopic)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	if f.Changed("fsync-interval-ms") {
		cfg.FsyncIntervalMs, _ = f.GetInt("fsync-interval-ms")
	}
	if f.Changed("topic") {
		cfg.Queue.Topics, _ = f.GetStringSlice("topic")
	}
	if f.Changed("no-scheduler") {
		off, _ := f.GetBool("no-scheduler")
		cfg.Scheduler.Enabled = !off
	}
	return cfg, nil
}
