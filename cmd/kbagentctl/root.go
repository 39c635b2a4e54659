package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbagent/core/pkg/config"
	"github.com/kbagent/core/pkg/store"
)

var (
	flagConfigPath string
	flagEnvFile    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kbagentctl",
		Short:         "Administrative CLI for the kbagent core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file (optional)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", envOrDefault("ENV_FILE", ".env"), "path to a .env file (optional)")

	root.AddCommand(
		newSubmitTaskCmd(),
		newListActiveTasksCmd(),
		newListStaleTasksCmd(),
		newCancelTaskCmd(),
		newRevokeAllCmd(),
		newResetAgentStateCmd(),
		newStatsCmd(),
		newCacheAuditCmd(),
	)
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connectStore loads configuration the same way cmd/kbagentd does and
// opens a short-lived connection pool for a single CLI invocation. The
// caller must call Close() on the returned store when done.
func connectStore(ctx context.Context) (*store.Postgres, config.Config, error) {
	cfg, err := config.Load(flagConfigPath, flagEnvFile)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading configuration: %w", err)
	}

	st, err := store.NewPostgres(ctx, store.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		MaxConns: 4, MinConns: 1, MaxConnLifetime: time.Hour, MaxConnIdleTime: 10 * time.Minute,
	})
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("connecting to database: %w", err)
	}
	return st, cfg, nil
}
