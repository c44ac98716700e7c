// pqbus is the operator CLI for database-backed event bus queues: schema
// migration, event injection, and queue inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groblegark/pqbus/internal/config"
	"github.com/groblegark/pqbus/internal/store"
	"github.com/groblegark/pqbus/internal/store/postgres"
	"github.com/groblegark/pqbus/internal/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "pqbus",
	Short: "Operate database-backed event bus queues",
	Long: `pqbus inspects and operates the durable event bus queue tables.

Configuration comes from the environment:
  PQBUS_DATABASE_URL  database URL (postgres) or file path (sqlite), required
  PQBUS_DRIVER        "postgres" (default) or "sqlite"
  PQBUS_TABLE_NAME    live queue table (default "bus_events")
  PQBUS_HTTP_ADDR     inspection API listen address (default ":8080")
  PQBUS_CONFIG_FILE   optional TOML file with queue tuning`,
	SilenceUsage: true,
}

// openStore loads config and opens the configured storage backend. The
// caller owns the returned store.
func openStore() (*config.Config, store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	var st store.Store
	switch cfg.Driver {
	case config.DriverSqlite:
		st, err = sqlite.New(cfg.DatabaseURL, cfg.Queue.TableName)
	default:
		st, err = postgres.New(cfg.DatabaseURL, cfg.Queue.TableName)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(readyCmd)
	rootCmd.AddCommand(inProcessingCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
