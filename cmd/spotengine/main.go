package main

import (
	"SpotEngine/internal/config"
	"SpotEngine/internal/observability"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configFile string

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	"postgres.dsn":            "postgres-dsn",
	"postgres.migrations_dir": "migrations-dir",
	"nats.url":                "nats-url",
	"server.grpc_addr":        "grpc-addr",
	"server.http_addr":        "http-addr",
	"log.level":               "log-level",
	"debug":                   "debug",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "spotengine",
		Short:         "BTC/USD spot exchange core: sequencer, matching and ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	pf.String("postgres-dsn", "", "Postgres connection string")
	pf.String("migrations-dir", "", "directory holding *.up.sql / *.down.sql")
	pf.String("nats-url", "", "NATS server URL")
	pf.String("grpc-addr", "", "gRPC listen address, or target for client commands")
	pf.String("http-addr", "", "HTTP gateway listen address")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.Bool("debug", false, "validate engine invariants after every event")

	root.AddCommand(newRunCmd(), newMigrateCmd(), newStatusCmd(), newSubmitCmd())
	return root
}

// loadConfig resolves config from defaults, file, SPOT_* env and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v, err := config.New(configFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.BindFlags(v, cmd.Flags(), flagKeys); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, component string) zerolog.Logger {
	return observability.NewLoggerTo(os.Stdout, component, observability.ParseLogLevel(cfg.LogLevel))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "spotengine:", err)
		os.Exit(1)
	}
}
