// ctmeter - usage metering and credit engine
//
// One binary serves the HTTP and gRPC surfaces and carries the operator
// commands: migrations, calibration, pricing catalog maintenance and
// balance inspection.
//
// Usage:
//
//	ctmeter serve
//	ctmeter migrate
//	ctmeter calibrate propose --window-hours 48
//	ctmeter pricing seed --window-hours 24 --backfill
//	ctmeter balance get --user-id 42
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kelpejol/ctmeter/internal/config"
	"github.com/kelpejol/ctmeter/internal/logging"
)

var (
	// Version is set during build
	Version = "dev"

	postgresURL string
	redisAddr   string
	verbose     bool
	inMemory    bool

	cfg    *config.Config
	logger zerolog.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ctmeter",
		Short:         "Usage metering and credit engine",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("postgres-url") {
				cfg.Postgres.URL = postgresURL
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			if verbose {
				cfg.App.LogLevel = zerolog.DebugLevel.String()
			}
			logger = logging.New(cfg.App.LogLevel, cfg.App.Environment, cfg.App.Name)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "PostgreSQL connection URL (overrides POSTGRES_URL)")
	root.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the shared user lock (overrides REDIS_ADDR)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(calibrateCmd())
	root.AddCommand(pricingCmd())
	root.AddCommand(ratesCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(settingsCmd())
	return root
}

// withApp opens the stores, runs fn and closes them again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
