package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/pricing"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.pg.Migrate(ctx)
			})
		},
	}
}

func windowFlag(cmd *cobra.Command, def float64) {
	cmd.Flags().Float64("window-hours", def, "Look-back window in hours")
}

func windowOf(cmd *cobra.Command) (time.Duration, error) {
	hours, _ := cmd.Flags().GetFloat64("window-hours")
	if hours < 0 {
		return 0, fmt.Errorf("window-hours must not be negative, got %v", hours)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// calibrateCmd creates the calibration command group
func calibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Credit rate auto-calibration",
		Long:  "Propose or apply a new credit value from recent billable usage",
	}

	proposeCmd := &cobra.Command{
		Use:   "propose",
		Short: "Show the calibration proposal without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := windowOf(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				prop, err := a.calibration.Propose(ctx, window)
				if err != nil {
					return err
				}
				printJSON(prop)
				return nil
			})
		},
	}
	windowFlag(proposeCmd, 0)

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Rotate the credit rate to the proposed value",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := windowOf(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				prop, rate, err := a.calibration.Apply(ctx, window)
				if errors.Is(err, calibration.ErrInsufficientData) {
					printJSON(prop)
					return err
				}
				if err != nil {
					return err
				}
				printJSON(map[string]any{"proposal": prop, "ct_rate": rate})
				return nil
			})
		},
	}
	windowFlag(applyCmd, 0)

	cmd.AddCommand(proposeCmd, applyCmd)
	return cmd
}

// pricingCmd creates the pricing catalog command group
func pricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Pricing catalog maintenance",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Guess prices for models seen in traffic that have none",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := windowOf(cmd)
			if err != nil {
				return err
			}
			backfill, _ := cmd.Flags().GetBool("backfill")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				seed, err := a.seeder.SeedFromUsage(ctx, window)
				if err != nil {
					return err
				}
				out := map[string]any{"pricing_seed": seed}
				if backfill {
					fill, err := a.ledger.Backfill(ctx, window)
					if err != nil {
						return err
					}
					out["backfill"] = fill
				}
				printJSON(out)
				return nil
			})
		},
	}
	windowFlag(seedCmd, 24)
	seedCmd.Flags().Bool("backfill", false, "Recompute unpriced rows of the window afterwards")

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new catalog version for a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			region, _ := cmd.Flags().GetString("region")
			in, _ := cmd.Flags().GetFloat64("input-per-1k")
			out, _ := cmd.Flags().GetFloat64("output-per-1k")
			tool, _ := cmd.Flags().GetFloat64("tool-call")
			connector, _ := cmd.Flags().GetFloat64("connector-call")
			from, _ := cmd.Flags().GetString("effective-from")

			key := pricing.ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
			e := pricing.Entry{
				Provider:         key.Provider,
				Model:            key.Model,
				Region:           key.Region,
				InputPer1KUSD:    in,
				OutputPer1KUSD:   out,
				ToolCallUSD:      tool,
				ConnectorCallUSD: connector,
				Active:           true,
				Source:           pricing.SourceManual,
			}
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid effective-from: %w", err)
				}
				e.EffectiveFrom = t.UTC()
			}
			if (pricing.Price{InputPer1KUSD: in, OutputPer1KUSD: out, ToolCallUSD: tool, ConnectorCallUSD: connector}).IsZero() {
				return errors.New("refusing to publish an all-zero price")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				published, err := a.store.PublishPrice(ctx, e)
				if err != nil {
					return err
				}
				printJSON(published)
				return nil
			})
		},
	}
	publishCmd.Flags().String("provider", "", "Provider (required)")
	publishCmd.Flags().String("model", "", "Model (required)")
	publishCmd.Flags().String("region", pricing.UnknownRegion, "Region")
	publishCmd.Flags().Float64("input-per-1k", 0, "USD per 1K input tokens")
	publishCmd.Flags().Float64("output-per-1k", 0, "USD per 1K output tokens")
	publishCmd.Flags().Float64("tool-call", 0, "USD per tool call")
	publishCmd.Flags().Float64("connector-call", 0, "USD per connector call")
	publishCmd.Flags().String("effective-from", "", "RFC3339 start (default now)")
	_ = publishCmd.MarkFlagRequired("provider")
	_ = publishCmd.MarkFlagRequired("model")

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Publish the built-in price table for models not yet priced",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.seeder.Bootstrap(ctx)
				if err != nil {
					return err
				}
				printJSON(map[string]any{"inserted": n})
				return nil
			})
		},
	}

	cmd.AddCommand(seedCmd, publishCmd, bootstrapCmd)
	return cmd
}

func ratesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Credit rate history",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List credit rate versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rates, err := a.store.ListRates(ctx, limit)
				if err != nil {
					return err
				}
				printJSON(rates)
				return nil
			})
		},
	}
	listCmd.Flags().Int("limit", 20, "Maximum versions to show")
	cmd.AddCommand(listCmd)
	return cmd
}

func clientIDFlag(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("client-id") {
		return nil
	}
	id, _ := cmd.Flags().GetInt64("client-id")
	return &id
}

// balanceCmd creates the balance command group
func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
		Long:  "Inspect a user's credit balance or credit it",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show a user's balance and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user-id")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				snap, err := a.wallet.Snapshot(ctx, userID, clientIDFlag(cmd))
				if err != nil {
					return fmt.Errorf("failed to get balance: %w", err)
				}
				printJSON(snap)
				return nil
			})
		},
	}
	getCmd.Flags().Int64("user-id", 0, "User ID (required)")
	getCmd.Flags().Int64("client-id", 0, "Client ID")
	_ = getCmd.MarkFlagRequired("user-id")

	topupCmd := &cobra.Command{
		Use:   "topup",
		Short: "Credit a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user-id")
			amount, _ := cmd.Flags().GetInt64("amount")
			description, _ := cmd.Flags().GetString("description")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.wallet.Topup(ctx, wallet.TopupRequest{
					UserID:      userID,
					ClientID:    clientIDFlag(cmd),
					Amount:      amount,
					Description: description,
				})
				if err != nil {
					return fmt.Errorf("failed to top up: %w", err)
				}
				printJSON(res)
				return nil
			})
		},
	}
	topupCmd.Flags().Int64("user-id", 0, "User ID (required)")
	topupCmd.Flags().Int64("client-id", 0, "Client ID")
	topupCmd.Flags().Int64("amount", 0, "Credits to add (required)")
	topupCmd.Flags().String("description", "Manual top-up", "Description")
	_ = topupCmd.MarkFlagRequired("user-id")
	_ = topupCmd.MarkFlagRequired("amount")

	cmd.AddCommand(getCmd, topupCmd)
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Per-user economy settings",
	}
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show a user's effective economy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user-id")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.settings.Economy(ctx, userID)
				if err != nil {
					return err
				}
				printJSON(map[string]any{"user_id": userID, "economy": st})
				return nil
			})
		},
	}
	getCmd.Flags().Int64("user-id", 0, "User ID (required)")
	_ = getCmd.MarkFlagRequired("user-id")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a user's economy settings to the free preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user-id")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.settings.Reset(ctx, userID)
				if err != nil {
					return err
				}
				printJSON(map[string]any{"user_id": userID, "economy": st})
				return nil
			})
		},
	}
	resetCmd.Flags().Int64("user-id", 0, "User ID (required)")
	_ = resetCmd.MarkFlagRequired("user-id")

	cmd.AddCommand(getCmd, resetCmd)
	return cmd
}
