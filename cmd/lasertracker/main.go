package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/lasertracker/internal/httpapi"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/realtime"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	operatorUserID      = "cli:operator"
	operatorDisplayName = "lasertracker cli"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lasertracker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	rootCmd := &cobra.Command{
		Use:           "lasertracker",
		Short:         "Laser-cutter time ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagStore, storeSQL, "backing store: sql, postgres or firestore")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "sqlite path, sqlite:// URL, or postgres:// URL")
	flags.String(flagFirestoreProject, "", "Google Cloud project of the firestore store")
	flags.String(flagRedisURL, "", "redis URL for the shared change feed and rebuild lock (optional)")
	flags.Duration(flagReplayQuietWindow, ledger.DefaultReplayQuietWindow, "idle time that ends a totals replay")

	rootCmd.AddCommand(newServeCommand(cfg), newRebuildTotalsCommand(cfg), newAdminCommand(cfg))
	return rootCmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request store timeout (e.g. 5s)")
	cmd.Flags().Int(flagLedgerPageSize, ledger.DefaultRecentEntriesLimit, "entries returned by the ledger view")
	cmd.Flags().String(flagFundraisingGoal, "$25000", "goal the paid total is measured against")

	return cmd
}

func newRebuildTotalsCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-totals",
		Short: "Recompute the running totals from the full ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, cfg, func(ctx context.Context, rt *runtime) error {
				totals, err := rt.service.RebuildTotals(ctx, operatorIdentity())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "paid %s, time %s\n", ledger.FormatCurrency(totals.Paid), ledger.FormatDuration(totals.Time))
				return nil
			})
		},
	}
}

func newAdminCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the administrator directory",
	}
	cmd.AddCommand(newAdminToggleCommand(cfg, "grant", "Grant the administrator role to a user id", true))
	cmd.AddCommand(newAdminToggleCommand(cfg, "revoke", "Revoke the administrator role from a user id", false))
	return cmd
}

func newAdminToggleCommand(cfg *runtimeConfig, use string, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, rt *runtime) error {
				if err := rt.store.SetAdmin(ctx, userID, enabled); err != nil {
					return err
				}
				rt.logger.Info("admin directory updated", zap.String("user_id", userID.String()), zap.Bool("admin", enabled))
				fmt.Fprintf(cmd.OutOrStdout(), "%s admin=%t\n", userID, enabled)
				return nil
			})
		},
	}
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	return withRuntime(ctx, cfg, func(ctx context.Context, rt *runtime) error {
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return httpapi.Run(groupCtx, cfg.HTTP, httpapi.Dependencies{
				Service:  rt.service,
				Sessions: rt.sessions,
				Hub:      rt.hub,
				Logger:   rt.logger,
			})
		})
		if rt.redisClient != nil {
			group.Go(func() error {
				return realtime.Relay(groupCtx, rt.redisClient, realtime.DefaultChannel, rt.hub, rt.logger)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// withRuntime builds the logger and runtime, runs fn, and tears both down.
func withRuntime(ctx context.Context, cfg *runtimeConfig, fn func(ctx context.Context, rt *runtime) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// operatorIdentity is the identity of whoever holds the database credentials
// and runs the CLI. It is trusted as an administrator.
func operatorIdentity() ledger.Identity {
	userID, _ := ledger.NewUserID(operatorUserID)
	return ledger.Identity{UserID: userID, DisplayName: operatorDisplayName, IsAdmin: true}
}
