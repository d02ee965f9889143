package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"payment-orchestration-engine/internal/adapters/storage/postgres"
	"payment-orchestration-engine/internal/app"
	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
	"payment-orchestration-engine/internal/observability"
)

// admin carries what every subcommand needs.
type admin struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func main() {
	a := &admin{}

	rootCmd := &cobra.Command{
		Use:          "payment-admin",
		Short:        "Operate the payment orchestration engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = observability.SetupLogger(cfg.App.Env, cfg.App.LogLevel)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "configs/config.yml", "Path to the service configuration")

	rootCmd.AddCommand(
		a.migrateCmd(),
		a.paymentCmd(),
		a.sagaCmd(),
		a.reviewCmd(),
		a.dlqCmd(),
		a.fraudReportsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *admin) pool(ctx context.Context) (*pgxpool.Pool, error) {
	return postgres.NewPool(ctx, a.cfg.Postgres.DSN, 2)
}

// paymentService reads payments straight from the event store. Snapshots are
// read but never written from here.
func (a *admin) paymentService(pool *pgxpool.Pool) *app.PaymentService {
	store := eventsourcing.NewStore(
		postgres.NewEventLog(pool),
		domain.NewEventRegistry(),
		eventsourcing.WithSnapshots(readOnlySnapshots{postgres.NewSnapshotStore(pool)}, a.cfg.Saga.SnapshotEvery),
		eventsourcing.WithLogger(a.logger),
	)
	return app.NewPaymentService(store, a.logger, nil)
}

type readOnlySnapshots struct {
	eventsourcing.SnapshotStore
}

func (readOnlySnapshots) SaveSnapshot(context.Context, eventsourcing.Snapshot) error { return nil }

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}
