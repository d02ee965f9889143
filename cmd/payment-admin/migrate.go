package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"payment-orchestration-engine/internal/adapters/storage/postgres"
)

func (a *admin) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the event store schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := postgres.Migrate(a.cfg.Postgres.DSN); err != nil {
				return err
			}
			color.Green("migrations applied")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to drop the event store without --yes")
			}
			if err := postgres.MigrateDown(a.cfg.Postgres.DSN); err != nil {
				return err
			}
			color.Yellow("migrations rolled back")
			return nil
		},
	}
	down.Flags().Bool("yes", false, "Confirm dropping all tables")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, dirty, err := postgres.MigrationVersion(a.cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			if dirty {
				color.Red("version %d (dirty)", v)
				return nil
			}
			fmt.Printf("version %d\n", v)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
