package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"payment-orchestration-engine/internal/adapters/storage/clickhouse"
	"payment-orchestration-engine/internal/core/domain"
)

func (a *admin) fraudReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fraud-reports",
		Short: "List recent fraud verdicts from ClickHouse",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			levels, _ := cmd.Flags().GetStringSlice("level")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			conn, err := clickhouse.Open(ctx, clickhouse.Options{
				Addr:     a.cfg.ClickHouse.Addr,
				Database: a.cfg.ClickHouse.Database,
				Username: a.cfg.ClickHouse.Username,
				Password: a.cfg.ClickHouse.Password,
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			reports, err := clickhouse.NewFraudReportSink(conn).Recent(ctx, limit, levels...)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PAYMENT ID\tRISK\tSCORE\tFACTORS\tCHECKED AT")
			for _, r := range reports {
				risk := r.RiskLevel
				switch risk {
				case domain.RiskBlocked.String():
					risk = color.RedString(risk)
				case domain.RiskHigh.String():
					risk = color.YellowString(risk)
				}
				if r.Fallback {
					risk += " (fallback)"
				}
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n", r.PaymentID, risk, r.Score,
					strings.Join(r.Factors, ","), r.CheckedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Number of reports")
	cmd.Flags().StringSlice("level", nil, "Only these risk levels, e.g. --level High,Blocked")
	return cmd
}
