package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"payment-orchestration-engine/internal/adapters/storage/postgres"
	"payment-orchestration-engine/internal/core/domain"
)

// paint colours a payment state or saga status for terminal output.
func paint(s string) string {
	switch s {
	case string(domain.StateSettled), string(domain.SagaCompleted):
		return color.GreenString(s)
	// StateFailed and SagaFailed share the name "Failed".
	case string(domain.StateDeclined), string(domain.StateFailed),
		string(domain.SagaTimedOut), string(domain.SagaCancelledDueToFraud):
		return color.RedString(s)
	case string(domain.StateFlagged), string(domain.SagaAwaitingManualReview):
		return color.YellowString(s)
	default:
		return color.CyanString(s)
	}
}

func (a *admin) paymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Inspect payments in the event store",
	}

	show := &cobra.Command{
		Use:   "show <payment-id>",
		Short: "Print the current state of a payment, or its state at --as-of",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParsePaymentID(args[0])
			if err != nil {
				return err
			}
			asOf, _ := cmd.Flags().GetString("as-of")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			pool, err := a.pool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			svc := a.paymentService(pool)

			var payment *domain.Payment
			if asOf != "" {
				t, perr := time.Parse(time.RFC3339Nano, asOf)
				if perr != nil {
					return fmt.Errorf("--as-of must be RFC 3339: %w", perr)
				}
				payment, err = svc.GetAsOf(ctx, id, t)
			} else {
				payment, err = svc.GetByID(ctx, id)
			}
			if err != nil {
				return err
			}

			v := payment.View()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID\t%s\n", v.ID)
			fmt.Fprintf(w, "STATE\t%s\n", paint(string(v.State)))
			fmt.Fprintf(w, "AMOUNT\t%s\n", v.Amount)
			fmt.Fprintf(w, "PAYER\t%s\n", v.PayerAccountID)
			fmt.Fprintf(w, "PAYEE\t%s\n", v.PayeeAccountID)
			fmt.Fprintf(w, "REFERENCE\t%s\n", v.Reference)
			if v.ReservationID != nil {
				fmt.Fprintf(w, "RESERVATION\t%s\n", v.ReservationID)
			}
			if v.FailureReason != "" {
				fmt.Fprintf(w, "FAILURE\t%s\n", v.FailureReason)
			}
			if v.DeclineReason != "" {
				fmt.Fprintf(w, "DECLINE\t%s\n", v.DeclineReason)
			}
			fmt.Fprintf(w, "VERSION\t%d\n", v.Version)
			fmt.Fprintf(w, "UPDATED\t%s\n", v.UpdatedAt.Format(time.RFC3339))
			return w.Flush()
		},
	}
	show.Flags().String("as-of", "", "Rebuild the payment as it was at this RFC 3339 time")

	events := &cobra.Command{
		Use:   "events <payment-id>",
		Short: "List the events of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParsePaymentID(args[0])
			if err != nil {
				return err
			}
			withData, _ := cmd.Flags().GetBool("data")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			pool, err := a.pool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			records, err := a.paymentService(pool).History(ctx, id)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tTYPE\tSCHEMA\tOCCURRED AT")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\tv%d\t%s\n", r.Version, r.EventType, r.SchemaVersion, r.OccurredAt.Format(time.RFC3339Nano))
				if withData {
					fmt.Fprintf(w, "\t%s\t\t\n", string(r.Data))
				}
			}
			return w.Flush()
		},
	}
	events.Flags().Bool("data", false, "Print the event payloads")

	cmd.AddCommand(show, events)
	return cmd
}

func (a *admin) sagaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect payment-processing sagas",
	}

	show := &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Print a saga with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			pool, err := a.pool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			repo := postgres.NewSagaRepository(pool)

			var saga *domain.PaymentProcessingSagaState
			if byPayment, _ := cmd.Flags().GetBool("payment"); byPayment {
				pid, perr := domain.ParsePaymentID(args[0])
				if perr != nil {
					return perr
				}
				saga, err = repo.GetByPaymentID(ctx, pid)
			} else {
				corr, perr := uuid.Parse(args[0])
				if perr != nil {
					return perr
				}
				saga, err = repo.Get(ctx, corr)
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s / %s\n", saga.CorrelationID, paint(string(saga.Status)), saga.CurrentStep)
			if saga.FailureReason != "" {
				fmt.Printf("reason: %s\n", saga.FailureReason)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tEVENT\tPAYLOAD")
			for _, e := range saga.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Name, string(e.Payload))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(saga)
			}
			return nil
		},
	}
	show.Flags().Bool("payment", false, "Treat the argument as a payment id")
	show.Flags().Bool("json", false, "Also print the raw saga document")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sagas with a given status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			pool, err := a.pool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			sagas, err := postgres.NewSagaRepository(pool).ListByStatus(ctx, domain.SagaStatus(status), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CORRELATION ID\tSTEP\tAMOUNT\tSTARTED\tREASON")
			for _, s := range sagas {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n", s.CorrelationID, s.CurrentStep,
					s.Amount.StringFixed(2), s.Currency, s.StartedAt.Format(time.RFC3339), s.FailureReason)
			}
			return w.Flush()
		},
	}
	list.Flags().String("status", string(domain.SagaAwaitingManualReview), "Saga status to list")
	list.Flags().Int("limit", 50, "Maximum number of sagas")

	cmd.AddCommand(show, list)
	return cmd
}
