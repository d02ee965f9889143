package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	httphandler "payment-orchestration-engine/internal/adapters/http"
)

// Review decisions go through the running service so the saga resumes there.
func (a *admin) reviewCmd() *cobra.Command {
	var apiURL, reviewer string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Resolve payments held for manual review",
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the payment service")
	cmd.PersistentFlags().StringVar(&reviewer, "reviewer", "", "Reviewer name recorded with the decision (required)")

	decide := func(approve bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				return fmt.Errorf("--reviewer is required")
			}
			corr, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")

			token, err := httphandler.IssueToken([]byte(a.cfg.JWT.Secret), reviewer, []string{httphandler.RoleReviewer}, 5*time.Minute)
			if err != nil {
				return err
			}
			status, err := postReview(cmd, apiURL, token, corr, approve, reason)
			if err != nil {
				return err
			}
			fmt.Printf("saga %s is now %s\n", corr, paint(status))
			return nil
		}
	}

	approve := &cobra.Command{
		Use:   "approve <correlation-id>",
		Short: "Release a flagged payment and resume processing",
		Args:  cobra.ExactArgs(1),
		RunE:  decide(true),
	}
	approve.Flags().String("reason", "", "Optional note")

	reject := &cobra.Command{
		Use:   "reject <correlation-id>",
		Short: "Decline a flagged payment",
		Args:  cobra.ExactArgs(1),
		RunE:  decide(false),
	}
	reject.Flags().String("reason", "", "Why the payment is rejected")
	_ = reject.MarkFlagRequired("reason")

	cmd.AddCommand(approve, reject)
	return cmd
}

func postReview(cmd *cobra.Command, apiURL, token string, corr uuid.UUID, approve bool, reason string) (string, error) {
	body, err := json.Marshal(map[string]any{"approve": approve, "reason": reason})
	if err != nil {
		return "", err
	}
	url := strings.TrimSuffix(apiURL, "/") + "/api/v1/sagas/" + corr.String() + "/review"

	ctx, cancel := commandContext(cmd)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		color.Red("review rejected by service: %s", resp.Status)
		return "", fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}

	var saga struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &saga); err != nil {
		return "", err
	}
	return saga.Status, nil
}
