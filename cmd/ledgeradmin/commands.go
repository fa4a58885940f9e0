package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"genledger/internal/domain"
	"genledger/internal/middleware"
)

type backend struct {
	ledger    domain.Ledger
	jobs      domain.JobRepository
	jwtSecret string
}

// opener connects to the store on first use so --help works offline.
type opener func(ctx context.Context) (*backend, func(), error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgeradmin",
		Short:         "Operator tool for credit balances and generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		balanceCmd(open),
		grantCmd(open),
		historyCmd(open),
		jobCmd(open),
		tokenCmd(open),
	)
	return root
}

func withBackend(open opener, fn func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		b, closeFn, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(cmd, b, args)
	}
}

func printer() *message.Printer {
	return message.NewPrinter(language.English)
}

func balanceCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>",
		Short: "Show the credit balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(open, func(cmd *cobra.Command, b *backend, args []string) error {
			balance, err := b.ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("balance: %w", err)
			}
			printer().Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		}),
	}
}

func grantCmd(open opener) *cobra.Command {
	var reason, key string
	cmd := &cobra.Command{
		Use:   "grant <account> <amount>",
		Short: "Add credits to an account as an operator adjustment",
		Args:  cobra.ExactArgs(2),
		RunE: withBackend(open, func(cmd *cobra.Command, b *backend, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			tx, err := b.ledger.Grant(cmd.Context(), domain.GrantRequest{
				AccountID:      args[0],
				Amount:         amount,
				Kind:           domain.TxAdjustment,
				Reason:         strings.TrimSpace(reason),
				IdempotencyKey: strings.TrimSpace(key),
			})
			if err != nil {
				return fmt.Errorf("grant: %w", err)
			}
			printer().Fprintf(cmd.OutOrStdout(), "granted %d credits to %s (transaction %s)\n", tx.Amount, tx.AccountID, tx.ID)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the transaction")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Idempotency key; a repeated key is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func historyCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account>",
		Short: "List the most recent ledger entries of an account",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(open, func(cmd *cobra.Command, b *backend, args []string) error {
			txs, err := b.ledger.Transactions(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			p := printer()
			out := cmd.OutOrStdout()
			for _, tx := range txs {
				p.Fprintf(out, "%s  %-18s %+8d  %s", tx.CreatedAt.UTC().Format(time.RFC3339), tx.Kind, tx.Amount, tx.Reason)
				if tx.RelatedJobID != "" {
					p.Fprintf(out, " (job %s)", tx.RelatedJobID)
				}
				fmt.Fprintln(out)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of entries to show")
	return cmd
}

type jobOutput struct {
	ID             string   `json:"id"`
	OwnerID        string   `json:"owner_id"`
	Kind           string   `json:"kind"`
	State          string   `json:"state"`
	RequestedCount int      `json:"requested_count"`
	ProviderRefs   []string `json:"provider_refs"`
	Outputs        []string `json:"outputs,omitempty"`
	Error          string   `json:"error,omitempty"`
	CreditsCharged int64    `json:"credits_charged"`
	IdleCycles     int      `json:"idle_cycles"`
	Archived       bool     `json:"archived"`
}

func jobCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a generation job as stored",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(open, func(cmd *cobra.Command, b *backend, args []string) error {
			job, err := b.jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job: %w", err)
			}
			pretty, err := json.MarshalIndent(jobOutput{
				ID:             job.ID,
				OwnerID:        job.OwnerID,
				Kind:           string(job.Kind),
				State:          string(job.State),
				RequestedCount: job.RequestedCount,
				ProviderRefs:   domain.EncodeProviderRefs(job.ProviderRefs),
				Outputs:        job.Outputs,
				Error:          job.ErrorReason,
				CreditsCharged: job.CreditsCharged,
				IdleCycles:     job.IdleCycles,
				Archived:       job.Archived(),
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("error formatting job: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
			return nil
		}),
	}
}

func tokenCmd(open opener) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Sign a bearer token for an account, for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(open, func(cmd *cobra.Command, b *backend, args []string) error {
			if b.jwtSecret == "" {
				return fmt.Errorf("token: JWT_SECRET is not configured")
			}
			token, err := middleware.SignJWT(b.jwtSecret, middleware.TokenClaims{
				Sub: args[0],
				Exp: time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
