package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/digkill/AIImageBot/internal/models"
	"github.com/digkill/AIImageBot/internal/payment"
)

type Ledger interface {
	Now() time.Time
	GetStats(ctx context.Context) (models.Stats, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	CreditUser(ctx context.Context, userID int64, amount int) (bool, error)
	ActivateSubscription(ctx context.Context, userID int64, durationDays int) (bool, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
}

type Settlement interface {
	Confirm(ctx context.Context, txnID int64) (*models.Transaction, error)
	Fail(ctx context.Context, txnID int64) (*models.Transaction, error)
}

// backend is opened once per invocation, before the subcommand runs.
type backend struct {
	Ledger     Ledger
	Settlement Settlement
	Close      func() error
}

type opener func(ctx context.Context) (*backend, error)

type cli struct {
	open    opener
	backend *backend
	jsonOut bool
}

var errUserNotFound = errors.New("user not found")

// newRootCmd returns the command tree and a cleanup that closes the backend
// if a subcommand opened it.
func newRootCmd(open opener) (*cobra.Command, func() error) {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and reconcile the AI image bot ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			c.backend = b
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show user, subscriber and generation totals",
			Args:  cobra.NoArgs,
			RunE:  c.runStats,
		},
		&cobra.Command{
			Use:   "user <user-id>",
			Short: "Show one account",
			Args:  cobra.ExactArgs(1),
			RunE:  c.runUser,
		},
		&cobra.Command{
			Use:   "credit <user-id> <amount>",
			Short: "Grant generation credits to an account",
			Args:  cobra.ExactArgs(2),
			RunE:  c.runCredit,
		},
		c.subscribeCmd(),
		c.pendingCmd(),
		&cobra.Command{
			Use:   "confirm <transaction-id>",
			Short: "Confirm a pending payment and activate the subscription",
			Args:  cobra.ExactArgs(1),
			RunE:  c.settle(true),
		},
		&cobra.Command{
			Use:   "fail <transaction-id>",
			Short: "Mark a pending payment as failed",
			Args:  cobra.ExactArgs(1),
			RunE:  c.settle(false),
		},
	)
	return root, c.close
}

func (c *cli) close() error {
	if c.backend == nil || c.backend.Close == nil {
		return nil
	}
	err := c.backend.Close()
	c.backend = nil
	return err
}

func (c *cli) subscribeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "subscribe <user-id>",
		Short: "Activate or extend a subscription from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ok, err := c.backend.Ledger.ActivateSubscription(cmd.Context(), id, days)
			if err != nil {
				return err
			}
			if !ok {
				return errUserNotFound
			}
			return c.printUser(cmd, id)
		},
	}
	cmd.Flags().IntVar(&days, "days", payment.DefaultSubscriptionDays, "subscription length in days")
	return cmd
}

func (c *cli) pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List payments waiting for confirmation, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			txns, err := c.backend.Ledger.ListPendingTransactions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if c.jsonOut {
				if txns == nil {
					txns = []models.Transaction{}
				}
				return writeJSON(cmd.OutOrStdout(), txns)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tMETHOD\tAMOUNT\tREFERENCE\tCREATED")
			for _, t := range txns {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s %s\t%s\t%s\n",
					t.ID, t.UserID, t.PaymentMethod, t.Amount.StringFixed(2), t.Currency,
					t.ExternalReference, t.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")
	return cmd
}

func (c *cli) runStats(cmd *cobra.Command, args []string) error {
	stats, err := c.backend.Ledger.GetStats(cmd.Context())
	if err != nil {
		return err
	}
	if c.jsonOut {
		return writeJSON(cmd.OutOrStdout(), stats)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "users:              %d\n", stats.TotalUsers)
	fmt.Fprintf(out, "active subscribers: %d\n", stats.ActiveSubscribers)
	fmt.Fprintf(out, "generations:        %d\n", stats.TotalGenerations)
	return nil
}

func (c *cli) runUser(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return c.printUser(cmd, id)
}

func (c *cli) runCredit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	amount, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	ok, err := c.backend.Ledger.CreditUser(cmd.Context(), id, amount)
	if err != nil {
		return err
	}
	if !ok {
		return errUserNotFound
	}
	return c.printUser(cmd, id)
}

func (c *cli) settle(confirm bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var t *models.Transaction
		if confirm {
			t, err = c.backend.Settlement.Confirm(cmd.Context(), id)
		} else {
			t, err = c.backend.Settlement.Fail(cmd.Context(), id)
		}
		if err != nil {
			return err
		}
		if c.jsonOut {
			return writeJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "transaction %d (%s) is now %s\n", t.ID, t.ExternalReference, t.Status)
		return nil
	}
}

func (c *cli) printUser(cmd *cobra.Command, id int64) error {
	u, err := c.backend.Ledger.GetUser(cmd.Context(), id)
	if err != nil {
		return err
	}
	if u == nil {
		return errUserNotFound
	}
	state := u.SubscriptionState(c.backend.Ledger.Now())
	if c.jsonOut {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"user": u, "subscription": state})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:         %d\n", u.UserID)
	if u.Username != "" {
		fmt.Fprintf(out, "username:     @%s\n", u.Username)
	}
	fmt.Fprintf(out, "credits:      %d\n", u.Credits)
	fmt.Fprintf(out, "subscription: %s", state)
	if u.SubscriptionEndDate != nil {
		fmt.Fprintf(out, " (ends %s)", u.SubscriptionEndDate.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "last active:  %s\n", u.LastActiveAt.Format(time.RFC3339))
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
