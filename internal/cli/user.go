package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/spread-market/internal/account"
	"github.com/atmx/spread-market/internal/app"
)

func (r *runner) userCommand() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and balances",
	}

	var (
		username string
		verified bool
		admin    bool
		balance  string
	)
	addCmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Register a user with an opening balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bal, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", balance, err)
			}
			if username == "" {
				username = args[0]
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				u, err := a.Ctl.Accounts().Register(ctx, account.Registration{
					ID:         args[0],
					Username:   username,
					IsVerified: verified,
					IsAdmin:    admin,
					Balance:    bal,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Created user %s (%s) with balance %s.\n", u.ID, u.Username, u.Balance.StringFixed(2))
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&username, "username", "", "Display name (default: the user ID)")
	addCmd.Flags().BoolVar(&verified, "verified", false, "Mark the user as verified")
	addCmd.Flags().BoolVar(&admin, "admin", false, "Grant admin privileges")
	addCmd.Flags().StringVar(&balance, "balance", "0", "Opening balance")

	showCmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's balance and journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				u, err := a.Ctl.Accounts().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := a.Store.ListBalanceEntries(ctx, u.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "User:     %s (%s)\n", u.ID, u.Username)
				fmt.Fprintf(r.out, "Verified: %v  Admin: %v\n", u.IsVerified, u.IsAdmin)
				fmt.Fprintf(r.out, "Balance:  %s\n\n", u.Balance.StringFixed(2))

				w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tREASON\tMARKET\tAMOUNT\tBALANCE")
				for _, e := range entries {
					market := e.MarketID
					if market == "" {
						market = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.Reason, market, e.Amount.StringFixed(2), e.Balance.StringFixed(2))
				}
				return w.Flush()
			})
		},
	}

	userCmd.AddCommand(addCmd, showCmd)
	return userCmd
}
