package cli

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/spread-market/internal/app"
)

func (r *runner) settlementCommands() []*cobra.Command {
	closeCmd := &cobra.Command{
		Use:   "close <market-id>",
		Short: "Close trading on an OPEN market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.requireActor(); err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Ctl.CloseTrading(ctx, r.actor, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Market %s is %s.\n", m.ID, m.Status)
				return nil
			})
		},
	}

	priceCmd := &cobra.Command{
		Use:   "price <market-id> <price>",
		Short: "Record the settlement price of a CLOSED market",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.requireActor(); err != nil {
				return err
			}
			price, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", args[1], err)
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Ctl.SetSettlementPrice(ctx, r.actor, args[0], price)
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Settlement price for %s set to %s.\n", m.ID, m.SettlementPrice.StringFixed(2))
				return nil
			})
		},
	}

	previewCmd := &cobra.Command{
		Use:   "preview <market-id>",
		Short: "Compute the settlement report without moving money",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.requireActor(); err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Ctl.PreviewSettlement(ctx, r.actor, args[0])
				if err != nil {
					return err
				}
				return r.printJSON(report)
			})
		},
	}

	var confirm bool
	settleCmd := &cobra.Command{
		Use:   "settle <market-id>",
		Short: "Execute a previewed settlement",
		Long:  `Pays out every trade and the market maker. Requires a prior preview and --confirm.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.requireActor(); err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Ctl.ExecuteSettlement(ctx, r.actor, args[0], confirm)
				if err != nil {
					return err
				}
				return r.printJSON(report)
			})
		},
	}
	settleCmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the settlement")

	return []*cobra.Command{closeCmd, priceCmd, previewCmd, settleCmd}
}
