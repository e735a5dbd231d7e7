package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/spread-market/internal/app"
	"github.com/atmx/spread-market/internal/model"
)

func (r *runner) marketsCommand() *cobra.Command {
	var (
		status string
		active bool
	)
	cmd := &cobra.Command{
		Use:   "markets",
		Short: "List markets with their current phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := model.MarketFilter{Status: model.Status(status), ActiveOnly: active}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				markets, err := a.Ctl.ListMarkets(ctx, f)
				if err != nil {
					return err
				}
				if len(markets) == 0 {
					fmt.Fprintln(r.out, "No markets found.")
					return nil
				}
				w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tSPREAD\tTRADE CLOSE\tPREMISE")
				for _, m := range markets {
					spread := "-"
					if m.Activated() {
						spread = fmt.Sprintf("%d-%d", *m.FinalLow, *m.FinalHigh)
					}
					premise := m.Premise
					if len(premise) > 40 {
						premise = premise[:37] + "..."
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.ID, m.Status, a.Ctl.Describe(m), spread, m.TradeClose.Format(time.RFC3339), premise)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (CREATED, OPEN, CLOSED, SETTLED)")
	cmd.Flags().BoolVar(&active, "active", false, "Only markets open for trading")
	return cmd
}
