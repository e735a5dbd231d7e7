package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/spread-market/internal/app"
	"github.com/atmx/spread-market/internal/lifecycle"
)

func (r *runner) sweepCommand() *cobra.Command {
	var (
		dryRun   bool
		marketID string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply due lifecycle transitions",
		Long:  `Activate or delay markets whose bidding window has closed and close markets whose trading window has ended.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				if dryRun {
					return r.dryRun(ctx, a.Ctl, marketID)
				}
				if marketID != "" {
					applied, locked, err := a.Ctl.TryReconcile(ctx, marketID)
					if err != nil {
						return err
					}
					if locked {
						fmt.Fprintf(r.out, "Market %s is locked by another worker, skipped.\n", marketID)
						return nil
					}
					if len(applied) == 0 {
						fmt.Fprintf(r.out, "Market %s is up to date.\n", marketID)
						return nil
					}
					fmt.Fprintf(r.out, "Market %s: %s\n", marketID, joinTransitions(applied))
					return nil
				}
				res, err := a.Ctl.SweepAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Checked %d markets, %d changed, %d failed.\n", res.Checked, res.Changed(), len(res.Failed))
				for id, ts := range res.Transitions {
					fmt.Fprintf(r.out, "  %s: %s\n", id, joinTransitions(ts))
				}
				for id, msg := range res.Failed {
					fmt.Fprintf(r.out, "  %s: FAILED %s\n", id, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would change without writing")
	cmd.Flags().StringVar(&marketID, "market-id", "", "Only consider this market")
	return cmd
}

func (r *runner) dryRun(ctx context.Context, ctl *lifecycle.Controller, marketID string) error {
	plans, err := ctl.DryRun(ctx, marketID)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Fprintln(r.out, "No transitions due.")
		return nil
	}
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MARKET\tFROM\tTO\tTRANSITIONS\tSPREAD\tMAKER")
	for _, p := range plans {
		spread, maker := "-", "-"
		if p.FinalLow != nil && p.FinalHigh != nil {
			spread = fmt.Sprintf("%d-%d", *p.FinalLow, *p.FinalHigh)
		}
		if p.MarketMaker != nil {
			maker = *p.MarketMaker
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.MarketID, p.From, p.To, joinTransitions(p.Transitions), spread, maker)
	}
	return w.Flush()
}

func joinTransitions(ts []lifecycle.Transition) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
