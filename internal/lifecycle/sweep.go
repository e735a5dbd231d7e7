package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/spread-market/internal/metrics"
	"github.com/atmx/spread-market/internal/model"
)

// SweepResult summarizes one pass over live markets.
type SweepResult struct {
	Checked     int                     `json:"checked"`
	Transitions map[string][]Transition `json:"transitions"`
	Failed      map[string]string       `json:"failed,omitempty"`
}

// Changed is the number of markets that moved.
func (r SweepResult) Changed() int { return len(r.Transitions) }

// SweepAll reconciles every CREATED and OPEN market. A failure on one
// market is logged and recorded; the sweep moves on to the next.
func (c *Controller) SweepAll(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	res := SweepResult{Transitions: make(map[string][]Transition), Failed: make(map[string]string)}
	ids, err := c.liveMarkets(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		applied, err := c.Reconcile(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			metrics.SweepFailures.Inc()
			res.Failed[id] = err.Error()
			c.log.Error("sweep reconcile failed", "market_id", id, "err", err)
			continue
		}
		if len(applied) > 0 {
			res.Transitions[id] = applied
		}
	}
	c.log.Info("sweep complete", "checked", res.Checked, "changed", res.Changed(), "failed", len(res.Failed))
	return res, nil
}

// PlannedTransition is what a sweep would do to one market.
type PlannedTransition struct {
	MarketID    string       `json:"market_id"`
	Premise     string       `json:"premise"`
	From        model.Status `json:"from"`
	To          model.Status `json:"to"`
	Transitions []Transition `json:"transitions"`
	FinalLow    *int         `json:"final_low,omitempty"`
	FinalHigh   *int         `json:"final_high,omitempty"`
	MarketMaker *string      `json:"market_maker,omitempty"`
	TradeClose  time.Time    `json:"trade_close"`
}

// DryRun reports what SweepAll would change without writing anything.
// With marketID set only that market is considered.
func (c *Controller) DryRun(ctx context.Context, marketID string) ([]PlannedTransition, error) {
	var ids []string
	if marketID != "" {
		ids = []string{marketID}
	} else {
		var err error
		if ids, err = c.liveMarkets(ctx); err != nil {
			return nil, err
		}
	}

	now := c.clock.Now()
	var plan []PlannedTransition
	for _, id := range ids {
		m, err := c.store.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		bids, err := c.store.ListBids(ctx, id)
		if err != nil {
			return nil, err
		}
		from := m.Status
		applied := advance(m, bids, now)
		if len(applied) == 0 {
			continue
		}
		plan = append(plan, PlannedTransition{
			MarketID:    m.ID,
			Premise:     m.Premise,
			From:        from,
			To:          m.Status,
			Transitions: applied,
			FinalLow:    m.FinalLow,
			FinalHigh:   m.FinalHigh,
			MarketMaker: m.MarketMaker,
			TradeClose:  m.TradeClose,
		})
	}
	return plan, nil
}

func (c *Controller) liveMarkets(ctx context.Context) ([]string, error) {
	var ids []string
	for _, st := range []model.Status{model.StatusCreated, model.StatusOpen} {
		ms, err := c.store.ListMarkets(ctx, model.MarketFilter{Status: st})
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
