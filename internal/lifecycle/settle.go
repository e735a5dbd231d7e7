package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/metrics"
	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/settlement"
	"github.com/atmx/spread-market/internal/store"
)

// SetSettlementPrice records the admin's outcome price on a CLOSED market.
// The price is rounded to two places and any earlier preview is discarded.
func (c *Controller) SetSettlementPrice(ctx context.Context, actorID, marketID string, price decimal.Decimal) (*model.Market, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("settlement_price", err)
	}
	m, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		if m.Status != model.StatusClosed || m.SettlementPrice != nil {
			return fmt.Errorf("%w: settlement price can only be set once on a CLOSED market",
				model.ErrInvalidMarketState)
		}
		p, err := settlement.NormalizePrice(price)
		if err != nil {
			return err
		}
		m.SettlementPrice = &p
		m.SettlementPreviewCalculated = false
		m.SettlementConfirmed = false
		m.UpdatedAt = now
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, c.reject("settlement_price", err)
	}
	c.log.Info("settlement price set", "market_id", marketID, "by", actorID, "price", m.SettlementPrice.StringFixed(2))
	c.committed(m, c.clock.Now(), PriceSet)
	return m, nil
}

// PreviewSettlement computes the settlement report without moving any
// money, and marks the market as previewed.
func (c *Controller) PreviewSettlement(ctx context.Context, actorID, marketID string) (*settlement.Report, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("preview", err)
	}
	var report *settlement.Report
	_, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		trades, err := tx.Trades(ctx)
		if err != nil {
			return err
		}
		if report, err = settlement.Preview(m, trades, now); err != nil {
			return err
		}
		if m.SettlementPreviewCalculated {
			return nil
		}
		m.SettlementPreviewCalculated = true
		m.UpdatedAt = now
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, c.reject("preview", err)
	}
	c.log.Info("settlement previewed", "market_id", marketID, "trades", report.TradeCount,
		"maker_impact", report.MakerImpact.StringFixed(2))
	return report, nil
}

// ExecuteSettlement settles every trade and moves balances in one
// transaction. It needs a prior preview and explicit confirmation. The
// report is recomputed from live trades, not taken from the preview.
func (c *Controller) ExecuteSettlement(ctx context.Context, actorID, marketID string, confirmed bool) (*settlement.Report, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("execute", err)
	}
	var report *settlement.Report
	m, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		switch {
		case m.Status == model.StatusSettled:
			return fmt.Errorf("%w: market %s", model.ErrAlreadySettled, m.ID)
		case !m.SettlementPreviewCalculated:
			return fmt.Errorf("%w: preview the settlement before executing it", model.ErrPreviewRequired)
		case !confirmed:
			return fmt.Errorf("%w: settlement must be explicitly confirmed", model.ErrConfirmationRequired)
		}

		trades, err := tx.Trades(ctx)
		if err != nil {
			return err
		}
		if report, err = settlement.Preview(m, trades, now); err != nil {
			return err
		}
		if err := settlement.Apply(report, trades, now); err != nil {
			return err
		}
		for _, t := range trades {
			if err := tx.SaveTrade(ctx, t); err != nil {
				return err
			}
		}
		for _, l := range report.Lines {
			if l.SettlementAmount.IsZero() {
				continue
			}
			if _, err := tx.ApplyDelta(ctx, model.BalanceEntry{
				UserID: l.Trader, MarketID: m.ID, Amount: l.SettlementAmount,
				Reason: model.ReasonSettlement, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if !report.MakerImpact.IsZero() {
			if _, err := tx.ApplyDelta(ctx, model.BalanceEntry{
				UserID: report.MarketMaker, MarketID: m.ID, Amount: report.MakerImpact,
				Reason: model.ReasonMakerSettlement, CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		settledAt := now
		m.Status = model.StatusSettled
		m.SettlementConfirmed = true
		m.SettledAt = &settledAt
		m.UpdatedAt = now
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, c.reject("execute", err)
	}

	payout, _ := report.TotalPayout.Float64()
	metrics.SettlementPayout.Observe(payout)
	c.log.Info("market settled", "market_id", marketID, "by", actorID, "trades", report.TradeCount,
		"total_payout", report.TotalPayout.StringFixed(2), "maker_impact", report.MakerImpact.StringFixed(2))
	c.committed(m, report.ComputedAt, Settled)
	c.archive(ctx, report)
	return report, nil
}

// archive uploads an executed report. Failure is logged; the settlement
// itself has already committed.
func (c *Controller) archive(ctx context.Context, r *settlement.Report) {
	if c.archiver == nil {
		return
	}
	loc, err := c.archiver.Archive(ctx, r)
	if err != nil {
		metrics.ArchiveFailures.Inc()
		c.log.Error("settlement archive failed", "market_id", r.MarketID, "err", err)
		return
	}
	c.log.Info("settlement archived", "market_id", r.MarketID, "location", loc)
}
