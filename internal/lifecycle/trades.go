package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/account"
	"github.com/atmx/spread-market/internal/metrics"
	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
	"github.com/atmx/spread-market/internal/store"
	"github.com/atmx/spread-market/internal/tradebook"
)

// PlaceOrUpdateTrade opens the trader's position on an OPEN market, or
// replaces it in place if one exists. The old cost is refunded and the new
// cost debited in the same transaction as the trade write.
func (c *Controller) PlaceOrUpdateTrade(ctx context.Context, marketID, traderID string,
	pos model.Position, quantity int64) (*model.Trade, error) {

	if err := tradebook.ValidateOrder(pos, quantity); err != nil {
		return nil, c.reject("trade", err)
	}

	var (
		trade    *model.Trade
		replaced bool
	)
	err := c.retry(ctx, func() error {
		_, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
			u, err := tx.User(ctx, traderID)
			if err != nil {
				return fmt.Errorf("%w: unknown trader %s", model.ErrIneligibleTrader, traderID)
			}
			if u, err = account.Resolve(ctx, c.identity, u); err != nil {
				return err
			}
			if err := tradebook.Admit(m, u, now); err != nil {
				return err
			}
			price, err := tradebook.PriceFor(m, pos)
			if err != nil {
				return err
			}
			cost := tradebook.Cost(price, quantity)

			existing, err := tx.TradeFor(ctx, traderID)
			switch {
			case errors.Is(err, model.ErrNotFound):
				existing = nil
			case err != nil:
				return err
			}
			refund := decimal.Zero
			if existing != nil {
				refund = existing.Cost()
			}
			balance, err := tx.Balance(ctx, traderID)
			if err != nil {
				return err
			}
			if !tradebook.Affordable(balance, refund, cost) {
				return fmt.Errorf("%w: need %s, available %s",
					model.ErrInsufficientBalance, cost.StringFixed(2), balance.Add(refund).StringFixed(2))
			}

			if existing != nil {
				if _, err := tx.ApplyDelta(ctx, model.BalanceEntry{
					UserID: traderID, MarketID: m.ID, Amount: refund,
					Reason: model.ReasonTradeRefund, CreatedAt: now,
				}); err != nil {
					return err
				}
				trade = existing
				replaced = true
			} else {
				trade = &model.Trade{
					ID:        uuid.New().String(),
					MarketID:  m.ID,
					Trader:    traderID,
					CreatedAt: now,
				}
				replaced = false
			}
			trade.Position = pos
			trade.Price = price
			trade.Quantity = quantity
			trade.UpdatedAt = now

			if _, err := tx.ApplyDelta(ctx, model.BalanceEntry{
				UserID: traderID, MarketID: m.ID, Amount: cost.Neg(),
				Reason: model.ReasonTradeDebit, CreatedAt: now,
			}); err != nil {
				return err
			}
			return tx.SaveTrade(ctx, trade)
		})
		return err
	})
	if err != nil {
		return nil, c.reject("trade", err)
	}

	action := "placed"
	if replaced {
		action = "replaced"
	}
	metrics.TradesTotal.WithLabelValues(action, string(pos)).Inc()
	c.log.Info("trade "+action, "market_id", marketID, "trader", traderID,
		"position", pos, "price", trade.Price, "quantity", quantity)
	c.events.Publish(Event{Type: "trade_" + action, MarketID: marketID, Status: model.StatusOpen,
		At: trade.UpdatedAt, Detail: trade})
	return trade, nil
}

// CancelTrade removes the trader's position while trading is active and
// credits back its cost.
func (c *Controller) CancelTrade(ctx context.Context, marketID, traderID string) (*model.Trade, error) {
	var removed *model.Trade
	err := c.retry(ctx, func() error {
		_, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
			if !phase.TradingActive(m, now) {
				return fmt.Errorf("%w: trades can only be cancelled while trading is active", model.ErrMarketClosed)
			}
			t, err := tx.TradeFor(ctx, traderID)
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: no trade found for %s on this market", model.ErrNoSuchTrade, traderID)
			}
			if err != nil {
				return err
			}
			if err := tx.DeleteTrade(ctx, t.ID); err != nil {
				return err
			}
			if _, err := tx.ApplyDelta(ctx, model.BalanceEntry{
				UserID: traderID, MarketID: m.ID, Amount: t.Cost(),
				Reason: model.ReasonTradeCancel, CreatedAt: now,
			}); err != nil {
				return err
			}
			removed = t
			return nil
		})
		return err
	})
	if err != nil {
		return nil, c.reject("cancel_trade", err)
	}
	metrics.TradesTotal.WithLabelValues("cancelled", string(removed.Position)).Inc()
	c.log.Info("trade cancelled", "market_id", marketID, "trader", traderID, "refund", removed.Cost())
	c.events.Publish(Event{Type: "trade_cancelled", MarketID: marketID, Status: model.StatusOpen,
		At: c.clock.Now(), Detail: map[string]string{"trade_id": removed.ID, "trader": traderID}})
	return removed, nil
}

// ListTrades returns every trade on a market in creation order.
func (c *Controller) ListTrades(ctx context.Context, marketID string) ([]*model.Trade, error) {
	if _, err := c.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return c.store.ListTrades(ctx, marketID)
}

// GetTrade returns the trader's position on a market.
func (c *Controller) GetTrade(ctx context.Context, marketID, traderID string) (*model.Trade, error) {
	trades, err := c.ListTrades(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for _, t := range trades {
		if t.Trader == traderID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: no trade found for %s on this market", model.ErrNoSuchTrade, traderID)
}
