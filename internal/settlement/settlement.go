// Package settlement computes trade P&L against an admin-supplied outcome
// price.
//
// Settlement is two-phase. A preview is a pure dry run over the current
// trades; execution recomputes the same report from live data and the
// caller applies it atomically. The market maker is the counterparty to
// every trade, so its impact is always exactly the negated sum of trader
// P&L.
//
// All amounts are rounded to two decimal places with decimal.Round, which
// rounds halves away from zero (ROUND_HALF_UP in decimal-library terms).
package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
)

// Scale is the number of decimal places for settlement amounts.
const Scale int32 = 2

var (
	// MinPrice and MaxPrice bound an admin settlement price.
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.RequireFromString("999999.99")
)

// NormalizePrice range-checks a settlement price and rounds it to Scale.
func NormalizePrice(p decimal.Decimal) (decimal.Decimal, error) {
	if p.LessThan(MinPrice) || p.GreaterThan(MaxPrice) {
		return decimal.Zero, fmt.Errorf("%w: settlement price must be between %s and %s, got %s",
			model.ErrOutOfRange, MinPrice.StringFixed(Scale), MaxPrice.StringFixed(Scale), p)
	}
	return p.Round(Scale), nil
}

// Line is one trade's settlement outcome.
type Line struct {
	TradeID          string          `json:"trade_id"`
	Trader           string          `json:"trader"`
	Position         model.Position  `json:"position"`
	Price            decimal.Decimal `json:"price"`
	Quantity         int64           `json:"quantity"`
	PnLPerUnit       decimal.Decimal `json:"pnl_per_unit"`
	ProfitLoss       decimal.Decimal `json:"profit_loss"`
	Cost             decimal.Decimal `json:"cost"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"` // cost returned + profit_loss
}

// Report is the full settlement computation for one market.
type Report struct {
	MarketID        string          `json:"market_id"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
	MarketMaker     string          `json:"market_maker"`
	Lines           []Line          `json:"lines"`
	TradeCount      int             `json:"trade_count"`
	LongCount       int             `json:"long_count"`
	ShortCount      int             `json:"short_count"`
	TotalTraderPnL  decimal.Decimal `json:"total_trader_pnl"`
	MakerImpact     decimal.Decimal `json:"maker_impact"`
	TotalPayout     decimal.Decimal `json:"total_payout"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// PnLPerUnit is settle-minus-price for LONG and price-minus-settle for
// SHORT, rounded to Scale.
func PnLPerUnit(pos model.Position, price, settle decimal.Decimal) decimal.Decimal {
	if pos == model.Short {
		return price.Sub(settle).Round(Scale)
	}
	return settle.Sub(price).Round(Scale)
}

// Preview computes the report for m over trades without touching either.
func Preview(m *model.Market, trades []*model.Trade, now time.Time) (*Report, error) {
	if !phase.CanSettle(m) {
		if m.Status == model.StatusSettled {
			return nil, fmt.Errorf("%w: market %s", model.ErrAlreadySettled, m.ID)
		}
		return nil, fmt.Errorf("%w: market must be CLOSED with a settlement price, is %s",
			model.ErrInvalidMarketState, m.Status)
	}
	if m.MarketMaker == nil {
		return nil, fmt.Errorf("%w: market %s has no market maker", model.ErrInvalidMarketState, m.ID)
	}

	settle := *m.SettlementPrice
	r := &Report{
		MarketID:        m.ID,
		SettlementPrice: settle,
		MarketMaker:     *m.MarketMaker,
		Lines:           make([]Line, 0, len(trades)),
		TotalTraderPnL:  decimal.Zero,
		TotalPayout:     decimal.Zero,
		ComputedAt:      now,
	}

	for _, t := range trades {
		perUnit := PnLPerUnit(t.Position, t.Price, settle)
		pnl := perUnit.Mul(decimal.NewFromInt(t.Quantity))
		cost := t.Cost()
		line := Line{
			TradeID:          t.ID,
			Trader:           t.Trader,
			Position:         t.Position,
			Price:            t.Price,
			Quantity:         t.Quantity,
			PnLPerUnit:       perUnit,
			ProfitLoss:       pnl,
			Cost:             cost,
			SettlementAmount: cost.Add(pnl),
		}
		r.Lines = append(r.Lines, line)
		r.TotalTraderPnL = r.TotalTraderPnL.Add(pnl)
		r.TotalPayout = r.TotalPayout.Add(line.SettlementAmount)
		if t.Position == model.Long {
			r.LongCount++
		} else {
			r.ShortCount++
		}
	}
	r.TradeCount = len(r.Lines)
	r.MakerImpact = r.TotalTraderPnL.Neg()
	return r, nil
}

// Apply stamps each trade with its line's outcome. Trades absent from the
// report are left untouched and reported as an error.
func Apply(r *Report, trades []*model.Trade, now time.Time) error {
	byID := make(map[string]Line, len(r.Lines))
	for _, l := range r.Lines {
		byID[l.TradeID] = l
	}
	for _, t := range trades {
		l, ok := byID[t.ID]
		if !ok {
			return fmt.Errorf("settlement: trade %s missing from report", t.ID)
		}
		if t.IsSettled {
			return fmt.Errorf("%w: trade %s", model.ErrAlreadySettled, t.ID)
		}
		pnl, amount, at := l.ProfitLoss, l.SettlementAmount, now
		t.ProfitLoss = &pnl
		t.SettlementAmount = &amount
		t.IsSettled = true
		t.SettledAt = &at
		t.UpdatedAt = now
	}
	return nil
}
