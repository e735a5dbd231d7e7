// Package tradebook holds the admission and pricing rules for trades
// against a market maker's fixed spread.
//
// Prices are never supplied by the caller: a LONG position pays the
// spread's high edge and a SHORT position receives the low edge.
package tradebook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
)

// Rejection reasons returned by CanTrade.
const (
	ReasonNotTrading  = "market is not currently open for trading"
	ReasonUnverified  = "user must be verified to trade"
	ReasonAdmin       = "administrators cannot trade"
	ReasonCreator     = "market creators cannot trade on their own markets"
	ReasonMarketMaker = "market makers cannot trade on their own markets"
)

// CanTrade reports whether user may hold a position on m at now, and if
// not, why.
func CanTrade(m *model.Market, user *model.User, now time.Time) (bool, string) {
	if !phase.TradingActive(m, now) || !m.Activated() {
		return false, ReasonNotTrading
	}
	switch {
	case !user.IsVerified:
		return false, ReasonUnverified
	case user.IsAdmin:
		return false, ReasonAdmin
	case user.ID == m.CreatedBy:
		return false, ReasonCreator
	case m.IsMaker(user.ID):
		return false, ReasonMarketMaker
	}
	return true, ""
}

// Admit runs CanTrade and maps a rejection onto the error taxonomy.
func Admit(m *model.Market, user *model.User, now time.Time) error {
	ok, reason := CanTrade(m, user, now)
	if ok {
		return nil
	}
	if reason == ReasonNotTrading {
		return fmt.Errorf("%w: %s", model.ErrMarketNotTradable, reason)
	}
	return fmt.Errorf("%w: %s", model.ErrIneligibleTrader, reason)
}

// PriceFor returns the spread edge a position trades at.
func PriceFor(m *model.Market, pos model.Position) (decimal.Decimal, error) {
	if !m.Activated() {
		return decimal.Zero, fmt.Errorf("%w: market spread is not set", model.ErrMarketNotTradable)
	}
	switch pos {
	case model.Long:
		return decimal.NewFromInt(int64(*m.FinalHigh)), nil
	case model.Short:
		return decimal.NewFromInt(int64(*m.FinalLow)), nil
	}
	return decimal.Zero, fmt.Errorf("%w: position must be LONG or SHORT", model.ErrValidation)
}

// ValidateOrder checks caller-supplied fields.
func ValidateOrder(pos model.Position, quantity int64) error {
	if !pos.Valid() {
		return fmt.Errorf("%w: position must be LONG or SHORT", model.ErrValidation)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer", model.ErrValidation)
	}
	return nil
}

// Cost is price * quantity, the amount debited from the trader.
func Cost(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

// Affordable reports whether balance plus any refund of an existing
// position covers cost.
func Affordable(balance, refund, cost decimal.Decimal) bool {
	return balance.Add(refund).GreaterThanOrEqual(cost)
}
