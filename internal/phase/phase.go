// Package phase answers "is phase X active now" for a market. Every
// function is a pure predicate over persisted fields and a caller-supplied
// instant; nothing here reads the wall clock except SystemClock.
package phase

import (
	"time"

	"github.com/atmx/spread-market/internal/model"
)

// Clock supplies the current instant. Injected so tests can pin time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// BiddingActive reports bid_open <= now <= bid_close_trade_open.
func BiddingActive(m *model.Market, now time.Time) bool {
	return !now.Before(m.BidOpen) && !now.After(m.BidCloseTradeOpen)
}

// BiddingClosed reports now > bid_close_trade_open.
func BiddingClosed(m *model.Market, now time.Time) bool {
	return now.After(m.BidCloseTradeOpen)
}

// TradingActive reports bid_close_trade_open <= now <= trade_close on an
// OPEN market.
func TradingActive(m *model.Market, now time.Time) bool {
	return m.Status == model.StatusOpen &&
		!now.Before(m.BidCloseTradeOpen) && !now.After(m.TradeClose)
}

// ShouldAutoClose reports an OPEN market whose trade_close has been reached.
func ShouldAutoClose(m *model.Market, now time.Time) bool {
	return m.Status == model.StatusOpen && !now.Before(m.TradeClose)
}

// CanSettle reports a CLOSED market with a settlement price.
func CanSettle(m *model.Market) bool {
	return m.Status == model.StatusClosed && m.SettlementPrice != nil
}

// CanBeReopened reports a CLOSED market whose settlement price was never set.
func CanBeReopened(m *model.Market) bool {
	return m.Status == model.StatusClosed && m.SettlementPrice == nil
}

// Human-readable phase labels.
const (
	LabelBiddingUpcoming = "Spread Bidding Upcoming"
	LabelBiddingActive   = "Spread Bidding Active"
	LabelBiddingClosed   = "Spread Bidding Closed"
	LabelTradingActive   = "Trading Active"
	LabelTradingClosed   = "Trading Window Closed"
	LabelAwaiting        = "Awaiting Settlement"
	LabelSettled         = "Market Settled"
	LabelUnknown         = "Unknown Phase"
)

// Describe returns the display label for the market's current phase.
func Describe(m *model.Market, now time.Time) string {
	switch m.Status {
	case model.StatusCreated:
		switch {
		case now.Before(m.BidOpen):
			return LabelBiddingUpcoming
		case BiddingActive(m, now):
			return LabelBiddingActive
		default:
			return LabelBiddingClosed
		}
	case model.StatusOpen:
		if TradingActive(m, now) {
			return LabelTradingActive
		}
		return LabelTradingClosed
	case model.StatusClosed:
		return LabelAwaiting
	case model.StatusSettled:
		return LabelSettled
	}
	return LabelUnknown
}
