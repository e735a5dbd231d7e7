// Package model defines the core domain types shared across the spread market.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a market.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusSettled Status = "SETTLED"
)

// Valid reports whether s is a known market status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusOpen, StatusClosed, StatusSettled:
		return true
	}
	return false
}

// Position is the side a trader takes against the market maker.
type Position string

const (
	Long  Position = "LONG"
	Short Position = "SHORT"
)

// Valid reports whether p is LONG or SHORT.
func (p Position) Valid() bool {
	return p == Long || p == Short
}

// Market is a prediction market whose spread is set by a sealed-bid auction.
//
// Window invariant: BidOpen < BidCloseTradeOpen < TradeClose. Bidding closes
// and trading opens at the same instant.
type Market struct {
	ID            string          `json:"id" db:"id"`
	Premise       string          `json:"premise" db:"premise"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	InitialSpread int             `json:"initial_spread" db:"initial_spread"` // informational only
	CreatedBy     string          `json:"created_by" db:"created_by"`

	BidOpen           time.Time `json:"bid_open" db:"bid_open"`
	BidCloseTradeOpen time.Time `json:"bid_close_trade_open" db:"bid_close_trade_open"`
	TradeClose        time.Time `json:"trade_close" db:"trade_close"`

	// Set once by the auction; nil until activation.
	FinalLow    *int    `json:"final_low" db:"final_low"`
	FinalHigh   *int    `json:"final_high" db:"final_high"`
	MarketMaker *string `json:"market_maker" db:"market_maker"`

	Status Status `json:"status" db:"status"`

	SettlementPrice             *decimal.Decimal `json:"settlement_price" db:"settlement_price"`
	SettlementPreviewCalculated bool             `json:"settlement_preview_calculated" db:"settlement_preview_calculated"`
	SettlementConfirmed         bool             `json:"settlement_confirmed" db:"settlement_confirmed"`
	SettledAt                   *time.Time       `json:"settled_at" db:"settled_at"`

	DelayCount int       `json:"delay_count" db:"delay_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Activated reports whether the auction has fixed the market's spread.
func (m *Market) Activated() bool {
	return m.FinalLow != nil && m.FinalHigh != nil
}

// IsMaker reports whether userID owns the resolved spread.
func (m *Market) IsMaker(userID string) bool {
	return m.MarketMaker != nil && *m.MarketMaker == userID
}

// Clone returns a deep copy so callers can mutate without aliasing
// the stored record.
func (m *Market) Clone() *Market {
	c := *m
	if m.FinalLow != nil {
		v := *m.FinalLow
		c.FinalLow = &v
	}
	if m.FinalHigh != nil {
		v := *m.FinalHigh
		c.FinalHigh = &v
	}
	if m.MarketMaker != nil {
		v := *m.MarketMaker
		c.MarketMaker = &v
	}
	if m.SettlementPrice != nil {
		v := *m.SettlementPrice
		c.SettlementPrice = &v
	}
	if m.SettledAt != nil {
		v := *m.SettledAt
		c.SettledAt = &v
	}
	return &c
}

// SpreadBid is an immutable offer to make the market at [Low, High].
// Bids are never edited; a bidder's newer bid supersedes the older one.
type SpreadBid struct {
	ID       string    `json:"id" db:"id"`
	MarketID string    `json:"market_id" db:"market_id"`
	Bidder   string    `json:"bidder" db:"bidder"`
	Low      int       `json:"low" db:"low"`
	High     int       `json:"high" db:"high"`
	PlacedAt time.Time `json:"placed_at" db:"placed_at"`
}

// Width is High - Low. Lower is tighter and wins the auction.
func (b SpreadBid) Width() int {
	return b.High - b.Low
}

// Trade is a trader's single position on a market. At most one per
// (market, trader); a second placement replaces it in place.
type Trade struct {
	ID       string          `json:"id" db:"id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Trader   string          `json:"trader" db:"trader"`
	Position Position        `json:"position" db:"position"`
	Price    decimal.Decimal `json:"price" db:"price"` // pinned to the spread edge
	Quantity int64           `json:"quantity" db:"quantity"`

	// Written exactly once by settlement.
	SettlementAmount *decimal.Decimal `json:"settlement_amount" db:"settlement_amount"`
	ProfitLoss       *decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	IsSettled        bool             `json:"is_settled" db:"is_settled"`
	SettledAt        *time.Time       `json:"settled_at" db:"settled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Cost is the amount escrowed from the trader's balance: price * quantity.
func (t *Trade) Cost() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Clone returns a deep copy of t.
func (t *Trade) Clone() *Trade {
	c := *t
	if t.SettlementAmount != nil {
		v := *t.SettlementAmount
		c.SettlementAmount = &v
	}
	if t.ProfitLoss != nil {
		v := *t.ProfitLoss
		c.ProfitLoss = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		c.SettledAt = &v
	}
	return &c
}

// User is the slice of the account subsystem the market core reads.
type User struct {
	ID         string          `json:"id" db:"id"`
	Username   string          `json:"username" db:"username"`
	IsVerified bool            `json:"is_verified" db:"is_verified"`
	IsAdmin    bool            `json:"is_admin" db:"is_admin"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// BalanceEntry is an immutable journal record of one balance delta.
// Once created, these are never modified or deleted.
type BalanceEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Reason    string          `json:"reason" db:"reason"`
	Balance   decimal.Decimal `json:"balance" db:"balance"` // balance after applying Amount
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Balance journal reasons.
const (
	ReasonTradeDebit      = "trade_debit"
	ReasonTradeRefund     = "trade_refund"
	ReasonTradeCancel     = "trade_cancel"
	ReasonSettlement      = "settlement"
	ReasonMakerSettlement = "maker_settlement"
	ReasonAdminAdjustment = "admin_adjustment"
)

// MarketFilter narrows ListMarkets.
type MarketFilter struct {
	Status     Status // empty = any
	ActiveOnly bool   // OPEN only
}

// Match reports whether m passes the filter.
func (f MarketFilter) Match(m *Market) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.ActiveOnly && m.Status != StatusOpen {
		return false
	}
	return true
}

// Stats aggregates market counts for the admin dashboard.
type Stats struct {
	TotalMarkets    int            `json:"total_markets"`
	MarketsByStatus map[Status]int `json:"markets_by_status"`
	TotalTrades     int            `json:"total_trades"`
	ActiveTrading   int            `json:"active_trading"`
	RecentMarkets   []*Market      `json:"recent_markets"`
}
