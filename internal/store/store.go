// Package store defines the persistence interface for the spread market.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Every state-changing operation on an existing market goes through InTx,
// which holds that market's row lock for the lifetime of fn.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID. Returns model.ErrNotFound.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets matching f, newest first.
	ListMarkets(ctx context.Context, f model.MarketFilter) ([]*model.Market, error)

	// ListBids returns every bid on a market in placement order.
	ListBids(ctx context.Context, marketID string) ([]model.SpreadBid, error)

	// ListTrades returns every trade on a market in creation order.
	ListTrades(ctx context.Context, marketID string) ([]*model.Trade, error)

	// Stats aggregates market and trade counts.
	Stats(ctx context.Context) (model.Stats, error)

	// --- Users and balances ---

	// CreateUser persists a user. A non-zero opening balance is journaled
	// as an admin adjustment.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID. Returns model.ErrNotFound.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListBalanceEntries returns a user's balance journal, oldest first.
	ListBalanceEntries(ctx context.Context, userID string) ([]model.BalanceEntry, error)

	// --- Transactions ---

	// InTx runs fn inside a transaction holding marketID's lock. Writes made
	// through tx commit together when fn returns nil and are discarded
	// otherwise. Returns model.ErrNotFound if the market does not exist.
	InTx(ctx context.Context, marketID string, fn func(tx Tx) error) error
}

// Tx is the view of one locked market and the balances it touches.
type Tx interface {
	// Market returns a copy of the locked market.
	Market(ctx context.Context) (*model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error
	DeleteMarket(ctx context.Context) error

	InsertBid(ctx context.Context, b *model.SpreadBid) error
	Bids(ctx context.Context) ([]model.SpreadBid, error)

	Trades(ctx context.Context) ([]*model.Trade, error)
	// TradeFor returns the trader's trade on this market or model.ErrNotFound.
	TradeFor(ctx context.Context, trader string) (*model.Trade, error)
	// SaveTrade inserts t or replaces the row with the same ID.
	SaveTrade(ctx context.Context, t *model.Trade) error
	DeleteTrade(ctx context.Context, id string) error

	User(ctx context.Context, id string) (*model.User, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)

	// ApplyDelta is the only way balances change. It adds e.Amount to the
	// user's balance and appends e to the journal with the resulting
	// balance filled in.
	ApplyDelta(ctx context.Context, e model.BalanceEntry) (model.BalanceEntry, error)
}
