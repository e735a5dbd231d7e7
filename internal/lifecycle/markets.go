package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/account"
	"github.com/atmx/spread-market/internal/auction"
	"github.com/atmx/spread-market/internal/metrics"
	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
	"github.com/atmx/spread-market/internal/store"
)

// NewMarket is the admin input for CreateMarket.
type NewMarket struct {
	Premise           string          `json:"premise"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	InitialSpread     int             `json:"initial_spread"`
	BidOpen           time.Time       `json:"bid_open"`
	BidCloseTradeOpen time.Time       `json:"bid_close_trade_open"`
	TradeClose        time.Time       `json:"trade_close"`
}

// Validate checks field ranges and window ordering.
func (n NewMarket) Validate() error {
	switch {
	case strings.TrimSpace(n.Premise) == "":
		return fmt.Errorf("%w: premise is required", model.ErrValidation)
	case !n.UnitPrice.IsPositive():
		return fmt.Errorf("%w: unit price must be positive", model.ErrValidation)
	case n.InitialSpread <= 0:
		return fmt.Errorf("%w: initial spread must be positive", model.ErrValidation)
	case n.BidOpen.IsZero() || n.BidCloseTradeOpen.IsZero() || n.TradeClose.IsZero():
		return fmt.Errorf("%w: bid_open, bid_close_trade_open and trade_close are required", model.ErrValidation)
	case !n.BidOpen.Before(n.BidCloseTradeOpen):
		return fmt.Errorf("%w: spread bidding close must be after bidding open", model.ErrValidation)
	case !n.BidCloseTradeOpen.Before(n.TradeClose):
		return fmt.Errorf("%w: trading close must be after trading open", model.ErrValidation)
	}
	return nil
}

// CreateMarket registers a new market in CREATED. Admin only.
func (c *Controller) CreateMarket(ctx context.Context, actorID string, n NewMarket) (*model.Market, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("create_market", err)
	}
	if err := n.Validate(); err != nil {
		return nil, c.reject("create_market", err)
	}
	now := c.clock.Now()
	m := &model.Market{
		ID:                uuid.New().String(),
		Premise:           strings.TrimSpace(n.Premise),
		UnitPrice:         n.UnitPrice.Round(2),
		InitialSpread:     n.InitialSpread,
		CreatedBy:         actorID,
		BidOpen:           n.BidOpen.UTC(),
		BidCloseTradeOpen: n.BidCloseTradeOpen.UTC(),
		TradeClose:        n.TradeClose.UTC(),
		Status:            model.StatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	c.log.Info("market created", "market_id", m.ID, "created_by", actorID)
	c.committed(m, now, Created)
	return m, nil
}

// GetMarket reconciles and returns one market.
func (c *Controller) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := c.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	if !needsReconcile(m, now) {
		return m, nil
	}
	c.refresh(ctx, m, now)
	return c.store.GetMarket(ctx, id)
}

// ListMarkets reconciles every live market and returns those matching f,
// newest first.
func (c *Controller) ListMarkets(ctx context.Context, f model.MarketFilter) ([]*model.Market, error) {
	all, err := c.store.ListMarkets(ctx, model.MarketFilter{})
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	stale := false
	for _, m := range all {
		if needsReconcile(m, now) {
			c.refresh(ctx, m, now)
			stale = true
		}
	}
	if !stale {
		out := all[:0]
		for _, m := range all {
			if f.Match(m) {
				out = append(out, m)
			}
		}
		return out, nil
	}
	return c.store.ListMarkets(ctx, f)
}

// DeleteMarket removes a market that has not left CREATED. Admin only.
func (c *Controller) DeleteMarket(ctx context.Context, actorID, marketID string) error {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return c.reject("delete_market", err)
	}
	m, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, _ time.Time) error {
		if m.Status != model.StatusCreated {
			return fmt.Errorf("%w: only CREATED markets can be deleted, market is %s",
				model.ErrInvalidMarketState, m.Status)
		}
		return tx.DeleteMarket(ctx)
	})
	if err != nil {
		return c.reject("delete_market", err)
	}
	c.log.Info("market deleted", "market_id", marketID, "by", actorID)
	c.committed(m, c.clock.Now(), Deleted)
	return nil
}

// RecentMarketsLimit caps Stats.RecentMarkets.
const RecentMarketsLimit = 5

// Stats returns aggregate counts and the newest markets for the admin
// dashboard, after bringing live markets up to date.
func (c *Controller) Stats(ctx context.Context, actorID string) (model.Stats, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return model.Stats{}, c.reject("stats", err)
	}
	markets, err := c.ListMarkets(ctx, model.MarketFilter{})
	if err != nil {
		return model.Stats{}, err
	}
	st, err := c.store.Stats(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	if len(markets) > RecentMarketsLimit {
		markets = markets[:RecentMarketsLimit]
	}
	st.RecentMarkets = markets
	return st, nil
}

// PlaceBid records a spread bid. Bids are never edited; every bid a
// bidder places competes in the auction.
func (c *Controller) PlaceBid(ctx context.Context, marketID, bidderID string, low, high int) (*model.SpreadBid, error) {
	var bid *model.SpreadBid
	_, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		u, err := tx.User(ctx, bidderID)
		if err != nil {
			return fmt.Errorf("%w: unknown bidder %s", model.ErrForbidden, bidderID)
		}
		if u, err = account.Resolve(ctx, c.identity, u); err != nil {
			return err
		}
		if err := auction.ValidateBid(m, u, low, high, now); err != nil {
			return err
		}
		bid = &model.SpreadBid{
			ID:       uuid.New().String(),
			MarketID: m.ID,
			Bidder:   bidderID,
			Low:      low,
			High:     high,
			PlacedAt: now,
		}
		return tx.InsertBid(ctx, bid)
	})
	if err != nil {
		return nil, c.reject("place_bid", err)
	}
	metrics.BidsTotal.Inc()
	c.log.Info("spread bid placed", "market_id", marketID, "bidder", bidderID, "low", low, "high", high)
	return bid, nil
}

// ListBids returns bids on a market. Bidding is sealed: while it is still
// active, non-admin viewers only see their own bids.
func (c *Controller) ListBids(ctx context.Context, marketID, viewerID string) ([]model.SpreadBid, error) {
	m, err := c.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	bids, err := c.store.ListBids(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusCreated || !phase.BiddingActive(m, c.clock.Now()) {
		return bids, nil
	}
	if err := c.requireAdmin(ctx, viewerID); err == nil {
		return bids, nil
	}
	own := bids[:0]
	for _, b := range bids {
		if b.Bidder == viewerID {
			own = append(own, b)
		}
	}
	return own, nil
}

// Activate is the admin's manual auction resolution. It requires at least
// one real bid; there is no default spread.
func (c *Controller) Activate(ctx context.Context, actorID, marketID string) (*model.Market, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("activate", err)
	}
	var winner model.SpreadBid
	m, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		bids, err := tx.Bids(ctx)
		if err != nil {
			return err
		}
		if winner, err = auction.ForceActivate(m, bids, now); err != nil {
			return err
		}
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, c.reject("activate", err)
	}
	c.log.Info("market force-activated", "market_id", marketID, "by", actorID,
		"winning_bid", winner.ID, "final_low", winner.Low, "final_high", winner.High)
	c.committed(m, c.clock.Now(), ForceActivated)
	return m, nil
}

// CloseTrading moves an OPEN market to CLOSED ahead of trade_close. Admin only.
func (c *Controller) CloseTrading(ctx context.Context, actorID, marketID string) (*model.Market, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("close", err)
	}
	m, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		if m.Status != model.StatusOpen {
			return fmt.Errorf("%w: only OPEN markets can be closed, market is %s",
				model.ErrInvalidMarketState, m.Status)
		}
		m.Status = model.StatusClosed
		m.UpdatedAt = now
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, c.reject("close", err)
	}
	c.log.Info("trading closed", "market_id", marketID, "by", actorID)
	c.committed(m, c.clock.Now(), Closed)
	return m, nil
}

// ReopenTrading moves a CLOSED, unpriced market back to OPEN with a later
// trade_close. Admin only.
func (c *Controller) ReopenTrading(ctx context.Context, actorID, marketID string, newTradeClose time.Time) (*model.Market, error) {
	if err := c.requireAdmin(ctx, actorID); err != nil {
		return nil, c.reject("reopen", err)
	}
	m, err := c.withMarket(ctx, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		if !phase.CanBeReopened(m) {
			return fmt.Errorf("%w: only CLOSED markets without a settlement price can be reopened",
				model.ErrInvalidMarketState)
		}
		if !newTradeClose.After(now) || !newTradeClose.After(m.TradeClose) {
			return fmt.Errorf("%w: new trade close must be after both now and the current trade close",
				model.ErrValidation)
		}
		m.TradeClose = newTradeClose.UTC()
		m.Status = model.StatusOpen
		m.SettlementPreviewCalculated = false
		m.SettlementConfirmed = false
		m.UpdatedAt = now
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		return nil, c.reject("reopen", err)
	}
	c.log.Info("trading reopened", "market_id", marketID, "by", actorID, "trade_close", newTradeClose)
	c.committed(m, c.clock.Now(), Reopened)
	return m, nil
}
