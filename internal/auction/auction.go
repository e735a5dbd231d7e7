// Package auction resolves a market's sealed-bid spread auction.
//
// Once the bidding window closes, the tightest bid placed becomes the
// market's fixed spread and its bidder the market maker. A market with no
// bids is never activated with a synthetic spread; its windows are pushed
// back one day instead and the auction runs again on the next sweep.
//
// Functions here mutate only the *model.Market passed in. Persisting the
// result, and serializing concurrent resolutions, is the caller's job.
package auction

import (
	"fmt"
	"time"

	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
)

// DelayStep is how far both window timestamps move when nobody bid.
const DelayStep = 24 * time.Hour

// ValidateBid checks a spread bid before it is recorded. No balance is
// required to bid.
func ValidateBid(m *model.Market, bidder *model.User, low, high int, now time.Time) error {
	if low <= 0 || high <= 0 {
		return fmt.Errorf("%w: spread values must be positive numbers", model.ErrValidation)
	}
	if low >= high {
		return fmt.Errorf("%w: spread high must be greater than spread low", model.ErrValidation)
	}
	if m.Status != model.StatusCreated || m.Activated() {
		return fmt.Errorf("%w: market is %s, spread bidding is over", model.ErrNotEligible, m.Status)
	}
	if !phase.BiddingActive(m, now) {
		return fmt.Errorf("%w: spread bidding is not currently active", model.ErrNotEligible)
	}
	switch {
	case bidder.IsAdmin:
		return fmt.Errorf("%w: administrators cannot place spread bids", model.ErrIneligibleTrader)
	case bidder.ID == m.CreatedBy:
		return fmt.Errorf("%w: market creators cannot bid on their own markets", model.ErrIneligibleTrader)
	case !bidder.IsVerified:
		return fmt.Errorf("%w: user must be verified to place spread bids", model.ErrIneligibleTrader)
	}
	return nil
}

// BestBid picks the bid with the smallest width across every bid placed,
// including several from the same bidder. Equal widths go to the earliest
// placed_at. Bids with identical width and placed_at fall back to the
// lexicographically smallest ID so the result is deterministic.
func BestBid(bids []model.SpreadBid) (model.SpreadBid, bool) {
	if len(bids) == 0 {
		return model.SpreadBid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if better(b, best) {
			best = b
		}
	}
	return best, true
}

func better(a, b model.SpreadBid) bool {
	if a.Width() != b.Width() {
		return a.Width() < b.Width()
	}
	if !a.PlacedAt.Equal(b.PlacedAt) {
		return a.PlacedAt.Before(b.PlacedAt)
	}
	return a.ID < b.ID
}

// ShouldActivate reports a CREATED, unresolved market whose bidding window
// has closed and which received at least one bid.
func ShouldActivate(m *model.Market, bids []model.SpreadBid, now time.Time) bool {
	return resolvable(m, now) && len(bids) > 0
}

// ShouldDelay is ShouldActivate for a market that received no bids.
func ShouldDelay(m *model.Market, bids []model.SpreadBid, now time.Time) bool {
	return resolvable(m, now) && len(bids) == 0
}

func resolvable(m *model.Market, now time.Time) bool {
	return m.Status == model.StatusCreated && !m.Activated() && phase.BiddingClosed(m, now)
}

// Activate fixes the spread from the winning bid and opens the market.
// It returns the winning bid.
func Activate(m *model.Market, bids []model.SpreadBid, now time.Time) (model.SpreadBid, error) {
	if err := notResolved(m); err != nil {
		return model.SpreadBid{}, err
	}
	if !phase.BiddingClosed(m, now) {
		return model.SpreadBid{}, fmt.Errorf("%w: spread bidding window is still open", model.ErrNotEligible)
	}
	return open(m, bids, now)
}

// ForceActivate is the admin override: it activates without waiting for
// the bidding window to close. It still needs a real bid. If bidding is
// still open it is closed at now so trading starts immediately.
func ForceActivate(m *model.Market, bids []model.SpreadBid, now time.Time) (model.SpreadBid, error) {
	if err := notResolved(m); err != nil {
		return model.SpreadBid{}, err
	}
	if now.Before(m.BidCloseTradeOpen) {
		if now.Before(m.BidOpen) {
			return model.SpreadBid{}, fmt.Errorf("%w: spread bidding has not opened yet", model.ErrNotEligible)
		}
		if !now.Before(m.TradeClose) {
			return model.SpreadBid{}, fmt.Errorf("%w: trading window has already ended", model.ErrNotEligible)
		}
		m.BidCloseTradeOpen = now
	}
	return open(m, bids, now)
}

func open(m *model.Market, bids []model.SpreadBid, now time.Time) (model.SpreadBid, error) {
	winner, ok := BestBid(bids)
	if !ok {
		return model.SpreadBid{}, fmt.Errorf("%w: no spread bids received, a real bid is required", model.ErrNotEligible)
	}
	low, high, maker := winner.Low, winner.High, winner.Bidder
	m.FinalLow = &low
	m.FinalHigh = &high
	m.MarketMaker = &maker
	m.Status = model.StatusOpen
	m.UpdatedAt = now
	return winner, nil
}

// Delay pushes bid_close_trade_open and trade_close back by DelayStep,
// keeping the gap between them. Each call delays once; a market that still
// has no bids after the new window closes is delayed again.
func Delay(m *model.Market, bids []model.SpreadBid, now time.Time) error {
	if err := notResolved(m); err != nil {
		return err
	}
	if len(bids) > 0 {
		return fmt.Errorf("%w: market has %d spread bids, activate instead", model.ErrNotEligible, len(bids))
	}
	if !phase.BiddingClosed(m, now) {
		return fmt.Errorf("%w: spread bidding window is still open", model.ErrNotEligible)
	}
	m.BidCloseTradeOpen = m.BidCloseTradeOpen.Add(DelayStep)
	m.TradeClose = m.TradeClose.Add(DelayStep)
	m.DelayCount++
	m.UpdatedAt = now
	return nil
}

func notResolved(m *model.Market) error {
	if m.Activated() {
		return fmt.Errorf("%w: %w", model.ErrNotEligible, model.ErrAlreadyActivated)
	}
	if m.Status != model.StatusCreated {
		return fmt.Errorf("%w: market is %s", model.ErrNotEligible, m.Status)
	}
	return nil
}
