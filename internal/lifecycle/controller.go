// Package lifecycle owns the market state machine:
//
//	CREATED --(auction resolves, has bids)--> OPEN
//	CREATED --(auction resolves, no bids)---> CREATED (windows delayed)
//	OPEN    --(trade_close reached / admin)-> CLOSED
//	CLOSED  --(execute settlement)----------> SETTLED
//	CLOSED  --(reopen, price unset)---------> OPEN
//
// Time-driven transitions are applied lazily. Every read and write first
// reconciles the market against the clock, and an optional sweeper does
// the same for every live market on a schedule.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/spread-market/internal/account"
	"github.com/atmx/spread-market/internal/auction"
	"github.com/atmx/spread-market/internal/lock"
	"github.com/atmx/spread-market/internal/metrics"
	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
	"github.com/atmx/spread-market/internal/settlement"
	"github.com/atmx/spread-market/internal/store"
)

// Transition names one applied state change.
type Transition string

const (
	Created        Transition = "created"
	Activated      Transition = "activated"
	ForceActivated Transition = "force_activated"
	Delayed        Transition = "delayed"
	AutoClosed     Transition = "auto_closed"
	Closed         Transition = "closed"
	Reopened       Transition = "reopened"
	PriceSet       Transition = "settlement_price_set"
	Settled        Transition = "settled"
	Deleted        Transition = "deleted"
)

// Event is published after a transition commits.
type Event struct {
	Type     string       `json:"type"`
	MarketID string       `json:"market_id"`
	Status   model.Status `json:"status,omitempty"`
	At       time.Time    `json:"at"`
	Detail   any          `json:"detail,omitempty"`
}

// EventSink receives committed lifecycle events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Archiver stores an executed settlement report and returns its location.
type Archiver interface {
	Archive(ctx context.Context, r *settlement.Report) (string, error)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// Controller exposes every market operation. It is safe for concurrent use;
// per-market exclusion comes from store transactions and the Locker.
type Controller struct {
	store    store.Store
	accounts *account.Directory
	identity account.Identity
	clock    phase.Clock
	locker   lock.Locker
	events   EventSink
	archiver Archiver
	log      *slog.Logger

	lockTTL    time.Duration
	maxRetries int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the system clock.
func WithClock(c phase.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithLocker replaces the in-process sweep locker, e.g. with lock.Redis.
func WithLocker(l lock.Locker) Option { return func(ctl *Controller) { ctl.locker = l } }

// WithEvents sets the sink for committed transitions.
func WithEvents(s EventSink) Option { return func(ctl *Controller) { ctl.events = s } }

// WithArchiver enables settlement report archiving.
func WithArchiver(a Archiver) Option { return func(ctl *Controller) { ctl.archiver = a } }

// WithIdentity replaces the store-backed verification and admin checks.
func WithIdentity(id account.Identity) Option { return func(ctl *Controller) { ctl.identity = id } }

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option { return func(ctl *Controller) { ctl.log = l } }

// WithLockTTL bounds how long a sweep may hold a market lock.
func WithLockTTL(d time.Duration) Option { return func(ctl *Controller) { ctl.lockTTL = d } }

// WithMaxRetries sets how often trade operations retry a lost lock race.
func WithMaxRetries(n int) Option { return func(ctl *Controller) { ctl.maxRetries = n } }

// New creates a Controller over st.
func New(st store.Store, opts ...Option) *Controller {
	c := &Controller{
		store:      st,
		clock:      phase.SystemClock{},
		locker:     lock.NewLocal(),
		events:     nopSink{},
		log:        slog.Default(),
		lockTTL:    30 * time.Second,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.accounts = account.NewDirectory(st, c.clock)
	if c.identity == nil {
		c.identity = c.accounts
	}
	return c
}

func (c *Controller) requireAdmin(ctx context.Context, userID string) error {
	return account.RequireAdmin(ctx, c.identity, userID)
}

// Accounts exposes the user directory the controller checks callers against.
func (c *Controller) Accounts() *account.Directory { return c.accounts }

// Now is the controller's clock reading.
func (c *Controller) Now() time.Time { return c.clock.Now() }

// Describe is the display label for m's current phase.
func (c *Controller) Describe(m *model.Market) string {
	return phase.Describe(m, c.clock.Now())
}

// Reconcile brings one market up to date with the clock: at most one
// auction step (activate, or a single 24h delay), then the auto-close
// check. Losing the market lock to another reconciler is a silent no-op.
func (c *Controller) Reconcile(ctx context.Context, marketID string) ([]Transition, error) {
	applied, _, err := c.TryReconcile(ctx, marketID)
	return applied, err
}

// TryReconcile is Reconcile that also reports whether the market was
// skipped because another worker held it.
func (c *Controller) TryReconcile(ctx context.Context, marketID string) (applied []Transition, locked bool, err error) {
	release, err := c.locker.Acquire(ctx, "market:"+marketID, c.lockTTL)
	if errors.Is(err, model.ErrConcurrencyConflict) {
		metrics.LockContention.Inc()
		c.log.Debug("reconcile skipped, market locked", "market_id", marketID)
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer release()

	var after *model.Market
	now := c.clock.Now()
	err = c.store.InTx(ctx, marketID, func(tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		applied, err = c.reconcileTx(ctx, tx, m, now)
		after = m
		return err
	})
	if errors.Is(err, model.ErrConcurrencyConflict) {
		metrics.LockContention.Inc()
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.committed(after, now, applied...)
	return applied, false, nil
}

// refresh is Reconcile for read paths: failures are logged, never returned,
// and the market is left as it was for the next attempt.
func (c *Controller) refresh(ctx context.Context, m *model.Market, now time.Time) {
	if !needsReconcile(m, now) {
		return
	}
	if _, err := c.Reconcile(ctx, m.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		c.log.Warn("lazy reconcile failed", "market_id", m.ID, "err", err)
	}
}

// reconcileTx applies due transitions to m and persists them through tx.
func (c *Controller) reconcileTx(ctx context.Context, tx store.Tx, m *model.Market, now time.Time) ([]Transition, error) {
	if !needsReconcile(m, now) {
		return nil, nil
	}
	bids, err := tx.Bids(ctx)
	if err != nil {
		return nil, err
	}
	applied := advance(m, bids, now)
	if len(applied) == 0 {
		return nil, nil
	}
	if err := tx.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	for _, t := range applied {
		c.log.Info("market transition", "market_id", m.ID, "transition", t, "status", m.Status)
	}
	return applied, nil
}

// needsReconcile is a cheap pre-check so reads do not lock settled markets.
func needsReconcile(m *model.Market, now time.Time) bool {
	switch m.Status {
	case model.StatusCreated:
		return phase.BiddingClosed(m, now)
	case model.StatusOpen:
		return phase.ShouldAutoClose(m, now)
	}
	return false
}

// advance mutates m with whatever transitions are due at now. It is pure
// over its inputs, which lets DryRun reuse it on a copy.
func advance(m *model.Market, bids []model.SpreadBid, now time.Time) []Transition {
	var applied []Transition
	switch {
	case auction.ShouldActivate(m, bids, now):
		if _, err := auction.Activate(m, bids, now); err == nil {
			applied = append(applied, Activated)
		}
	case auction.ShouldDelay(m, bids, now):
		if err := auction.Delay(m, bids, now); err == nil {
			applied = append(applied, Delayed)
		}
	}
	if phase.ShouldAutoClose(m, now) {
		m.Status = model.StatusClosed
		m.UpdatedAt = now
		applied = append(applied, AutoClosed)
	}
	return applied
}

// withMarket runs fn in a market transaction after reconciling the market.
// Transitions applied inside the transaction are reported once it commits.
func (c *Controller) withMarket(ctx context.Context, marketID string,
	fn func(tx store.Tx, m *model.Market, now time.Time) error) (*model.Market, error) {

	now := c.clock.Now()
	// Commit due transitions on their own first, so they stick even if fn
	// rejects the operation.
	if m, err := c.store.GetMarket(ctx, marketID); err == nil {
		c.refresh(ctx, m, now)
	}

	var (
		applied []Transition
		after   *model.Market
	)
	err := c.store.InTx(ctx, marketID, func(tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if applied, err = c.reconcileTx(ctx, tx, m, now); err != nil {
			return err
		}
		if err := fn(tx, m, now); err != nil {
			return err
		}
		after = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.committed(after, now, applied...)
	return after, nil
}

// retry reruns op while it loses lock races, up to maxRetries extra times.
func (c *Controller) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if !errors.Is(err, model.ErrConcurrencyConflict) || attempt >= c.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

// committed records metrics and publishes events for applied transitions.
func (c *Controller) committed(m *model.Market, now time.Time, applied ...Transition) {
	for _, t := range applied {
		metrics.TransitionsTotal.WithLabelValues(string(t)).Inc()
		ev := Event{Type: string(t), At: now}
		if m != nil {
			ev.MarketID = m.ID
			ev.Status = m.Status
			if t == Activated || t == ForceActivated {
				ev.Detail = map[string]any{
					"final_low":    *m.FinalLow,
					"final_high":   *m.FinalHigh,
					"market_maker": *m.MarketMaker,
				}
			}
		}
		c.events.Publish(ev)
	}
}

func (c *Controller) reject(op string, err error) error {
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(op, Classify(err)).Inc()
	}
	return err
}

// Classify names the error class of err for metrics and API responses.
func Classify(err error) string {
	for _, k := range []struct {
		target error
		name   string
	}{
		{model.ErrValidation, "validation"},
		{model.ErrOutOfRange, "out_of_range"},
		{model.ErrForbidden, "forbidden"},
		{model.ErrIneligibleTrader, "ineligible_trader"},
		{model.ErrAlreadyActivated, "already_activated"},
		{model.ErrNotEligible, "not_eligible"},
		{model.ErrMarketNotTradable, "market_not_tradable"},
		{model.ErrMarketClosed, "market_closed"},
		{model.ErrNoSuchTrade, "no_such_trade"},
		{model.ErrNotFound, "not_found"},
		{model.ErrInsufficientBalance, "insufficient_balance"},
		{model.ErrAlreadySettled, "already_settled"},
		{model.ErrPreviewRequired, "preview_required"},
		{model.ErrConfirmationRequired, "confirmation_required"},
		{model.ErrInvalidMarketState, "invalid_market_state"},
		{model.ErrConcurrencyConflict, "concurrency_conflict"},
	} {
		if errors.Is(err, k.target) {
			return k.name
		}
	}
	return "internal"
}
