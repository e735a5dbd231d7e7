package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the store-wide write lock for the duration of fn, so
// transactions are fully serialized. Writes are staged on the tx and
// applied only when fn succeeds.
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*model.Market
	bids    map[string][]model.SpreadBid
	trades  map[string][]*model.Trade // per market, creation order
	users   map[string]*model.User
	journal []model.BalanceEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*model.Market),
		bids:    make(map[string][]model.SpreadBid),
		trades:  make(map[string][]*model.Trade),
		users:   make(map[string]*model.User),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s already exists", model.ErrValidation, m.ID)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f model.MarketFilter) ([]*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]*model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Match(m) {
			markets = append(markets, m.Clone())
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (s *MemoryStore) ListBids(_ context.Context, marketID string) ([]model.SpreadBid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.SpreadBid(nil), s.bids[marketID]...), nil
}

func (s *MemoryStore) ListTrades(_ context.Context, marketID string) ([]*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneTrades(s.trades[marketID]), nil
}

func (s *MemoryStore) Stats(_ context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := model.Stats{MarketsByStatus: make(map[model.Status]int)}
	for _, m := range s.markets {
		st.TotalMarkets++
		st.MarketsByStatus[m.Status]++
		if m.Status == model.StatusOpen {
			st.ActiveTrading++
		}
	}
	for _, ts := range s.trades {
		st.TotalTrades += len(ts)
	}
	return st, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s already exists", model.ErrValidation, u.ID)
	}
	c := *u
	s.users[u.ID] = &c
	if !u.Balance.IsZero() {
		s.journal = append(s.journal, model.BalanceEntry{
			ID:        uuid.New().String(),
			UserID:    u.ID,
			Amount:    u.Balance,
			Reason:    model.ReasonAdminAdjustment,
			Balance:   u.Balance,
			CreatedAt: u.CreatedAt,
		})
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) ListBalanceEntries(_ context.Context, userID string) ([]model.BalanceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceEntry
	for _, e := range s.journal {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) InTx(ctx context.Context, marketID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	tx := &memTx{
		s:        s,
		market:   m.Clone(),
		trades:   cloneTrades(s.trades[marketID]),
		balances: make(map[string]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes against one market. The store lock is held by InTx,
// so it reads the store's maps directly.
type memTx struct {
	s *MemoryStore

	market  *model.Market
	dirty   bool
	deleted bool

	newBids []model.SpreadBid
	trades  []*model.Trade

	balances map[string]decimal.Decimal
	entries  []model.BalanceEntry
}

func (tx *memTx) Market(_ context.Context) (*model.Market, error) {
	if tx.deleted {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, tx.market.ID)
	}
	return tx.market.Clone(), nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if m.ID != tx.market.ID {
		return fmt.Errorf("store: tx for market %s cannot update %s", tx.market.ID, m.ID)
	}
	tx.market = m.Clone()
	tx.dirty = true
	return nil
}

func (tx *memTx) DeleteMarket(_ context.Context) error {
	tx.deleted = true
	return nil
}

func (tx *memTx) InsertBid(_ context.Context, b *model.SpreadBid) error {
	tx.newBids = append(tx.newBids, *b)
	return nil
}

func (tx *memTx) Bids(_ context.Context) ([]model.SpreadBid, error) {
	existing := tx.s.bids[tx.market.ID]
	out := make([]model.SpreadBid, 0, len(existing)+len(tx.newBids))
	out = append(out, existing...)
	return append(out, tx.newBids...), nil
}

func (tx *memTx) Trades(_ context.Context) ([]*model.Trade, error) {
	return cloneTrades(tx.trades), nil
}

func (tx *memTx) TradeFor(_ context.Context, trader string) (*model.Trade, error) {
	for _, t := range tx.trades {
		if t.Trader == trader {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: trade for %s on market %s", model.ErrNotFound, trader, tx.market.ID)
}

func (tx *memTx) SaveTrade(_ context.Context, t *model.Trade) error {
	for i, existing := range tx.trades {
		if existing.ID == t.ID {
			tx.trades[i] = t.Clone()
			return nil
		}
		if existing.Trader == t.Trader {
			return fmt.Errorf("%w: %s already holds trade %s", model.ErrValidation, t.Trader, existing.ID)
		}
	}
	tx.trades = append(tx.trades, t.Clone())
	return nil
}

func (tx *memTx) DeleteTrade(_ context.Context, id string) error {
	for i, t := range tx.trades {
		if t.ID == id {
			tx.trades = append(tx.trades[:i:i], tx.trades[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: trade %s", model.ErrNotFound, id)
}

func (tx *memTx) User(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	c := *u
	if b, ok := tx.balances[id]; ok {
		c.Balance = b
	}
	return &c, nil
}

func (tx *memTx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := tx.User(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

func (tx *memTx) ApplyDelta(ctx context.Context, e model.BalanceEntry) (model.BalanceEntry, error) {
	bal, err := tx.Balance(ctx, e.UserID)
	if err != nil {
		return model.BalanceEntry{}, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Balance = bal.Add(e.Amount)
	tx.balances[e.UserID] = e.Balance
	tx.entries = append(tx.entries, e)
	return e, nil
}

func (tx *memTx) commit() {
	s, id := tx.s, tx.market.ID

	if tx.deleted {
		delete(s.markets, id)
		delete(s.bids, id)
		delete(s.trades, id)
	} else {
		if tx.dirty {
			s.markets[id] = tx.market
		}
		if len(tx.newBids) > 0 {
			s.bids[id] = append(s.bids[id], tx.newBids...)
		}
		s.trades[id] = tx.trades
	}
	for uid, bal := range tx.balances {
		s.users[uid].Balance = bal
	}
	s.journal = append(s.journal, tx.entries...)
}

func cloneTrades(ts []*model.Trade) []*model.Trade {
	out := make([]*model.Trade, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}
