package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and users. Every committed transaction invalidates the
// market it locked and the users whose balances it touched; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) InTx(ctx context.Context, marketID string, fn func(tx Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.InTx(ctx, marketID, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	keys := []string{marketKey(marketID)}
	for uid := range touched {
		keys = append(keys, userKey(uid))
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, keys...)
	return nil
}

// cachedTx records which users a transaction credited or debited.
type cachedTx struct {
	Tx
	touched map[string]struct{}
}

func (t *cachedTx) ApplyDelta(ctx context.Context, e model.BalanceEntry) (model.BalanceEntry, error) {
	t.touched[e.UserID] = struct{}{}
	return t.Tx.ApplyDelta(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	fresh, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, f model.MarketFilter) ([]*model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) ListBids(ctx context.Context, marketID string) ([]model.SpreadBid, error) {
	return s.primary.ListBids(ctx, marketID)
}

func (s *CachedStore) ListTrades(ctx context.Context, marketID string) ([]*model.Trade, error) {
	return s.primary.ListTrades(ctx, marketID)
}

func (s *CachedStore) Stats(ctx context.Context) (model.Stats, error) {
	return s.primary.Stats(ctx)
}

func (s *CachedStore) ListBalanceEntries(ctx context.Context, userID string) ([]model.BalanceEntry, error) {
	return s.primary.ListBalanceEntries(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("spreadmkt:market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("spreadmkt:user:%s", id) }
