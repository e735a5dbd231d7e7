package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
)

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	for _, u := range []*model.User{
		{ID: "admin", Username: "admin", IsAdmin: true, IsVerified: true},
		{ID: "alice", Username: "alice", IsVerified: true, Balance: d(1000)},
	} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	m := &model.Market{
		ID: "m1", Premise: "p", UnitPrice: d(1), InitialSpread: 10, CreatedBy: "admin",
		BidOpen: t0, BidCloseTradeOpen: t0.Add(time.Hour), TradeClose: t0.Add(2 * time.Hour),
		Status: model.StatusCreated, CreatedAt: t0,
	}
	if err := s.CreateMarket(ctx, m); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMemoryStore_CommitAppliesAllWrites(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	err := s.InTx(ctx, "m1", func(tx Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		m.Status = model.StatusOpen
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		if err := tx.SaveTrade(ctx, &model.Trade{ID: "t1", MarketID: "m1", Trader: "alice",
			Position: model.Long, Price: d(55), Quantity: 2}); err != nil {
			return err
		}
		_, err = tx.ApplyDelta(ctx, model.BalanceEntry{UserID: "alice", MarketID: "m1",
			Amount: d(-110), Reason: model.ReasonTradeDebit})
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Status != model.StatusOpen {
		t.Errorf("expected OPEN, got %s", m.Status)
	}
	trades, _ := s.ListTrades(ctx, "m1")
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	u, _ := s.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(890)) {
		t.Errorf("expected balance 890, got %s", u.Balance)
	}
	entries, _ := s.ListBalanceEntries(ctx, "alice")
	if len(entries) != 2 {
		t.Fatalf("expected opening + debit journal entries, got %d", len(entries))
	}
	if !entries[1].Balance.Equal(d(890)) || entries[1].Reason != model.ReasonTradeDebit {
		t.Errorf("unexpected debit entry: %+v", entries[1])
	}
}

func TestMemoryStore_ErrorRollsBack(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, "m1", func(tx Tx) error {
		m, _ := tx.Market(ctx)
		m.Status = model.StatusOpen
		_ = tx.UpdateMarket(ctx, m)
		_ = tx.InsertBid(ctx, &model.SpreadBid{ID: "b1", MarketID: "m1", Bidder: "alice", Low: 1, High: 2})
		_, _ = tx.ApplyDelta(ctx, model.BalanceEntry{UserID: "alice", Amount: d(-500)})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Status != model.StatusCreated {
		t.Errorf("status leaked from rolled back tx: %s", m.Status)
	}
	bids, _ := s.ListBids(ctx, "m1")
	if len(bids) != 0 {
		t.Errorf("bid leaked from rolled back tx")
	}
	u, _ := s.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance leaked from rolled back tx: %s", u.Balance)
	}
}

func TestMemoryStore_TxSeesOwnWrites(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	_ = s.InTx(ctx, "m1", func(tx Tx) error {
		_ = tx.InsertBid(ctx, &model.SpreadBid{ID: "b1", MarketID: "m1", Bidder: "alice", Low: 40, High: 60})
		bids, _ := tx.Bids(ctx)
		if len(bids) != 1 {
			t.Errorf("expected staged bid visible, got %d", len(bids))
		}
		_, _ = tx.ApplyDelta(ctx, model.BalanceEntry{UserID: "alice", Amount: d(-1)})
		bal, _ := tx.Balance(ctx, "alice")
		if !bal.Equal(d(999)) {
			t.Errorf("expected staged balance 999, got %s", bal)
		}
		return nil
	})
}

func TestMemoryStore_OneTradePerTrader(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	err := s.InTx(ctx, "m1", func(tx Tx) error {
		if err := tx.SaveTrade(ctx, &model.Trade{ID: "t1", Trader: "alice", Position: model.Long, Quantity: 1}); err != nil {
			return err
		}
		return tx.SaveTrade(ctx, &model.Trade{ID: "t2", Trader: "alice", Position: model.Short, Quantity: 1})
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation for second trade, got %v", err)
	}
}

func TestMemoryStore_DeleteMarket(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	if err := s.InTx(ctx, "m1", func(tx Tx) error { return tx.DeleteMarket(ctx) }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMarket(ctx, "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.InTx(ctx, "m1", func(Tx) error { return nil }); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for tx on deleted market, got %v", err)
	}
}

func TestMemoryStore_ListAndStats(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	_ = s.CreateMarket(ctx, &model.Market{ID: "m2", Status: model.StatusOpen, CreatedAt: t0.Add(time.Minute)})

	all, _ := s.ListMarkets(ctx, model.MarketFilter{})
	if len(all) != 2 || all[0].ID != "m2" {
		t.Fatalf("expected newest first, got %v", all)
	}
	open, _ := s.ListMarkets(ctx, model.MarketFilter{ActiveOnly: true})
	if len(open) != 1 || open[0].ID != "m2" {
		t.Errorf("active_only filter: got %d markets", len(open))
	}
	created, _ := s.ListMarkets(ctx, model.MarketFilter{Status: model.StatusCreated})
	if len(created) != 1 || created[0].ID != "m1" {
		t.Errorf("status filter: got %d markets", len(created))
	}

	st, _ := s.Stats(ctx)
	if st.TotalMarkets != 2 || st.ActiveTrading != 1 || st.MarketsByStatus[model.StatusCreated] != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}
