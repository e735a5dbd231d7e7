package settlement

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
)

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func closedMarket(price string) *model.Market {
	low, high, maker := 45, 55, "maker"
	m := &model.Market{
		ID:          "m1",
		FinalLow:    &low,
		FinalHigh:   &high,
		MarketMaker: &maker,
		Status:      model.StatusClosed,
	}
	if price != "" {
		p := d(price)
		m.SettlementPrice = &p
	}
	return m
}

func trade(id, trader string, pos model.Position, price string, qty int64) *model.Trade {
	return &model.Trade{ID: id, MarketID: "m1", Trader: trader, Position: pos, Price: d(price), Quantity: qty}
}

// --- Price normalization ---

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"60", "60", false},
		{"0.01", "0.01", false},
		{"999999.99", "999999.99", false},
		{"12.345", "12.35", false},
		{"12.344", "12.34", false},
		{"0.009", "", true},
		{"0", "", true},
		{"-5", "", true},
		{"1000000", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePrice(d(tc.in))
		if tc.wantErr {
			if !errors.Is(err, model.ErrOutOfRange) {
				t.Errorf("NormalizePrice(%s): expected ErrOutOfRange, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePrice(%s): unexpected error %v", tc.in, err)
			continue
		}
		if !got.Equal(d(tc.want)) {
			t.Errorf("NormalizePrice(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// --- P&L ---

func TestPnLPerUnit(t *testing.T) {
	if got := PnLPerUnit(model.Long, d("55"), d("60")); !got.Equal(d("5.00")) {
		t.Errorf("LONG 55 vs 60: got %s, want 5.00", got)
	}
	if got := PnLPerUnit(model.Short, d("45"), d("60")); !got.Equal(d("-15")) {
		t.Errorf("SHORT 45 vs 60: got %s, want -15", got)
	}
	if got := PnLPerUnit(model.Long, d("55"), d("55.005")); !got.Equal(d("0.01")) {
		t.Errorf("half rounds up: got %s, want 0.01", got)
	}
}

func TestPreview_Scenario(t *testing.T) {
	m := closedMarket("60")
	trades := []*model.Trade{trade("t1", "alice", model.Long, "55", 2)}

	r, err := Preview(m, trades, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := r.Lines[0]
	if !line.PnLPerUnit.Equal(d("5")) {
		t.Errorf("per-unit P&L: got %s, want 5.00", line.PnLPerUnit)
	}
	if !line.ProfitLoss.Equal(d("10")) {
		t.Errorf("trade P&L: got %s, want 10", line.ProfitLoss)
	}
	if !line.SettlementAmount.Equal(d("120")) {
		t.Errorf("settlement amount: got %s, want 110 cost + 10 pnl = 120", line.SettlementAmount)
	}
	if !r.MakerImpact.Equal(d("-10")) {
		t.Errorf("maker impact: got %s, want -10", r.MakerImpact)
	}
	if r.MarketMaker != "maker" {
		t.Errorf("expected maker id in report, got %q", r.MarketMaker)
	}
}

func TestPreview_MixedPositions(t *testing.T) {
	m := closedMarket("50")
	trades := []*model.Trade{
		trade("t1", "alice", model.Long, "55", 3),
		trade("t2", "bob", model.Short, "45", 1),
		trade("t3", "carol", model.Short, "45", 4),
	}

	r, err := Preview(m, trades, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// LONG: (50-55)*3 = -15; SHORT: (45-50)*1 = -5, *4 = -20.
	if !r.TotalTraderPnL.Equal(d("-40")) {
		t.Errorf("total trader pnl: got %s, want -40", r.TotalTraderPnL)
	}
	if !r.MakerImpact.Equal(d("40")) {
		t.Errorf("maker impact: got %s, want 40", r.MakerImpact)
	}
	if r.LongCount != 1 || r.ShortCount != 2 || r.TradeCount != 3 {
		t.Errorf("counts: long=%d short=%d total=%d", r.LongCount, r.ShortCount, r.TradeCount)
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	m := closedMarket("60")
	trades := []*model.Trade{trade("t1", "alice", model.Long, "55", 2)}

	if _, err := Preview(m, trades, t0); err != nil {
		t.Fatal(err)
	}
	if trades[0].IsSettled || trades[0].ProfitLoss != nil {
		t.Error("preview must not write trade outputs")
	}
}

func TestPreview_ZeroSumProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		settle := decimal.New(rng.Int63n(99999999)+1, -2) // 0.01 .. 999999.99
		m := closedMarket(settle.String())

		n := rng.Intn(20)
		trades := make([]*model.Trade, 0, n)
		for j := 0; j < n; j++ {
			pos := model.Long
			price := fmt.Sprint(rng.Intn(1000) + 1)
			if rng.Intn(2) == 0 {
				pos = model.Short
			}
			trades = append(trades, trade(fmt.Sprintf("t%d", j), fmt.Sprintf("u%d", j), pos, price, rng.Int63n(50)+1))
		}

		r, err := Preview(m, trades, t0)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		sum := decimal.Zero
		for _, l := range r.Lines {
			want := PnLPerUnit(l.Position, l.Price, settle).Mul(decimal.NewFromInt(l.Quantity))
			if !l.ProfitLoss.Equal(want) {
				t.Fatalf("iteration %d: line %s pnl %s, want %s", i, l.TradeID, l.ProfitLoss, want)
			}
			sum = sum.Add(l.ProfitLoss)
		}
		if !sum.Add(r.MakerImpact).IsZero() {
			t.Fatalf("iteration %d: trader sum %s + maker %s != 0", i, sum, r.MakerImpact)
		}
	}
}

func TestPreview_StateErrors(t *testing.T) {
	if _, err := Preview(closedMarket(""), nil, t0); !errors.Is(err, model.ErrInvalidMarketState) {
		t.Errorf("no price: expected ErrInvalidMarketState, got %v", err)
	}

	open := closedMarket("60")
	open.Status = model.StatusOpen
	if _, err := Preview(open, nil, t0); !errors.Is(err, model.ErrInvalidMarketState) {
		t.Errorf("open market: expected ErrInvalidMarketState, got %v", err)
	}

	settled := closedMarket("60")
	settled.Status = model.StatusSettled
	if _, err := Preview(settled, nil, t0); !errors.Is(err, model.ErrAlreadySettled) {
		t.Errorf("settled market: expected ErrAlreadySettled, got %v", err)
	}
}

func TestApply(t *testing.T) {
	m := closedMarket("60")
	trades := []*model.Trade{
		trade("t1", "alice", model.Long, "55", 2),
		trade("t2", "bob", model.Short, "45", 1),
	}
	r, _ := Preview(m, trades, t0)

	now := t0.Add(time.Hour)
	if err := Apply(r, trades, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tr := range trades {
		if !tr.IsSettled || tr.SettledAt == nil || !tr.SettledAt.Equal(now) {
			t.Errorf("trade %s not stamped as settled", tr.ID)
		}
	}
	if !trades[1].ProfitLoss.Equal(d("-15")) {
		t.Errorf("bob pnl: got %s, want -15", trades[1].ProfitLoss)
	}
	if !trades[1].SettlementAmount.Equal(d("30")) {
		t.Errorf("bob amount: got %s, want 45-15=30", trades[1].SettlementAmount)
	}

	if err := Apply(r, trades, now); !errors.Is(err, model.ErrAlreadySettled) {
		t.Errorf("second apply: expected ErrAlreadySettled, got %v", err)
	}
}
