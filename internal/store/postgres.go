package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout string
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: "5s"}
}

// Migrate applies the embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name()).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

const marketColumns = `id, premise, unit_price::TEXT, initial_spread, created_by,
	bid_open, bid_close_trade_open, trade_close,
	final_low, final_high, market_maker, status,
	settlement_price::TEXT, settlement_preview_calculated, settlement_confirmed, settled_at,
	delay_count, created_at, updated_at`

const tradeColumns = `id, market_id, trader, position, price::TEXT, quantity,
	settlement_amount::TEXT, profit_loss::TEXT, is_settled, settled_at,
	created_at, updated_at`

const userColumns = `id, username, is_verified, is_admin, balance::TEXT, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, premise, unit_price, initial_spread, created_by,
		        bid_open, bid_close_trade_open, trade_close, status, delay_count, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.Premise, m.UnitPrice.String(), m.InitialSpread, m.CreatedBy,
		m.BidOpen, m.BidCloseTradeOpen, m.TradeClose, m.Status, m.DelayCount, m.CreatedAt, m.UpdatedAt,
	)
	return classify(err, "create market %s", m.ID)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "get market %s", id)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f model.MarketFilter) ([]*model.Market, error) {
	q := `SELECT ` + marketColumns + ` FROM markets`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ActiveOnly {
		args = append(args, model.StatusOpen)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []*model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListBids(ctx context.Context, marketID string) ([]model.SpreadBid, error) {
	return listBids(ctx, s.pool, marketID)
}

func (s *PostgresStore) ListTrades(ctx context.Context, marketID string) ([]*model.Trade, error) {
	return listTrades(ctx, s.pool, marketID, "")
}

func (s *PostgresStore) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{MarketsByStatus: make(map[model.Status]int)}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM markets GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status model.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.MarketsByStatus[status] = n
		st.TotalMarkets += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	st.ActiveTrading = st.MarketsByStatus[model.StatusOpen]

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades`).Scan(&st.TotalTrades); err != nil {
		return st, err
	}
	return st, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, username, is_verified, is_admin, balance, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
			u.ID, u.Username, u.IsVerified, u.IsAdmin, u.Balance.String(), u.CreatedAt); err != nil {
			return err
		}
		if u.Balance.IsZero() {
			return nil
		}
		return insertEntry(ctx, tx, model.BalanceEntry{
			ID:        uuid.New().String(),
			UserID:    u.ID,
			Amount:    u.Balance,
			Reason:    model.ReasonAdminAdjustment,
			Balance:   u.Balance,
			CreatedAt: u.CreatedAt,
		})
	})
	return classify(err, "create user %s", u.ID)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "get user %s", id)
	}
	return u, nil
}

func (s *PostgresStore) ListBalanceEntries(ctx context.Context, userID string) ([]model.BalanceEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, amount::TEXT, reason, balance::TEXT, created_at
		 FROM balance_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BalanceEntry
	for rows.Next() {
		var (
			e               model.BalanceEntry
			amount, balance string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &amount, &e.Reason, &balance, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.Balance, _ = decimal.NewFromString(balance)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InTx locks the market row with SELECT ... FOR UPDATE. Lock waits are
// bounded by lock_timeout; a timeout, deadlock, or serialization failure is
// reported as model.ErrConcurrencyConflict.
func (s *PostgresStore) InTx(ctx context.Context, marketID string, fn func(tx Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+s.lockTimeout+"'"); err != nil {
			return err
		}
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM markets WHERE id = $1 FOR UPDATE`, marketID).Scan(&id); err != nil {
			return err
		}
		return fn(&pgTx{tx: tx, marketID: marketID})
	})
	return classify(err, "market %s", marketID)
}

type pgTx struct {
	tx       pgx.Tx
	marketID string
}

func (t *pgTx) Market(ctx context.Context) (*model.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, t.marketID))
	if err != nil {
		return nil, classify(err, "get market %s", t.marketID)
	}
	return m, nil
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	var price *string
	if m.SettlementPrice != nil {
		p := m.SettlementPrice.String()
		price = &p
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE markets SET
		    bid_close_trade_open = $2, trade_close = $3,
		    final_low = $4, final_high = $5, market_maker = $6, status = $7,
		    settlement_price = $8::NUMERIC, settlement_preview_calculated = $9,
		    settlement_confirmed = $10, settled_at = $11,
		    delay_count = $12, updated_at = $13
		 WHERE id = $1`,
		t.marketID, m.BidCloseTradeOpen, m.TradeClose,
		m.FinalLow, m.FinalHigh, m.MarketMaker, m.Status,
		price, m.SettlementPreviewCalculated,
		m.SettlementConfirmed, m.SettledAt,
		m.DelayCount, m.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeleteMarket(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM markets WHERE id = $1`, t.marketID)
	return err
}

func (t *pgTx) InsertBid(ctx context.Context, b *model.SpreadBid) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO spread_bids (id, market_id, bidder, low, high, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, t.marketID, b.Bidder, b.Low, b.High, b.PlacedAt)
	return err
}

func (t *pgTx) Bids(ctx context.Context) ([]model.SpreadBid, error) {
	return listBids(ctx, t.tx, t.marketID)
}

func (t *pgTx) Trades(ctx context.Context) ([]*model.Trade, error) {
	return listTrades(ctx, t.tx, t.marketID, "")
}

func (t *pgTx) TradeFor(ctx context.Context, trader string) (*model.Trade, error) {
	ts, err := listTrades(ctx, t.tx, t.marketID, trader)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: trade for %s on market %s", model.ErrNotFound, trader, t.marketID)
	}
	return ts[0], nil
}

func (t *pgTx) SaveTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, trader, position, price, quantity,
		        settlement_amount, profit_loss, is_settled, settled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		    position = EXCLUDED.position, price = EXCLUDED.price, quantity = EXCLUDED.quantity,
		    settlement_amount = EXCLUDED.settlement_amount, profit_loss = EXCLUDED.profit_loss,
		    is_settled = EXCLUDED.is_settled, settled_at = EXCLUDED.settled_at,
		    updated_at = EXCLUDED.updated_at`,
		tr.ID, t.marketID, tr.Trader, tr.Position, tr.Price.String(), tr.Quantity,
		decimalPtr(tr.SettlementAmount), decimalPtr(tr.ProfitLoss), tr.IsSettled, tr.SettledAt,
		tr.CreatedAt, tr.UpdatedAt,
	)
	return classify(err, "save trade %s", tr.ID)
}

func (t *pgTx) DeleteTrade(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM trades WHERE id = $1 AND market_id = $2`, id, t.marketID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trade %s", model.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) User(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "get user %s", id)
	}
	return u, nil
}

func (t *pgTx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal string
	err := t.tx.QueryRow(ctx, `SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&bal)
	if err != nil {
		return decimal.Zero, classify(err, "balance %s", userID)
	}
	return decimal.NewFromString(bal)
}

func (t *pgTx) ApplyDelta(ctx context.Context, e model.BalanceEntry) (model.BalanceEntry, error) {
	var bal string
	err := t.tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1 RETURNING balance::TEXT`,
		e.UserID, e.Amount.String()).Scan(&bal)
	if err != nil {
		return model.BalanceEntry{}, classify(err, "apply delta to %s", e.UserID)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Balance, _ = decimal.NewFromString(bal)
	if err := insertEntry(ctx, t.tx, e); err != nil {
		return model.BalanceEntry{}, err
	}
	return e, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func listBids(ctx context.Context, q querier, marketID string) ([]model.SpreadBid, error) {
	rows, err := q.Query(ctx,
		`SELECT id, market_id, bidder, low, high, placed_at
		 FROM spread_bids WHERE market_id = $1 ORDER BY placed_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.SpreadBid
	for rows.Next() {
		var b model.SpreadBid
		if err := rows.Scan(&b.ID, &b.MarketID, &b.Bidder, &b.Low, &b.High, &b.PlacedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func listTrades(ctx context.Context, q querier, marketID, trader string) ([]*model.Trade, error) {
	sql := `SELECT ` + tradeColumns + ` FROM trades WHERE market_id = $1`
	args := []any{marketID}
	if trader != "" {
		sql += ` AND trader = $2`
		args = append(args, trader)
	}
	rows, err := q.Query(ctx, sql+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var (
		m               model.Market
		unitPrice       string
		settlementPrice *string
	)
	err := row.Scan(&m.ID, &m.Premise, &unitPrice, &m.InitialSpread, &m.CreatedBy,
		&m.BidOpen, &m.BidCloseTradeOpen, &m.TradeClose,
		&m.FinalLow, &m.FinalHigh, &m.MarketMaker, &m.Status,
		&settlementPrice, &m.SettlementPreviewCalculated, &m.SettlementConfirmed, &m.SettledAt,
		&m.DelayCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.UnitPrice, _ = decimal.NewFromString(unitPrice)
	m.SettlementPrice = parseDecimalPtr(settlementPrice)
	return &m, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var (
		t                  model.Trade
		price              string
		amount, profitLoss *string
	)
	err := row.Scan(&t.ID, &t.MarketID, &t.Trader, &t.Position, &price, &t.Quantity,
		&amount, &profitLoss, &t.IsSettled, &t.SettledAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Price, _ = decimal.NewFromString(price)
	t.SettlementAmount = parseDecimalPtr(amount)
	t.ProfitLoss = parseDecimalPtr(profitLoss)
	return &t, nil
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u   model.User
		bal string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.IsVerified, &u.IsAdmin, &bal, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Balance, _ = decimal.NewFromString(bal)
	return &u, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e model.BalanceEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO balance_entries (id, user_id, market_id, amount, reason, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7)`,
		e.ID, e.UserID, e.MarketID, e.Amount.String(), e.Reason, e.Balance.String(), e.CreatedAt)
	return err
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// classify maps driver errors onto the domain sentinels.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s: %s", model.ErrConcurrencyConflict, what, pgErr.Message)
		case "23505", "23503", "23514": // unique, foreign key, check violation
			return fmt.Errorf("%w: %s: %s", model.ErrValidation, what, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
