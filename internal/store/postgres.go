package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pmarket/settlement-engine/internal/model"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same store methods work inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when this store is scoped to a transaction
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// InitSchema creates the tables if they do not exist yet.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id      TEXT PRIMARY KEY,
			balance NUMERIC NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS markets (
			id            BIGSERIAL PRIMARY KEY,
			title         VARCHAR(255) NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			owner_id      TEXT NOT NULL REFERENCES users(id),
			liquidity     NUMERIC NOT NULL,
			bought_shares NUMERIC[] NOT NULL,
			is_resolved   BOOLEAN NOT NULL DEFAULT FALSE,
			resolution    INTEGER,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS trades (
			id             BIGSERIAL PRIMARY KEY,
			market_id      BIGINT NOT NULL REFERENCES markets(id),
			user_id        TEXT NOT NULL REFERENCES users(id),
			shares_amount  NUMERIC NOT NULL,
			share_index    INTEGER NOT NULL,
			balance_change NUMERIC NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS trades_market_id_idx ON trades (market_id);
		CREATE INDEX IF NOT EXISTS trades_user_id_idx ON trades (user_id);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// mapError translates pgx errors into the store's sentinel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- User operations ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2::NUMERIC)`,
		u.ID, u.Balance.String(),
	)
	return mapError("create user", err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, id, false)
}

func (s *PostgresStore) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, id, true)
}

func (s *PostgresStore) getUser(ctx context.Context, id string, forUpdate bool) (*model.User, error) {
	query := `SELECT id, balance::TEXT FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var u model.User
	var balance string
	if err := s.db.QueryRow(ctx, query, id).Scan(&u.ID, &balance); err != nil {
		return nil, mapError(fmt.Sprintf("get user %s", id), err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) AddToBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, delta.String(),
	)
	if err != nil {
		return mapError("add to balance", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add to balance %s: %w", userID, ErrNotFound)
	}
	return nil
}

// --- Market operations ---

const marketColumns = `id, title, description, owner_id,
	liquidity::TEXT, bought_shares::TEXT[], is_resolved, resolution, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) (int64, error) {
	shares := make([]string, len(m.BoughtShares))
	for i, sh := range m.BoughtShares {
		shares[i] = sh.String()
	}

	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO markets (title, description, owner_id, liquidity, bought_shares, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC[], $6)
		 RETURNING id`,
		m.Title, m.Description, m.OwnerID,
		m.Liquidity.String(), shares, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, mapError("create market", err)
	}
	return id, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return s.getMarket(ctx, id, false)
}

func (s *PostgresStore) GetMarketForUpdate(ctx context.Context, id int64) (*model.Market, error) {
	return s.getMarket(ctx, id, true)
}

func (s *PostgresStore) getMarket(ctx context.Context, id int64, forUpdate bool) (*model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	m, err := scanMarket(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(fmt.Sprintf("get market %d", id), err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapError("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, mapError("list markets", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) AddBoughtShares(ctx context.Context, marketID int64, shareIndex int, delta decimal.Decimal) error {
	// Postgres arrays are 1-indexed.
	tag, err := s.db.Exec(ctx,
		`UPDATE markets
		 SET bought_shares[$2] = bought_shares[$2] + $3::NUMERIC
		 WHERE id = $1`,
		marketID, shareIndex+1, delta.String(),
	)
	if err != nil {
		return mapError("add bought shares", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add bought shares %d: %w", marketID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkResolved(ctx context.Context, marketID int64, resolution *int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET is_resolved = TRUE, resolution = $2 WHERE id = $1`,
		marketID, resolution,
	)
	if err != nil {
		return mapError("mark resolved", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark resolved %d: %w", marketID, ErrNotFound)
	}
	return nil
}

// --- Immutable trade ledger ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO trades (market_id, user_id, shares_amount, share_index, balance_change, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6)
		 RETURNING id`,
		t.MarketID, t.UserID,
		t.SharesAmount.String(), t.ShareIndex, t.BalanceChange.String(),
		t.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, mapError("insert trade", err)
	}
	return id, nil
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID int64) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, user_id, shares_amount::TEXT, share_index, balance_change::TEXT, created_at
		 FROM trades WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, mapError("trades by market", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, user_id, shares_amount::TEXT, share_index, balance_change::TEXT, created_at
		 FROM trades WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, mapError("trades by user", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// --- Transaction scoping ---

// InTx runs fn inside a database transaction. When the store is already
// transaction-scoped, fn joins the ongoing transaction instead of nesting.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{db: tx})
	})
	if err != nil {
		return mapError("tx", err)
	}
	return nil
}

// --- Row scanning helpers ---

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var liquidity string
	var shares []string

	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.OwnerID,
		&liquidity, &shares, &m.IsResolved, &m.Resolution, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.Liquidity, _ = decimal.NewFromString(liquidity)
	m.BoughtShares = make([]decimal.Decimal, len(shares))
	for i, sh := range shares {
		m.BoughtShares[i], _ = decimal.NewFromString(sh)
	}
	return &m, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amountS, changeS string

		if err := rows.Scan(&t.ID, &t.MarketID, &t.UserID,
			&amountS, &t.ShareIndex, &changeS, &t.CreatedAt); err != nil {
			return nil, err
		}

		t.SharesAmount, _ = decimal.NewFromString(amountS)
		t.BalanceChange, _ = decimal.NewFromString(changeS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
