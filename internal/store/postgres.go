package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narivals/rivals-ledger/internal/metrics"
	"github.com/narivals/rivals-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every Update runs in a SERIALIZABLE transaction and is retried when
// PostgreSQL aborts it with a serialization failure.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxElapsed time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, maxElapsed: 5 * time.Second}
}

// ConnectPostgres opens and pings a connection pool.
func ConnectPostgres(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

const walletColumns = `user_id, alias, tokens, COALESCE(linked_external_id, ''), created_at`

// pgQuerier is the subset of pgxpool.Pool and pgx.Tx used by the readers.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return pgGetWallet(ctx, s.pool, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
}

func (s *PostgresStore) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	return pgGetWallet(ctx, s.pool, `SELECT `+walletColumns+` FROM wallets WHERE linked_external_id = $1`, externalID)
}

func (s *PostgresStore) GetHoldings(ctx context.Context, userID string) (model.Holdings, error) {
	return pgGetHoldings(ctx, s.pool, `SELECT commodity, shares FROM holdings WHERE user_id = $1`, userID)
}

func (s *PostgresStore) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, unit_value, outstanding_shares FROM commodities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bySymbol := make(map[model.Symbol]model.Commodity)
	for rows.Next() {
		var sym string
		var c model.Commodity
		if err := rows.Scan(&sym, &c.UnitValue, &c.OutstandingShares); err != nil {
			return nil, err
		}
		c.Symbol = model.Symbol(sym)
		bySymbol[c.Symbol] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderCommodities(bySymbol), nil
}

func (s *PostgresStore) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, kind, commodity, quantity, unit_value,
		        token_delta, balance_after, reference, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// Update runs fn in a serializable transaction, retrying on SQLSTATE 40001.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.maxElapsed
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	operation := func() error {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isSerializationError(err) {
			metrics.StoreRetries.WithLabelValues("postgres").Inc()
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTx implements Tx. Reads lock the returned rows with FOR UPDATE.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return pgGetWallet(ctx, t.tx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
}

func (t *pgTx) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	return pgGetWallet(ctx, t.tx,
		`SELECT `+walletColumns+` FROM wallets WHERE linked_external_id = $1 FOR UPDATE`, externalID)
}

func (t *pgTx) PutWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, alias, tokens, linked_external_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET alias = EXCLUDED.alias,
		     tokens = EXCLUDED.tokens,
		     linked_external_id = EXCLUDED.linked_external_id`,
		w.UserID, w.Alias, w.Tokens, w.LinkedExternalID, w.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("external id %s: %w", w.LinkedExternalID, ErrConflict)
	}
	return err
}

func (t *pgTx) GetHoldings(ctx context.Context, userID string) (model.Holdings, error) {
	return pgGetHoldings(ctx, t.tx,
		`SELECT commodity, shares FROM holdings WHERE user_id = $1 FOR UPDATE`, userID)
}

func (t *pgTx) PutHolding(ctx context.Context, h model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (user_id, commodity, shares) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, commodity) DO UPDATE SET shares = EXCLUDED.shares`,
		h.UserID, string(h.Symbol), h.Shares,
	)
	return err
}

func (t *pgTx) GetCommodity(ctx context.Context, symbol model.Symbol) (*model.Commodity, error) {
	c := model.Commodity{Symbol: symbol}
	err := t.tx.QueryRow(ctx,
		`SELECT unit_value, outstanding_shares
		 FROM commodities WHERE symbol = $1 FOR UPDATE`, string(symbol)).
		Scan(&c.UnitValue, &c.OutstandingShares)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("commodity %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commodity %s: %w", symbol, err)
	}
	return &c, nil
}

func (t *pgTx) PutCommodity(ctx context.Context, c *model.Commodity) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE commodities SET unit_value = $2, outstanding_shares = $3 WHERE symbol = $1`,
		string(c.Symbol), c.UnitValue, c.OutstandingShares,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commodity %s: %w", c.Symbol, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (id, user_id, kind, commodity, quantity, unit_value, token_delta, balance_after, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, string(e.Kind), string(e.Symbol), e.Quantity, e.UnitValue,
		e.TokenDelta, e.BalanceAfter, e.Reference, e.CreatedAt,
	)
	return err
}

func pgGetWallet(ctx context.Context, q pgQuerier, query, key string) (*model.Wallet, error) {
	var w model.Wallet
	err := q.QueryRow(ctx, query, key).
		Scan(&w.UserID, &w.Alias, &w.Tokens, &w.LinkedExternalID, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", key, err)
	}
	return &w, nil
}

func pgGetHoldings(ctx context.Context, q pgQuerier, query, userID string) (model.Holdings, error) {
	rows, err := q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := make(model.Holdings)
	for rows.Next() {
		var sym string
		var shares int64
		if err := rows.Scan(&sym, &shares); err != nil {
			return nil, err
		}
		h[model.Symbol(sym)] = shares
	}
	return h, rows.Err()
}

// scanLedgerEntries reads rows into LedgerEntry slices. Shared by the
// PostgreSQL and SQLite stores.
type sqlRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows sqlRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, sym string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &sym, &e.Quantity, &e.UnitValue,
			&e.TokenDelta, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		e.Symbol = model.Symbol(sym)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func orderCommodities(bySymbol map[model.Symbol]model.Commodity) []model.Commodity {
	out := make([]model.Commodity, 0, len(bySymbol))
	for _, sym := range model.Symbols {
		if c, ok := bySymbol[sym]; ok {
			out = append(out, c)
		}
	}
	return out
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
