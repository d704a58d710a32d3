package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/narivals/rivals-ledger/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. The pool is capped at
// one connection so every Update holds the only writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL mode
// and the ledger schema. ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		dsn = abs
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id            TEXT PRIMARY KEY,
			alias              TEXT NOT NULL DEFAULT '',
			tokens             INTEGER NOT NULL,
			linked_external_id TEXT UNIQUE,
			created_at         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commodities (
			symbol             TEXT PRIMARY KEY,
			unit_value         INTEGER NOT NULL CHECK (unit_value >= 1),
			outstanding_shares INTEGER NOT NULL DEFAULT 0 CHECK (outstanding_shares >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS holdings (
			user_id   TEXT NOT NULL REFERENCES wallets (user_id),
			commodity TEXT NOT NULL REFERENCES commodities (symbol),
			shares    INTEGER NOT NULL DEFAULT 0 CHECK (shares >= 0),
			PRIMARY KEY (user_id, commodity)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL DEFAULT '',
			kind          TEXT NOT NULL,
			commodity     TEXT NOT NULL DEFAULT '',
			quantity      INTEGER NOT NULL DEFAULT 0,
			unit_value    INTEGER NOT NULL DEFAULT 0,
			token_delta   INTEGER NOT NULL DEFAULT 0,
			balance_after INTEGER NOT NULL DEFAULT 0,
			reference     TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries (user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}

	for _, c := range model.SeedCommodities() {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO commodities (symbol, unit_value, outstanding_shares) VALUES (?, ?, ?)`,
			string(c.Symbol), c.UnitValue, c.OutstandingShares,
		); err != nil {
			return fmt.Errorf("seed commodity %s: %w", c.Symbol, err)
		}
	}
	return nil
}

// sqlQuerier is the subset of *sql.DB and *sql.Tx used by the readers.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return sqliteGetWallet(ctx, s.db, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
}

func (s *SQLiteStore) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	return sqliteGetWallet(ctx, s.db, `SELECT `+walletColumns+` FROM wallets WHERE linked_external_id = ?`, externalID)
}

func (s *SQLiteStore) GetHoldings(ctx context.Context, userID string) (model.Holdings, error) {
	return sqliteGetHoldings(ctx, s.db, userID)
}

func (s *SQLiteStore) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *SQLiteStore) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, commodity, quantity, unit_value,
		        token_delta, balance_after, reference, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(&unixTimeRows{rows: rows})
}

// Update runs fn inside a transaction on the single connection.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return sqliteGetWallet(ctx, t.tx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
}

func (t *sqliteTx) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	return sqliteGetWallet(ctx, t.tx, `SELECT `+walletColumns+` FROM wallets WHERE linked_external_id = ?`, externalID)
}

func (t *sqliteTx) PutWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, alias, tokens, linked_external_id, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET alias = excluded.alias,
		     tokens = excluded.tokens,
		     linked_external_id = excluded.linked_external_id`,
		w.UserID, w.Alias, w.Tokens, w.LinkedExternalID, w.CreatedAt.UnixNano(),
	)
	if isSQLiteUniqueViolation(err) {
		return fmt.Errorf("external id %s: %w", w.LinkedExternalID, ErrConflict)
	}
	return err
}

func (t *sqliteTx) GetHoldings(ctx context.Context, userID string) (model.Holdings, error) {
	return sqliteGetHoldings(ctx, t.tx, userID)
}

func (t *sqliteTx) PutHolding(ctx context.Context, h model.Holding) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO holdings (user_id, commodity, shares) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, commodity) DO UPDATE SET shares = excluded.shares`,
		h.UserID, string(h.Symbol), h.Shares,
	)
	return err
}

func (t *sqliteTx) GetCommodity(ctx context.Context, symbol model.Symbol) (*model.Commodity, error) {
	c := model.Commodity{Symbol: symbol}
	err := t.tx.QueryRowContext(ctx,
		`SELECT unit_value, outstanding_shares FROM commodities WHERE symbol = ?`, string(symbol)).
		Scan(&c.UnitValue, &c.OutstandingShares)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commodity %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commodity %s: %w", symbol, err)
	}
	return &c, nil
}

func (t *sqliteTx) PutCommodity(ctx context.Context, c *model.Commodity) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE commodities SET unit_value = ?, outstanding_shares = ? WHERE symbol = ?`,
		c.UnitValue, c.OutstandingShares, string(c.Symbol),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commodity %s: %w", c.Symbol, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger_entries
		   (id, user_id, kind, commodity, quantity, unit_value, token_delta, balance_after, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Kind), string(e.Symbol), e.Quantity, e.UnitValue,
		e.TokenDelta, e.BalanceAfter, e.Reference, e.CreatedAt.UnixNano(),
	)
	return err
}

func sqliteGetWallet(ctx context.Context, q sqlQuerier, query, key string) (*model.Wallet, error) {
	var w model.Wallet
	var created int64
	err := q.QueryRowContext(ctx, query, key).
		Scan(&w.UserID, &w.Alias, &w.Tokens, &w.LinkedExternalID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", key, err)
	}
	w.CreatedAt = time.Unix(0, created).UTC()
	return &w, nil
}

func sqliteGetHoldings(ctx context.Context, q sqlQuerier, userID string) (model.Holdings, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT commodity, shares FROM holdings WHERE user_id = ?`, userID)
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

// unixTimeRows adapts the INTEGER created_at column to scanLedgerEntries,
// which expects a time.Time destination in the last position.
type unixTimeRows struct {
	rows *sql.Rows
}

func (r *unixTimeRows) Next() bool { return r.rows.Next() }
func (r *unixTimeRows) Err() error { return r.rows.Err() }

func (r *unixTimeRows) Scan(dest ...interface{}) error {
	last := len(dest) - 1
	ts, ok := dest[last].(*time.Time)
	if !ok {
		return r.rows.Scan(dest...)
	}
	var nanos int64
	dest[last] = &nanos
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	*ts = time.Unix(0, nanos).UTC()
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
