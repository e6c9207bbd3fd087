// Package sqlite provides a SQLite-backed auction and ledger store.
//
// Auction records and account balances live in one database so that a close can flip
// the ended flag, move the winning bid and destroy the record in one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/storage"
	"github.com/cloudx-io/timedauction/storage/sqlite/migrations"
)

// Store persists auctions and balances in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes every transition against the database.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Atomic runs fn inside one immediate transaction.
// fn must only use the Tx it is given; the store holds a single connection.
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&tx{sqlTx: sqlTx, now: s.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetAuction returns the committed record at addr.
func (s *Store) GetAuction(ctx context.Context, addr core.Address) (*core.Auction, error) {
	return getAuction(ctx, s.sqlDB, addr)
}

// Balance returns the committed balance of id. Unknown identities hold zero.
func (s *Store) Balance(ctx context.Context, id core.Identity) (decimal.Decimal, error) {
	return getBalance(ctx, s.sqlDB, id)
}

// Deposit credits amount to id outside of any auction.
func (s *Store) Deposit(ctx context.Context, id core.Identity, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return storage.ErrInvalidAmount
	}
	return s.Atomic(ctx, func(t storage.Tx) error {
		return t.(*tx).credit(ctx, id, amount)
	})
}

// Transfers lists the most recent transfers paid or received by id.
func (s *Store) Transfers(ctx context.Context, id core.Identity, limit int) ([]storage.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, from_identity, to_identity, amount, memo, created_at
		   FROM transfers
		  WHERE from_identity = ? OR to_identity = ?
		  ORDER BY created_at DESC, id
		  LIMIT ?`,
		string(id), string(id), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]storage.Transfer, 0)
	for rows.Next() {
		var (
			tr        storage.Transfer
			from, to  string
			amount    string
			createdAt int64
		)
		if err := rows.Scan(&tr.ID, &from, &to, &amount, &tr.Memo, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		tr.From = core.Identity(from)
		tr.To = core.Identity(to)
		tr.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse transfer amount %q: %w", amount, err)
		}
		tr.CreatedAt = fromMillis(createdAt)
		transfers = append(transfers, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return transfers, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAuction(ctx context.Context, q queryer, addr core.Address) (*core.Auction, error) {
	var record []byte
	err := q.QueryRowContext(ctx, `SELECT record FROM auctions WHERE address = ?`, string(addr)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auction: %w", err)
	}
	return core.DecodeAuction(record)
}

func getBalance(ctx context.Context, q queryer, id core.Identity) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE identity = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return balance, nil
}

// tx implements storage.Tx over one SQL transaction.
type tx struct {
	sqlTx *sql.Tx
	now   func() time.Time
}

func (t *tx) CreateAuction(ctx context.Context, addr core.Address, a *core.Auction) error {
	record, err := core.EncodeAuction(a)
	if err != nil {
		return err
	}
	now := toMillis(t.now())
	_, err = t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO auctions (address, name, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(addr), a.Name, record, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAuctionExists
		}
		return fmt.Errorf("create auction: %w", err)
	}
	return nil
}

func (t *tx) GetAuction(ctx context.Context, addr core.Address) (*core.Auction, error) {
	return getAuction(ctx, t.sqlTx, addr)
}

func (t *tx) UpdateAuction(ctx context.Context, addr core.Address, a *core.Auction) error {
	record, err := core.EncodeAuction(a)
	if err != nil {
		return err
	}
	result, err := t.sqlTx.ExecContext(
		ctx,
		`UPDATE auctions SET record = ?, updated_at = ? WHERE address = ?`,
		record, toMillis(t.now()), string(addr),
	)
	if err != nil {
		return fmt.Errorf("update auction: %w", err)
	}
	return requireRow(result, "update auction")
}

func (t *tx) DeleteAuction(ctx context.Context, addr core.Address) error {
	result, err := t.sqlTx.ExecContext(ctx, `DELETE FROM auctions WHERE address = ?`, string(addr))
	if err != nil {
		return fmt.Errorf("delete auction: %w", err)
	}
	return requireRow(result, "delete auction")
}

func (t *tx) Transfer(ctx context.Context, from, to core.Identity, amount decimal.Decimal, memo string) (*storage.Transfer, error) {
	if !amount.IsPositive() {
		return nil, storage.ErrInvalidAmount
	}

	fromBalance, err := getBalance(ctx, t.sqlTx, from)
	if err != nil {
		return nil, err
	}
	if fromBalance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, need %s", storage.ErrInsufficientFunds, fromBalance, amount)
	}
	now := t.now()
	if err := t.setBalance(ctx, from, fromBalance.Sub(amount), now); err != nil {
		return nil, err
	}
	if err := t.credit(ctx, to, amount); err != nil {
		return nil, err
	}

	transfer := &storage.Transfer{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: fromMillis(toMillis(now)),
	}
	_, err = t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO transfers (id, from_identity, to_identity, amount, memo, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		transfer.ID, string(from), string(to), amount.String(), memo, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("record transfer: %w", err)
	}
	return transfer, nil
}

func (t *tx) ConsumeRequest(ctx context.Context, key storage.RequestKey) error {
	_, err := t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO consumed_requests (op, address, started_at, amount, consumed_at) VALUES (?, ?, ?, ?, ?)`,
		key.Op, string(key.Address), key.StartedAt, int64(key.Amount), toMillis(t.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrRequestReplayed
		}
		return fmt.Errorf("consume request: %w", err)
	}
	return nil
}

func (t *tx) credit(ctx context.Context, id core.Identity, amount decimal.Decimal) error {
	balance, err := getBalance(ctx, t.sqlTx, id)
	if err != nil {
		return err
	}
	return t.setBalance(ctx, id, balance.Add(amount), t.now())
}

func (t *tx) setBalance(ctx context.Context, id core.Identity, balance decimal.Decimal, now time.Time) error {
	_, err := t.sqlTx.ExecContext(
		ctx,
		`INSERT INTO accounts (identity, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		string(id), balance.String(), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if rows == 0 {
		return storage.ErrAuctionNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// applyMigrations executes the Up section of every embedded migration once, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUpMigration(string(content))

		sqlTx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := sqlTx.Exec(upSQL); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := sqlTx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, toMillis(time.Now())); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func extractUpMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, down)
	if downIdx == -1 {
		return content[upIdx+len(up):]
	}
	return content[upIdx+len(up) : downIdx]
}

var _ storage.Store = (*Store)(nil)
