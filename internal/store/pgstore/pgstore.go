// Package pgstore implements the wallet store directly on pgx for postgres
// deployments where the ledger write path bypasses the ORM.
package pgstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

const (
	errorOperationStore = "store"
	errorSubjectBalance = "balance"
	errorSubjectEntry   = "entry"
	errorSubjectTx      = "transaction"
	errorCodeBegin      = "begin"
	errorCodeCommit     = "commit"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeList       = "list"
	errorCodeLock       = "lock"
	errorCodeSave       = "save"
	errorCodeSeed       = "seed"
	errorCodeSum        = "sum"

	sqlSeedBalance = `
		insert into wallet_balances(child_id, currency_id, current, lifetime_earned, lifetime_spent, updated_at)
		values($1, $2, 0, 0, 0, now())
		on conflict (child_id, currency_id) do nothing
	`
	sqlLockBalance = `
		select current, lifetime_earned, lifetime_spent
		from wallet_balances
		where child_id = $1 and currency_id = $2
		for update
	`
	sqlGetBalance = `
		select current, lifetime_earned, lifetime_spent
		from wallet_balances
		where child_id = $1 and currency_id = $2
	`
	sqlSaveBalance = `
		update wallet_balances
		set current = $3, lifetime_earned = $4, lifetime_spent = $5, updated_at = now()
		where child_id = $1 and currency_id = $2
	`
	sqlInsertEntry = `
		insert into wallet_entries(entry_id, child_id, currency_id, amount, balance_before, balance_after, source_type, source_id, created_at)
		values($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9))
	`
	sqlListEntries = `
		select entry_id, child_id, currency_id, amount, balance_before, balance_after, source_type, source_id, created_at
		from wallet_entries
		where child_id = $1 and currency_id = $2 and created_at < to_timestamp($3)
		order by created_at desc
		limit $4
	`
	sqlSumEntries = `
		select coalesce(sum(amount), 0)
		from wallet_entries
		where child_id = $1 and currency_id = $2
	`
)

// querier is the query surface shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements wallet.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) LockBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	return lockBalance(ctx, store.pool, childID, currencyID)
}

func (store *Store) GetBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	return getBalance(ctx, store.pool, childID, currencyID)
}

func (store *Store) SaveBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, balance wallet.Balance) error {
	return saveBalance(ctx, store.pool, childID, currencyID, balance)
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	return insertEntry(ctx, store.pool, entry)
}

func (store *Store) ListEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	return listEntries(ctx, store.pool, childID, currencyID, beforeUnixUTC, limit)
}

func (store *Store) SumEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (int64, error) {
	return sumEntries(ctx, store.pool, childID, currencyID)
}

// WithTx on an open transaction runs the callback against the same
// transaction: nested units of work share one commit.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) LockBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	return lockBalance(ctx, store.tx, childID, currencyID)
}

func (store *TxStore) GetBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	return getBalance(ctx, store.tx, childID, currencyID)
}

func (store *TxStore) SaveBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, balance wallet.Balance) error {
	return saveBalance(ctx, store.tx, childID, currencyID, balance)
}

func (store *TxStore) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	return insertEntry(ctx, store.tx, entry)
}

func (store *TxStore) ListEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	return listEntries(ctx, store.tx, childID, currencyID, beforeUnixUTC, limit)
}

func (store *TxStore) SumEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (int64, error) {
	return sumEntries(ctx, store.tx, childID, currencyID)
}

func lockBalance(ctx context.Context, q querier, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	// Seed the row first so the lock exists for a child's first-ever credit.
	if _, err := q.Exec(ctx, sqlSeedBalance, childID.String(), currencyID.String()); err != nil {
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeSeed, err)
	}
	var balance wallet.Balance
	err := q.QueryRow(ctx, sqlLockBalance, childID.String(), currencyID.String()).
		Scan(&balance.Current, &balance.LifetimeEarned, &balance.LifetimeSpent)
	if err != nil {
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return balance, nil
}

func getBalance(ctx context.Context, q querier, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	var balance wallet.Balance
	err := q.QueryRow(ctx, sqlGetBalance, childID.String(), currencyID.String()).
		Scan(&balance.Current, &balance.LifetimeEarned, &balance.LifetimeSpent)
	if err == pgx.ErrNoRows {
		return wallet.Balance{}, nil
	}
	if err != nil {
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func saveBalance(ctx context.Context, q querier, childID wallet.ChildID, currencyID wallet.CurrencyID, balance wallet.Balance) error {
	tag, err := q.Exec(ctx, sqlSaveBalance,
		childID.String(),
		currencyID.String(),
		balance.Current,
		balance.LifetimeEarned,
		balance.LifetimeSpent,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, pgx.ErrNoRows)
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, entry wallet.Entry) error {
	entryID := entry.EntryID
	if entryID == "" {
		entryID = uuid.NewString()
	}
	_, err := q.Exec(ctx, sqlInsertEntry,
		entryID,
		entry.ChildID.String(),
		entry.CurrencyID.String(),
		entry.Amount,
		entry.BalanceBefore,
		entry.BalanceAfter,
		string(entry.Source.Type),
		entry.Source.ID,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func listEntries(ctx context.Context, q querier, childID wallet.ChildID, currencyID wallet.CurrencyID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = time.Now().UTC().Unix() + 1
	}
	rows, err := q.Query(ctx, sqlListEntries, childID.String(), currencyID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func sumEntries(ctx context.Context, q querier, childID wallet.ChildID, currencyID wallet.CurrencyID) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, sqlSumEntries, childID.String(), currencyID.String()).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum, nil
}

func scanEntries(rows pgx.Rows) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue    string
			childIDValue    string
			currencyIDValue string
			amount          int64
			balanceBefore   int64
			balanceAfter    int64
			sourceType      string
			sourceID        string
			createdAt       time.Time
		)
		if err := rows.Scan(
			&entryIDValue,
			&childIDValue,
			&currencyIDValue,
			&amount,
			&balanceBefore,
			&balanceAfter,
			&sourceType,
			&sourceID,
			&createdAt,
		); err != nil {
			return nil, err
		}
		childID, err := wallet.NewChildID(childIDValue)
		if err != nil {
			return nil, err
		}
		currencyID, err := wallet.NewCurrencyID(currencyIDValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, wallet.Entry{
			EntryID:        entryIDValue,
			ChildID:        childID,
			CurrencyID:     currencyID,
			Amount:         amount,
			BalanceBefore:  balanceBefore,
			BalanceAfter:   balanceAfter,
			Source:         wallet.Source{Type: wallet.SourceType(sourceType), ID: sourceID},
			CreatedUnixUTC: createdAt.UTC().Unix(),
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}
