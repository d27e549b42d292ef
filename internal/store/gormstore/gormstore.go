package gormstore

import (
	"context"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/playledger/pkg/progress"
	"github.com/MarkoPoloResearchLab/playledger/pkg/purchase"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

const (
	defaultJSON           = "null"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectInstance  = "instance"
	errorSubjectRecord    = "record"
	errorSubjectSession   = "session"
	errorSubjectRollup    = "rollup"
	errorSubjectUnlock    = "unlock"
	errorSubjectDefs      = "definition"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectPurchase  = "transaction"
	errorSubjectOwnership = "ownership"
	errorCodeCreate       = "create"
	errorCodeDelete       = "delete"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSave         = "save"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
	errorCodeUpsert       = "upsert"
)

// Store persists all engine state with GORM. The three domain store
// interfaces are exposed through thin adapters over the same struct, so a
// transaction opened by one of them is shared by all: a data write, an
// achievement unlock, and a wallet credit commit or roll back together.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema. Used for sqlite; postgres schemas are
// managed externally.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(Models()...)
}

// Progress returns the store as seen by the progress service.
func (store *Store) Progress() progress.Store {
	return progressStore{Store: store}
}

// Wallet returns the store as seen by the wallet service.
func (store *Store) Wallet() wallet.Store {
	return walletStore{Store: store}
}

// Purchase returns the store as seen by the purchase service.
func (store *Store) Purchase() purchase.Store {
	return purchaseStore{Store: store}
}

func (store *Store) withTx(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// withLock adds SELECT ... FOR UPDATE on postgres. sqlite has no row locks;
// its single-writer transactions serialize instead.
func (store *Store) withLock(query *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == "sqlite" {
		return query
	}
	return query.Clauses(clause.Locking{Strength: "UPDATE"})
}

type progressStore struct {
	*Store
}

func (adapter progressStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore progress.Store) error) error {
	return adapter.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, progressStore{Store: txStore})
	})
}

func (adapter progressStore) Wallet() wallet.Store {
	return walletStore{Store: adapter.Store}
}

type walletStore struct {
	*Store
}

func (adapter walletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return adapter.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, walletStore{Store: txStore})
	})
}

type purchaseStore struct {
	*Store
}

func (adapter purchaseStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore purchase.Store) error) error {
	return adapter.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, purchaseStore{Store: txStore})
	})
}

func (adapter purchaseStore) Wallet() wallet.Store {
	return walletStore{Store: adapter.Store}
}

type sqlSum struct {
	Total int64
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
