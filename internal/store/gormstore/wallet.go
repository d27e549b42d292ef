package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

// LockBalance row-locks the (child, currency) balance for the rest of the
// transaction, serializing concurrent ledger operations on one child's funds.
// The row is created first if the pair has no history, so the lock is real
// even for a first-ever credit.
func (store *Store) LockBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	seed := WalletBalance{
		ChildID:    childID.String(),
		CurrencyID: currencyID.String(),
		UpdatedAt:  time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil && !isUniqueViolation(err) {
		return wallet.Balance{}, wrapWalletError(errorSubjectBalance, errorCodeCreate, err)
	}
	var model WalletBalance
	err = store.withLock(store.db.WithContext(ctx)).
		Where("child_id = ? AND currency_id = ?", childID.String(), currencyID.String()).
		Take(&model).Error
	if err != nil {
		return wallet.Balance{}, wrapWalletError(errorSubjectBalance, errorCodeGet, err)
	}
	return wallet.Balance{
		Current:        model.Current,
		LifetimeEarned: model.LifetimeEarned,
		LifetimeSpent:  model.LifetimeSpent,
	}, nil
}

func (store *Store) GetBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	var model WalletBalance
	err := store.db.WithContext(ctx).
		Where("child_id = ? AND currency_id = ?", childID.String(), currencyID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// A pair with no history reads as zero.
		return wallet.Balance{}, nil
	}
	if err != nil {
		return wallet.Balance{}, wrapWalletError(errorSubjectBalance, errorCodeGet, err)
	}
	return wallet.Balance{
		Current:        model.Current,
		LifetimeEarned: model.LifetimeEarned,
		LifetimeSpent:  model.LifetimeSpent,
	}, nil
}

func (store *Store) SaveBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, balance wallet.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&WalletBalance{}).
		Where("child_id = ? AND currency_id = ?", childID.String(), currencyID.String()).
		Updates(map[string]interface{}{
			"current":         balance.Current,
			"lifetime_earned": balance.LifetimeEarned,
			"lifetime_spent":  balance.LifetimeSpent,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapWalletError(errorSubjectBalance, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapWalletError(errorSubjectBalance, errorCodeSave, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	model := WalletEntry{
		EntryID:       entry.EntryID,
		ChildID:       entry.ChildID.String(),
		CurrencyID:    entry.CurrencyID.String(),
		Amount:        entry.Amount,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		SourceType:    string(entry.Source.Type),
		SourceID:      entry.Source.ID,
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapWalletError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []WalletEntry
	err := store.db.WithContext(ctx).
		Where("child_id = ? AND currency_id = ? AND created_at < ?", childID.String(), currencyID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapWalletError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapWalletEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&WalletEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("child_id = ? AND currency_id = ?", childID.String(), currencyID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapWalletError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func mapWalletEntry(row WalletEntry) (wallet.Entry, error) {
	childID, err := wallet.NewChildID(row.ChildID)
	if err != nil {
		return wallet.Entry{}, wrapWalletError(errorSubjectEntry, errorCodeInvalid, err)
	}
	currencyID, err := wallet.NewCurrencyID(row.CurrencyID)
	if err != nil {
		return wallet.Entry{}, wrapWalletError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return wallet.Entry{
		EntryID:        row.EntryID,
		ChildID:        childID,
		CurrencyID:     currencyID,
		Amount:         row.Amount,
		BalanceBefore:  row.BalanceBefore,
		BalanceAfter:   row.BalanceAfter,
		Source:         wallet.Source{Type: wallet.SourceType(row.SourceType), ID: row.SourceID},
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func wrapWalletError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}
