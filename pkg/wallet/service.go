package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Credit appends a positive ledger entry and updates the materialized balance.
func (service *Service) Credit(ctx context.Context, childID ChildID, currencyID CurrencyID, amount Amount, source Source) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		entry, err = service.CreditTx(ctx, transactionStore, childID, currencyID, amount, source)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationCredit,
		ChildID:    childID,
		CurrencyID: currencyID,
		Amount:     amount.Int64(),
		Source:     source,
		Error:      operationError,
	})
	return entry, operationError
}

// CreditTx applies a credit inside an existing transaction so callers can
// bundle it with their own writes (achievement rewards, refunds).
func (service *Service) CreditTx(ctx context.Context, transactionStore Store, childID ChildID, currencyID CurrencyID, amount Amount, source Source) (Entry, error) {
	balance, err := transactionStore.LockBalance(ctx, childID, currencyID)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		EntryID:        uuid.NewString(),
		ChildID:        childID,
		CurrencyID:     currencyID,
		Amount:         amount.Int64(),
		BalanceBefore:  balance.Current,
		BalanceAfter:   balance.Current + amount.Int64(),
		Source:         source,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	updated := Balance{
		Current:        balance.Current + amount.Int64(),
		LifetimeEarned: balance.LifetimeEarned + amount.Int64(),
		LifetimeSpent:  balance.LifetimeSpent,
	}
	if err := transactionStore.SaveBalance(ctx, childID, currencyID, updated); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Debit appends a negative ledger entry if the balance covers the amount.
// A debit that would make the balance negative is rejected with no side effect.
func (service *Service) Debit(ctx context.Context, childID ChildID, currencyID CurrencyID, amount Amount, source Source) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		entry, err = service.DebitTx(ctx, transactionStore, childID, currencyID, amount, source)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationDebit,
		ChildID:    childID,
		CurrencyID: currencyID,
		Amount:     amount.Int64(),
		Source:     source,
		Error:      operationError,
	})
	return entry, operationError
}

// DebitTx applies a debit inside an existing transaction.
func (service *Service) DebitTx(ctx context.Context, transactionStore Store, childID ChildID, currencyID CurrencyID, amount Amount, source Source) (Entry, error) {
	balance, err := transactionStore.LockBalance(ctx, childID, currencyID)
	if err != nil {
		return Entry{}, err
	}
	if balance.Current-amount.Int64() < 0 {
		return Entry{}, ErrInsufficientBalance
	}
	entry := Entry{
		EntryID:        uuid.NewString(),
		ChildID:        childID,
		CurrencyID:     currencyID,
		Amount:         -amount.Int64(),
		BalanceBefore:  balance.Current,
		BalanceAfter:   balance.Current - amount.Int64(),
		Source:         source,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	updated := Balance{
		Current:        balance.Current - amount.Int64(),
		LifetimeEarned: balance.LifetimeEarned,
		LifetimeSpent:  balance.LifetimeSpent + amount.Int64(),
	}
	if err := transactionStore.SaveBalance(ctx, childID, currencyID, updated); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Balance returns the materialized balance for a (child, currency) pair.
// A pair with no ledger history reads as zero.
func (service *Service) Balance(ctx context.Context, childID ChildID, currencyID CurrencyID) (Balance, error) {
	return service.store.GetBalance(ctx, childID, currencyID)
}

// ListEntries lists ledger entries for a child and currency before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, childID ChildID, currencyID CurrencyID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, childID, currencyID, beforeUnixUTC, limit)
}

// Reconcile recomputes the balance from the entry log and compares it with the
// materialized row. Divergence is a correctness bug in the ledger, so it is
// surfaced as ErrBalanceDiverged rather than repaired.
func (service *Service) Reconcile(ctx context.Context, childID ChildID, currencyID CurrencyID) (Reconciliation, error) {
	var report Reconciliation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.LockBalance(ctx, childID, currencyID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumEntries(ctx, childID, currencyID)
		if err != nil {
			return err
		}
		report = Reconciliation{
			LedgerSum:    sum,
			Materialized: balance.Current,
			Consistent:   sum == balance.Current,
		}
		if !report.Consistent {
			return WrapError(operationReconcile, "balance", "diverged", ErrBalanceDiverged)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationReconcile,
		ChildID:    childID,
		CurrencyID: currencyID,
		Error:      operationError,
	})
	return report, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
