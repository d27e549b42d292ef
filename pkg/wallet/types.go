package wallet

import (
	"context"
	"fmt"
	"strings"
)

// ChildID identifies the owning child account.
type ChildID struct {
	value string
}

// CurrencyID identifies one virtual currency (for example "coins").
type CurrencyID struct {
	value string
}

// Amount is a strictly positive quantity of virtual currency units.
type Amount int64

// SourceType enumerates the origins of balance-affecting events.
type SourceType string

const (
	SourceAchievementReward SourceType = "achievement_reward"
	SourcePurchase          SourceType = "purchase"
	SourceGrant             SourceType = "grant"
	SourceRefund            SourceType = "refund"
)

// Source links a ledger entry to the event that produced it.
type Source struct {
	Type SourceType
	ID   string
}

// Entry is a single immutable line in the ledger. Amount is signed:
// credits are positive, debits negative.
type Entry struct {
	EntryID        string
	ChildID        ChildID
	CurrencyID     CurrencyID
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	Source         Source
	CreatedUnixUTC int64
}

// Balance is the materialized view for one (child, currency) pair.
// Current must always equal the running sum of the associated entries.
type Balance struct {
	Current        int64
	LifetimeEarned int64
	LifetimeSpent  int64
}

// Reconciliation compares the materialized balance against the entry log.
type Reconciliation struct {
	LedgerSum    int64
	Materialized int64
	Consistent   bool
}

// NewChildID validates and normalizes a child id.
func NewChildID(raw string) (ChildID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChildID{}, fmt.Errorf("%w: empty value", ErrInvalidChildID)
	}
	return ChildID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ChildID) String() string {
	return id.value
}

// NewCurrencyID validates and normalizes a currency id.
func NewCurrencyID(raw string) (CurrencyID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CurrencyID{}, fmt.Errorf("%w: empty value", ErrInvalidCurrencyID)
	}
	return CurrencyID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CurrencyID) String() string {
	return id.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewSource validates a source reference.
func NewSource(sourceType SourceType, sourceID string) (Source, error) {
	switch sourceType {
	case SourceAchievementReward, SourcePurchase, SourceGrant, SourceRefund:
	default:
		return Source{}, fmt.Errorf("%w: unknown source type %q", ErrInvalidSource, string(sourceType))
	}
	if strings.TrimSpace(sourceID) == "" {
		return Source{}, fmt.Errorf("%w: empty source id", ErrInvalidSource)
	}
	return Source{Type: sourceType, ID: sourceID}, nil
}

// Store is the persistence contract used by Service. Implementations must
// serialize operations per (child, currency): LockBalance takes a row-level
// lock held until the surrounding transaction commits.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockBalance(ctx context.Context, childID ChildID, currencyID CurrencyID) (Balance, error)
	SaveBalance(ctx context.Context, childID ChildID, currencyID CurrencyID, balance Balance) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, childID ChildID, currencyID CurrencyID, beforeUnixUTC int64, limit int) ([]Entry, error)
	SumEntries(ctx context.Context, childID ChildID, currencyID CurrencyID) (int64, error)
	GetBalance(ctx context.Context, childID ChildID, currencyID CurrencyID) (Balance, error)
}
