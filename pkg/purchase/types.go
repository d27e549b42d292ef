package purchase

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

// ChildID identifies the child the purchase is made for.
type ChildID struct {
	value string
}

func NewChildID(raw string) (ChildID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChildID{}, ErrInvalidChildID
	}
	return ChildID{value: trimmed}, nil
}

func (childID ChildID) String() string {
	return childID.value
}

// ProductID identifies a catalog product.
type ProductID struct {
	value string
}

func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, ErrInvalidProductID
	}
	return ProductID{value: trimmed}, nil
}

func (productID ProductID) String() string {
	return productID.value
}

// TransactionID identifies a purchase transaction.
type TransactionID struct {
	value string
}

func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, ErrInvalidTransactionID
	}
	return TransactionID{value: trimmed}, nil
}

func (transactionID TransactionID) String() string {
	return transactionID.value
}

// PaymentMethod selects how a purchase is paid for.
type PaymentMethod string

const (
	// PaymentVirtual debits the child's earned-currency wallet.
	PaymentVirtual PaymentMethod = "virtual"
	// PaymentReal charges an external real-money processor.
	PaymentReal PaymentMethod = "real"
)

func NewPaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(raw) {
	case PaymentVirtual, PaymentReal:
		return PaymentMethod(raw), nil
	default:
		return "", ErrInvalidPaymentMethod
	}
}

// Status is the lifecycle state of a purchase transaction.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAutoApproved     Status = "auto_approved"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusDenied           Status = "denied"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether no further transition is legal from the status.
func (status Status) Terminal() bool {
	switch status {
	case StatusDenied, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Product describes a purchasable catalog item. PriceCents is the product's
// monetary value and is what spending caps meter; PriceAmount is the price in
// the named virtual currency when the product can be paid with earned funds.
type Product struct {
	ProductID             ProductID
	Category              string
	CurrencyID            string
	PriceAmount           int64
	PriceCents            int64
	AvailableFromUnixUTC  int64
	AvailableUntilUnixUTC int64
	MinAgeYears           int64
	MaxAgeYears           int64
}

// SpendingLimits are the family's parental spending controls. Zero caps mean
// unlimited; an empty allow list permits every category.
type SpendingLimits struct {
	DailyCapCents     int64
	WeeklyCapCents    int64
	MonthlyCapCents   int64
	AllowedCategories []string
	BlockedCategories []string
}

// ChildProfile is the family-service view of a child used by the workflow.
type ChildProfile struct {
	FamilyID                  string
	AgeYears                  int64
	Limits                    SpendingLimits
	AutoApproveThresholdCents int64
}

// Transaction is a purchase moving through the approval state machine.
type Transaction struct {
	TransactionID   TransactionID
	ChildID         ChildID
	ProductID       ProductID
	Category        string
	CurrencyID      string
	PriceAmount     int64
	PriceCents      int64
	Method          PaymentMethod
	Status          Status
	FailureReason   string
	ProcessorRef    string
	CreatedUnixUTC  int64
	ResolvedUnixUTC int64
}

// ProcessorResult is the outcome of a real-money charge.
type ProcessorResult struct {
	Reference string
}

// Catalog resolves products. Implemented by the content service.
type Catalog interface {
	Product(ctx context.Context, productID ProductID) (Product, error)
}

// Families resolves a child's age and parental spending controls.
type Families interface {
	ChildProfile(ctx context.Context, childID ChildID) (ChildProfile, error)
}

// PaymentProcessor charges real-money payment methods. Only Complete calls it.
type PaymentProcessor interface {
	Charge(ctx context.Context, childID ChildID, amountCents int64, method PaymentMethod) (ProcessorResult, error)
}

// Notifier delivers fire-and-forget workflow notifications. Failures are
// logged and never affect the transaction.
type Notifier interface {
	ApprovalRequested(ctx context.Context, transaction Transaction)
	PurchaseCompleted(ctx context.Context, transaction Transaction)
}

// Store is the persistence port for the purchase workflow.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, transactionID TransactionID) (Transaction, error)
	// UpdateTransaction persists the transaction only if its stored status
	// still equals fromStatus, otherwise ErrInvalidTransition.
	UpdateTransaction(ctx context.Context, transaction Transaction, fromStatus Status) error
	ListTransactions(ctx context.Context, childID ChildID, limit int) ([]Transaction, error)
	ListAwaitingBefore(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Transaction, error)
	// SumSpendCentsSince totals the monetary value of the child's purchases
	// created at or after the given instant, excluding denied and failed ones.
	SumSpendCentsSince(ctx context.Context, childID ChildID, sinceUnixUTC int64) (int64, error)
	GrantOwnership(ctx context.Context, childID ChildID, productID ProductID, atUnixUTC int64) (bool, error)
	// Wallet returns a wallet store bound to the same transaction, so a
	// virtual-currency debit commits atomically with the status change.
	Wallet() wallet.Store
}
