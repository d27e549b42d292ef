package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

const (
	defaultApprovalWindow = 7 * 24 * time.Hour
	defaultChargeTimeout  = 10 * time.Second
	expireBatchSize       = 100
)

// Service drives purchase transactions through the approval state machine.
type Service struct {
	store          Store
	wallet         *wallet.Service
	catalog        Catalog
	families       Families
	processor      PaymentProcessor
	notifier       Notifier
	nowFn          func() int64
	logger         OperationLogger
	approvalWindow time.Duration
	chargeTimeout  time.Duration
}

// NewService wires a Service. The processor and notifier are optional: a
// deployment without real-money purchases needs neither.
func NewService(store Store, walletService *wallet.Service, catalog Catalog, families Families, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if walletService == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if families == nil {
		return nil, fmt.Errorf("%w: families dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		wallet:         walletService,
		catalog:        catalog,
		families:       families,
		nowFn:          now,
		approvalWindow: defaultApprovalWindow,
		chargeTimeout:  defaultChargeTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithProcessor wires the external real-money processor.
func WithProcessor(processor PaymentProcessor) ServiceOption {
	return func(service *Service) {
		service.processor = processor
	}
}

// WithNotifier wires the fire-and-forget notification sink.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// Initiate validates the product and the family's spending controls, then
// creates the transaction classified as auto-approved or awaiting approval.
// A spending-limit rejection leaves no transaction row behind.
func (service *Service) Initiate(ctx context.Context, childID ChildID, productID ProductID, method PaymentMethod) (Transaction, error) {
	var transaction Transaction
	operationError := func() error {
		if _, err := NewPaymentMethod(string(method)); err != nil {
			return WrapError(operationInitiate, "method", "invalid", err)
		}
		product, err := service.catalog.Product(ctx, productID)
		if err != nil {
			return WrapError(operationInitiate, "product", "lookup", err)
		}
		now := service.nowFn()
		if err := checkAvailability(product, now); err != nil {
			return WrapError(operationInitiate, "product", "unavailable", err)
		}
		profile, err := service.families.ChildProfile(ctx, childID)
		if err != nil {
			return WrapError(operationInitiate, "child", "lookup", err)
		}
		if err := checkAge(product, profile); err != nil {
			return WrapError(operationInitiate, "child", "age", err)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := service.checkSpendingLimits(ctx, transactionStore, childID, product, profile.Limits, now); err != nil {
				return err
			}
			transactionID, err := NewTransactionID(uuid.NewString())
			if err != nil {
				return err
			}
			transaction = Transaction{
				TransactionID:  transactionID,
				ChildID:        childID,
				ProductID:      productID,
				Category:       product.Category,
				CurrencyID:     product.CurrencyID,
				PriceAmount:    product.PriceAmount,
				PriceCents:     product.PriceCents,
				Method:         method,
				Status:         StatusPending,
				CreatedUnixUTC: now,
			}
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			transaction.Status = classify(product, profile, method)
			return transactionStore.UpdateTransaction(ctx, transaction, StatusPending)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationInitiate,
		TransactionID: transaction.TransactionID,
		ChildID:       childID,
		ProductID:     productID,
		ToStatus:      transaction.Status,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	if transaction.Status == StatusAwaitingApproval && service.notifier != nil {
		service.notifier.ApprovalRequested(ctx, transaction)
	}
	return transaction, nil
}

// RecordApproval records the parent's decision. Only legal while the
// transaction awaits approval; denial is terminal with no ledger effect. A
// decision arriving after the approval window expires denies the transaction
// and reports ErrApprovalExpired.
func (service *Service) RecordApproval(ctx context.Context, transactionID TransactionID, approved bool, method PaymentMethod) (Transaction, error) {
	var transaction Transaction
	expired := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if current.Status != StatusAwaitingApproval {
			return WrapError(operationApprove, "transaction", string(current.Status), ErrInvalidTransition)
		}
		now := service.nowFn()
		if service.windowExpired(current, now) {
			expired = true
			transaction, err = service.denyTx(ctx, transactionStore, current, reasonApprovalExpired, now)
			return err
		}
		if method != "" {
			if _, err := NewPaymentMethod(string(method)); err != nil {
				return WrapError(operationApprove, "method", "invalid", err)
			}
			current.Method = method
		}
		if approved {
			current.Status = StatusApproved
		} else {
			current.Status = StatusDenied
		}
		current.ResolvedUnixUTC = now
		if err := transactionStore.UpdateTransaction(ctx, current, StatusAwaitingApproval); err != nil {
			return err
		}
		transaction = current
		return nil
	})
	if operationError == nil && expired {
		operationError = WrapError(operationApprove, "transaction", "expired", ErrApprovalExpired)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationApprove,
		TransactionID: transactionID,
		ChildID:       transaction.ChildID,
		ProductID:     transaction.ProductID,
		ToStatus:      transaction.Status,
		Error:         operationError,
	})
	if operationError != nil && !expired {
		return Transaction{}, operationError
	}
	return transaction, operationError
}

// Complete performs the payment and grants ownership. Only legal from the
// auto-approved or approved states. The virtual-currency debit, the ownership
// grant, and the status change commit as one transaction; a payment failure
// marks the transaction failed with no partial grant. Completing an already
// terminal transaction returns the stored outcome unchanged.
func (service *Service) Complete(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	var transaction Transaction
	var fromStatus Status
	failureReason := ""
	expired := false
	completed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		switch current.Status {
		case StatusCompleted, StatusFailed:
			transaction = current
			return nil
		case StatusAutoApproved, StatusApproved:
		case StatusAwaitingApproval:
			now := service.nowFn()
			if service.windowExpired(current, now) {
				expired = true
				transaction, err = service.denyTx(ctx, transactionStore, current, reasonApprovalExpired, now)
				return err
			}
			return WrapError(operationComplete, "transaction", string(current.Status), ErrInvalidTransition)
		default:
			return WrapError(operationComplete, "transaction", string(current.Status), ErrInvalidTransition)
		}
		fromStatus = current.Status
		now := service.nowFn()
		if current.Method == PaymentVirtual && current.PriceAmount > 0 {
			if err := service.debitWallet(ctx, transactionStore, current); err != nil {
				if errors.Is(err, wallet.ErrInsufficientBalance) {
					failureReason = reasonInsufficientBalance
				}
				return err
			}
		}
		if current.Method == PaymentReal && current.PriceCents > 0 {
			reference, err := service.charge(ctx, current)
			if err != nil {
				failureReason = err.Error()
				return WrapError(operationComplete, "payment", "charge", fmt.Errorf("%w: %v", ErrPaymentFailed, err))
			}
			current.ProcessorRef = reference
		}
		if _, err := transactionStore.GrantOwnership(ctx, current.ChildID, current.ProductID, now); err != nil {
			return err
		}
		current.Status = StatusCompleted
		current.ResolvedUnixUTC = now
		if err := transactionStore.UpdateTransaction(ctx, current, fromStatus); err != nil {
			return err
		}
		transaction = current
		completed = true
		return nil
	})
	if operationError == nil && expired {
		operationError = WrapError(operationComplete, "transaction", "expired", ErrApprovalExpired)
	}
	if operationError != nil && failureReason != "" {
		transaction = service.markFailed(ctx, transactionID, fromStatus, failureReason)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		TransactionID: transactionID,
		ChildID:       transaction.ChildID,
		ProductID:     transaction.ProductID,
		ToStatus:      transaction.Status,
		Error:         operationError,
	})
	if completed && service.notifier != nil {
		service.notifier.PurchaseCompleted(ctx, transaction)
	}
	if operationError != nil {
		return transaction, operationError
	}
	return transaction, nil
}

// ExpireStale denies transactions that have been awaiting approval longer
// than the approval window. It moves no funds and is safe to rerun.
func (service *Service) ExpireStale(ctx context.Context) (int64, error) {
	now := service.nowFn()
	cutoff := now - int64(service.approvalWindow/time.Second)
	stale, err := service.store.ListAwaitingBefore(ctx, cutoff, expireBatchSize)
	if err != nil {
		return 0, WrapError(operationExpire, "transactions", "list", err)
	}
	var denied int64
	for _, candidate := range stale {
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetTransactionForUpdate(ctx, candidate.TransactionID)
			if err != nil {
				return err
			}
			if current.Status != StatusAwaitingApproval {
				return nil
			}
			_, err = service.denyTx(ctx, transactionStore, current, reasonApprovalExpired, now)
			return err
		})
		if err != nil {
			return denied, WrapError(operationExpire, "transaction", candidate.TransactionID.String(), err)
		}
		denied++
	}
	service.logOperation(ctx, OperationLog{Operation: operationExpire})
	return denied, nil
}

// Get returns a transaction by id.
func (service *Service) Get(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// List returns a child's most recent transactions.
func (service *Service) List(ctx context.Context, childID ChildID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, childID, limit)
}

func (service *Service) checkSpendingLimits(ctx context.Context, transactionStore Store, childID ChildID, product Product, limits SpendingLimits, nowUnixUTC int64) error {
	if contains(limits.BlockedCategories, product.Category) {
		return WrapError(operationInitiate, "category", "blocked", ErrSpendingLimitExceeded)
	}
	if len(limits.AllowedCategories) > 0 && !contains(limits.AllowedCategories, product.Category) {
		return WrapError(operationInitiate, "category", "not allowed", ErrSpendingLimitExceeded)
	}
	day := time.Unix(nowUnixUTC, 0).UTC()
	caps := []struct {
		capCents  int64
		sinceUnix int64
		name      string
	}{
		{limits.DailyCapCents, startOfDay(day).Unix(), "daily"},
		{limits.WeeklyCapCents, startOfWeek(day).Unix(), "weekly"},
		{limits.MonthlyCapCents, startOfMonth(day).Unix(), "monthly"},
	}
	for _, window := range caps {
		if window.capCents <= 0 {
			continue
		}
		spent, err := transactionStore.SumSpendCentsSince(ctx, childID, window.sinceUnix)
		if err != nil {
			return err
		}
		if spent+product.PriceCents > window.capCents {
			return WrapError(operationInitiate, "cap", window.name, ErrSpendingLimitExceeded)
		}
	}
	return nil
}

// classify decides the post-initiate state: free products and virtual-currency
// purchases under the family's threshold skip the parent; everything else,
// including any real-money method, waits for approval.
func classify(product Product, profile ChildProfile, method PaymentMethod) Status {
	if product.PriceAmount == 0 && product.PriceCents == 0 {
		return StatusAutoApproved
	}
	if method == PaymentVirtual && product.PriceCents < profile.AutoApproveThresholdCents {
		return StatusAutoApproved
	}
	return StatusAwaitingApproval
}

func (service *Service) windowExpired(transaction Transaction, nowUnixUTC int64) bool {
	return nowUnixUTC-transaction.CreatedUnixUTC > int64(service.approvalWindow/time.Second)
}

func (service *Service) denyTx(ctx context.Context, transactionStore Store, transaction Transaction, reason string, nowUnixUTC int64) (Transaction, error) {
	fromStatus := transaction.Status
	transaction.Status = StatusDenied
	transaction.FailureReason = reason
	transaction.ResolvedUnixUTC = nowUnixUTC
	if err := transactionStore.UpdateTransaction(ctx, transaction, fromStatus); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

func (service *Service) debitWallet(ctx context.Context, transactionStore Store, transaction Transaction) error {
	childID, err := wallet.NewChildID(transaction.ChildID.String())
	if err != nil {
		return err
	}
	currencyID, err := wallet.NewCurrencyID(transaction.CurrencyID)
	if err != nil {
		return err
	}
	amount, err := wallet.NewAmount(transaction.PriceAmount)
	if err != nil {
		return err
	}
	source := wallet.Source{Type: wallet.SourcePurchase, ID: transaction.TransactionID.String()}
	_, err = service.wallet.DebitTx(ctx, transactionStore.Wallet(), childID, currencyID, amount, source)
	return err
}

func (service *Service) charge(ctx context.Context, transaction Transaction) (string, error) {
	if service.processor == nil {
		return "", errors.New("no payment processor configured")
	}
	chargeCtx, cancel := context.WithTimeout(ctx, service.chargeTimeout)
	defer cancel()
	result, err := service.processor.Charge(chargeCtx, transaction.ChildID, transaction.PriceCents, transaction.Method)
	if err != nil {
		return "", err
	}
	return result.Reference, nil
}

// markFailed records a payment failure in its own transaction, after the
// payment attempt rolled back, so the reason survives while no funds moved.
func (service *Service) markFailed(ctx context.Context, transactionID TransactionID, fromStatus Status, reason string) Transaction {
	var failed Transaction
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if current.Status != fromStatus {
			failed = current
			return nil
		}
		current.Status = StatusFailed
		current.FailureReason = reason
		current.ResolvedUnixUTC = service.nowFn()
		if err := transactionStore.UpdateTransaction(ctx, current, fromStatus); err != nil {
			return err
		}
		failed = current
		return nil
	})
	if err != nil {
		return Transaction{TransactionID: transactionID}
	}
	return failed
}

func checkAvailability(product Product, nowUnixUTC int64) error {
	if product.AvailableFromUnixUTC > 0 && nowUnixUTC < product.AvailableFromUnixUTC {
		return ErrProductUnavailable
	}
	if product.AvailableUntilUnixUTC > 0 && nowUnixUTC >= product.AvailableUntilUnixUTC {
		return ErrProductUnavailable
	}
	return nil
}

func checkAge(product Product, profile ChildProfile) error {
	if product.MinAgeYears > 0 && profile.AgeYears < product.MinAgeYears {
		return ErrAgeRestricted
	}
	if product.MaxAgeYears > 0 && profile.AgeYears > product.MaxAgeYears {
		return ErrAgeRestricted
	}
	return nil
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}

func startOfDay(moment time.Time) time.Time {
	return time.Date(moment.Year(), moment.Month(), moment.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfWeek(moment time.Time) time.Time {
	day := startOfDay(moment)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(moment time.Time) time.Time {
	return time.Date(moment.Year(), moment.Month(), 1, 0, 0, 0, 0, time.UTC)
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
