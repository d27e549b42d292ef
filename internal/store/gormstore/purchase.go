package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/playledger/pkg/purchase"
)

func (store *Store) InsertTransaction(ctx context.Context, transaction purchase.Transaction) error {
	model, err := purchaseModel(transaction)
	if err != nil {
		return err
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapPurchaseError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID purchase.TransactionID) (purchase.Transaction, error) {
	var model PurchaseTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeGet, purchase.ErrNotFound)
	}
	if err != nil {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeGet, err)
	}
	return mapPurchase(model)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID purchase.TransactionID) (purchase.Transaction, error) {
	var model PurchaseTransaction
	err := store.withLock(store.db.WithContext(ctx)).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeGet, purchase.ErrNotFound)
	}
	if err != nil {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeGet, err)
	}
	return mapPurchase(model)
}

// UpdateTransaction persists the transaction only while its stored status
// still equals fromStatus, the guarded-transition idiom that keeps the state
// machine legal under concurrent updates.
func (store *Store) UpdateTransaction(ctx context.Context, transaction purchase.Transaction, fromStatus purchase.Status) error {
	var resolvedAt *time.Time
	if transaction.ResolvedUnixUTC != 0 {
		value := time.Unix(transaction.ResolvedUnixUTC, 0).UTC()
		resolvedAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&PurchaseTransaction{}).
		Where("transaction_id = ? AND status = ?", transaction.TransactionID.String(), string(fromStatus)).
		Updates(map[string]interface{}{
			"method":         string(transaction.Method),
			"status":         string(transaction.Status),
			"failure_reason": transaction.FailureReason,
			"processor_ref":  transaction.ProcessorRef,
			"resolved_at":    resolvedAt,
		})
	if result.Error != nil {
		return wrapPurchaseError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		err := store.db.WithContext(ctx).
			Model(&PurchaseTransaction{}).
			Where("transaction_id = ?", transaction.TransactionID.String()).
			Count(&count).Error
		if err != nil {
			return wrapPurchaseError(errorSubjectPurchase, errorCodeUpdate, err)
		}
		if count == 0 {
			return wrapPurchaseError(errorSubjectPurchase, errorCodeUpdate, purchase.ErrNotFound)
		}
		return wrapPurchaseError(errorSubjectPurchase, errorCodeUpdate, purchase.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, childID purchase.ChildID, limit int) ([]purchase.Transaction, error) {
	var rows []PurchaseTransaction
	err := store.db.WithContext(ctx).
		Where("child_id = ?", childID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapPurchaseError(errorSubjectPurchase, errorCodeList, err)
	}
	return mapPurchases(rows)
}

func (store *Store) ListAwaitingBefore(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]purchase.Transaction, error) {
	before := time.Unix(createdBeforeUnixUTC, 0).UTC()
	var rows []PurchaseTransaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(purchase.StatusAwaitingApproval), before).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapPurchaseError(errorSubjectPurchase, errorCodeList, err)
	}
	return mapPurchases(rows)
}

func (store *Store) SumSpendCentsSince(ctx context.Context, childID purchase.ChildID, sinceUnixUTC int64) (int64, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PurchaseTransaction{}).
		Select("coalesce(sum(price_cents),0) as total").
		Where("child_id = ? AND created_at >= ?", childID.String(), since).
		Where("status not in (?)", []string{string(purchase.StatusDenied), string(purchase.StatusFailed)}).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapPurchaseError(errorSubjectPurchase, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) GrantOwnership(ctx context.Context, childID purchase.ChildID, productID purchase.ProductID, atUnixUTC int64) (bool, error) {
	model := ProductOwnership{
		ChildID:   childID.String(),
		ProductID: productID.String(),
		GrantedAt: time.Unix(atUnixUTC, 0).UTC(),
	}
	// Insert-if-absent: catching the unique violation instead would abort
	// the surrounding postgres transaction.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapPurchaseError(errorSubjectOwnership, errorCodeInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// OwnsProduct reports whether a completed purchase already granted the product.
func (store *Store) OwnsProduct(ctx context.Context, childID purchase.ChildID, productID purchase.ProductID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ProductOwnership{}).
		Where("child_id = ? AND product_id = ?", childID.String(), productID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapPurchaseError(errorSubjectOwnership, errorCodeGet, err)
	}
	return count > 0, nil
}

func purchaseModel(transaction purchase.Transaction) (PurchaseTransaction, error) {
	var resolvedAt *time.Time
	if transaction.ResolvedUnixUTC != 0 {
		value := time.Unix(transaction.ResolvedUnixUTC, 0).UTC()
		resolvedAt = &value
	}
	return PurchaseTransaction{
		TransactionID: transaction.TransactionID.String(),
		ChildID:       transaction.ChildID.String(),
		ProductID:     transaction.ProductID.String(),
		Category:      transaction.Category,
		CurrencyID:    transaction.CurrencyID,
		PriceAmount:   transaction.PriceAmount,
		PriceCents:    transaction.PriceCents,
		Method:        string(transaction.Method),
		Status:        string(transaction.Status),
		FailureReason: transaction.FailureReason,
		ProcessorRef:  transaction.ProcessorRef,
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
		ResolvedAt:    resolvedAt,
	}, nil
}

func mapPurchase(model PurchaseTransaction) (purchase.Transaction, error) {
	transactionID, err := purchase.NewTransactionID(model.TransactionID)
	if err != nil {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	childID, err := purchase.NewChildID(model.ChildID)
	if err != nil {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	productID, err := purchase.NewProductID(model.ProductID)
	if err != nil {
		return purchase.Transaction{}, wrapPurchaseError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchase.Transaction{
		TransactionID:   transactionID,
		ChildID:         childID,
		ProductID:       productID,
		Category:        model.Category,
		CurrencyID:      model.CurrencyID,
		PriceAmount:     model.PriceAmount,
		PriceCents:      model.PriceCents,
		Method:          purchase.PaymentMethod(model.Method),
		Status:          purchase.Status(model.Status),
		FailureReason:   model.FailureReason,
		ProcessorRef:    model.ProcessorRef,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
		ResolvedUnixUTC: timeOrZero(model.ResolvedAt),
	}, nil
}

func mapPurchases(rows []PurchaseTransaction) ([]purchase.Transaction, error) {
	transactions := make([]purchase.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapPurchase(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapPurchaseError(subject string, code string, err error) error {
	return purchase.WrapError(errorOperationStore, subject, code, err)
}
