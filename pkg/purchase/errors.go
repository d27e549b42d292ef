package purchase

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("transaction not found")
	ErrInvalidTransition     = errors.New("illegal transaction state transition")
	ErrSpendingLimitExceeded = errors.New("spending limit exceeded")
	ErrApprovalExpired       = errors.New("approval window expired")
	ErrPaymentFailed         = errors.New("payment failed")
	ErrProductUnavailable    = errors.New("product not available")
	ErrAgeRestricted         = errors.New("product not allowed for child's age")
	ErrInvalidChildID        = errors.New("child id must not be empty")
	ErrInvalidProductID      = errors.New("product id must not be empty")
	ErrInvalidTransactionID  = errors.New("transaction id must not be empty")
	ErrInvalidPaymentMethod  = errors.New("unknown payment method")
	ErrInvalidServiceConfig  = errors.New("invalid service configuration")
)

// OperationError annotates a failure with the workflow operation and the
// transaction it concerned while preserving the sentinel for errors.Is.
type OperationError struct {
	Operation string
	Subject   string
	Code      string
	Err       error
}

func (operationError *OperationError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", operationError.Operation, operationError.Subject, operationError.Code, operationError.Err)
}

func (operationError *OperationError) Unwrap() error {
	return operationError.Err
}

func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Subject: subject, Code: code, Err: err}
}
