package progress

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the progress service.
var (
	ErrNotFound             = errors.New("not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrSessionEnded         = errors.New("session already ended")
	ErrInstanceArchived     = errors.New("instance archived")
	ErrInvalidInstanceID    = errors.New("invalid instance id")
	ErrInvalidChildID       = errors.New("invalid child id")
	ErrInvalidGameID        = errors.New("invalid game id")
	ErrInvalidSessionID     = errors.New("invalid session id")
	ErrInvalidDataKey       = errors.New("invalid data key")
	ErrInvalidDataValue     = errors.New("invalid data value")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError annotates a failure with the operation and subject it
// concerned while preserving the sentinel for errors.Is.
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
