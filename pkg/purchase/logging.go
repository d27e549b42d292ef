package purchase

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by workflow operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing purchase operation.
type OperationLog struct {
	Operation     string
	TransactionID TransactionID
	ChildID       ChildID
	ProductID     ProductID
	ToStatus      Status
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithApprovalWindow overrides the default seven-day parent-approval window.
func WithApprovalWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		service.approvalWindow = window
	}
}

// WithChargeTimeout bounds the external processor call during Complete.
func WithChargeTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		service.chargeTimeout = timeout
	}
}
