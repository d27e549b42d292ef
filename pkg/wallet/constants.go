package wallet

const (
	operationCredit    = "credit"
	operationDebit     = "debit"
	operationReconcile = "reconcile"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
