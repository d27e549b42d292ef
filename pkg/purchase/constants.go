package purchase

const (
	operationInitiate = "initiate"
	operationApprove  = "record_approval"
	operationComplete = "complete"
	operationExpire   = "expire_stale"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonInsufficientBalance = "insufficient balance"
	reasonApprovalExpired     = "approval window expired"
)
