package ledger

const (
	operationGrant  = "grant"
	operationDeduct = "deduct"
	operationRefund = "refund"

	operationStatusOK        = "ok"
	operationStatusDuplicate = "duplicate"
	operationStatusError     = "error"

	defaultHistoryLimit  = 20
	maxHistoryLimit      = 100
	maxDescriptionLength = 256

	refundDescriptionPrefix = "Refund for failed "
)
