package contracts

import "time"

// ResponseType identifies which outbound message a queued pending
// response reconstructs when its client polls. The set is closed.
type ResponseType string

const (
	ResponseForceReport          ResponseType = "FORCE_REPORT"
	ResponseReportAcknowledged   ResponseType = "REPORT_ACKNOWLEDGED"
	ResponseReportRejected       ResponseType = "REPORT_REJECTED"
	ResponseResultUploadDemand   ResponseType = "RESULT_UPLOAD_DEMAND"
	ResponseResultDownloadReady  ResponseType = "RESULT_DOWNLOAD_READY"
	ResponseResultTransferFailed ResponseType = "RESULT_TRANSFER_FAILED"
	ResponseAcceptanceDemand     ResponseType = "ACCEPTANCE_DEMAND"
	ResponseAcceptanceSettled    ResponseType = "ACCEPTANCE_SETTLED"
	ResponseResultsRejected      ResponseType = "RESULTS_REJECTED"
	ResponseVerificationResults  ResponseType = "VERIFICATION_RESULTS"
	ResponsePaymentCommitted     ResponseType = "PAYMENT_COMMITTED"
)

var responseTypes = map[ResponseType]bool{
	ResponseForceReport:          true,
	ResponseReportAcknowledged:   true,
	ResponseReportRejected:       true,
	ResponseResultUploadDemand:   true,
	ResponseResultDownloadReady:  true,
	ResponseResultTransferFailed: true,
	ResponseAcceptanceDemand:     true,
	ResponseAcceptanceSettled:    true,
	ResponseResultsRejected:      true,
	ResponseVerificationResults:  true,
	ResponsePaymentCommitted:     true,
}

// Valid reports whether t is a registered response type.
func (t ResponseType) Valid() bool { return responseTypes[t] }

// PendingResponse is one message queued for delivery to one client.
// Undelivered responses are delivered in creation order, exactly one per
// poll; delivered rows are retained for audit and never re-delivered.
type PendingResponse struct {
	ID           int64        `json:"id"`
	ClientKey    string       `json:"client_key"`
	ResponseType ResponseType `json:"response_type"`
	// SubtaskID is empty for payment-summary notifications, which are
	// not subtask-scoped.
	SubtaskID       string    `json:"subtask_id,omitempty"`
	ProtocolVersion string    `json:"protocol_version"`
	Delivered       bool      `json:"delivered"`
	CreatedAt       time.Time `json:"created_at"`

	// Payment is present when the queued message documents a completed
	// on-chain payment; immutable once written.
	Payment *PaymentInfo `json:"payment,omitempty"`
}

// PaymentInfo documents one completed on-chain payment, attached 1:1 to
// the pending response that announces it.
type PaymentInfo struct {
	AmountPaid       uint64    `json:"amount_paid"`
	RecipientAddress string    `json:"recipient_address"`
	TransactionID    string    `json:"transaction_id"`
	PaymentTimestamp time.Time `json:"payment_ts"`
}
