package relay

// RefundRequest is the body of POST /relay-refund.
type RefundRequest struct {
	EscrowAddress     string `json:"escrowAddress"`
	RequestCommitment string `json:"requestCommitment"`
	Amount            string `json:"amount"`
	Client            string `json:"client"`
	Deadline          int64  `json:"deadline"`
	ClientSignature   string `json:"clientSignature"`
	ServerSignature   string `json:"serverSignature"`
}

// TimeoutRequest is the body of POST /relay-timeout-refund.
type TimeoutRequest struct {
	EscrowAddress     string `json:"escrowAddress"`
	RequestCommitment string `json:"requestCommitment"`
	ClientSignature   string `json:"clientSignature"`
}

// Response is returned by both relay endpoints.
type Response struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     string `json:"gasUsed,omitempty"`
	GasCost     string `json:"gasCost,omitempty"`
	Elapsed     string `json:"elapsed,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TimeLeft    *int64 `json:"timeLeft,omitempty"`
}

// Rejection reasons.
const (
	ReasonMissingFields    = "missing_fields"
	ReasonInvalidField     = "invalid_field"
	ReasonUnknownEscrow    = "unknown_escrow"
	ReasonExpired          = "signature_expired"
	ReasonAlreadySettled   = "already_settled"
	ReasonBadClientSig     = "invalid_client_signature"
	ReasonBadProviderSig   = "invalid_provider_signature"
	ReasonEstimateFailed   = "gas_estimate_failed"
	ReasonNotExpired       = "not_expired"
	ReasonSubmissionFailed = "submission_failed"
	ReasonLookupFailed     = "lookup_failed"
	ReasonNotFound         = "payment_not_found"
)
