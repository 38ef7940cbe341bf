// Package refund issues provider-signed refund authorizations and redeems
// them against the bonded escrow, directly or through the relay.
package refund

// Authorization is the refund bundle carried in a failure response.
type Authorization struct {
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// FailureResponse is what a paid endpoint returns, with HTTP 200, when it
// settled the payment but could not deliver. Refund is nil when the server
// could not determine the paid amount.
type FailureResponse struct {
	Success           bool           `json:"success"`
	Code              string         `json:"code"`
	Message           string         `json:"message"`
	RequestCommitment string         `json:"requestCommitment"`
	Refund            *Authorization `json:"refund,omitempty"`
}

// Failure codes.
const (
	CodeInternalError        = "INTERNAL_ERROR"
	CodePaymentDecodeFailed  = "PAYMENT_DECODE_FAILED"
	CodeAuthorizationRefused = "AUTHORIZATION_CONFLICT"
)

// Request identifies the exact request the client sent, for commitment
// recomputation.
type Request struct {
	Method        string
	URL           string
	PaymentHeader string
}
