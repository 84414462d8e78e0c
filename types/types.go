package types

import (
	"fmt"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
	X402Version2 X402Version = 2
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// WireFormat tags which encoding a 402 challenge arrived in. The header
// format is the authoritative one when both are present.
type WireFormat string

const (
	FormatHeader WireFormat = "header"
	FormatBody   WireFormat = "body"
	FormatNone   WireFormat = "none"
)

// Offer is one acceptable way to pay for a resource, normalized from
// either wire format. Amount is the raw amount in atomic units of the
// asset, represented as a decimal string because Go has no uint256.
type Offer struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RequirementSet is the full list of Offers produced by one 402
// challenge, tagged with the wire format it was decoded from and the
// server's error context.
type RequirementSet struct {
	Format      WireFormat `json:"format"`
	X402Version int        `json:"x402Version"`
	Error       string     `json:"error,omitempty"`
	Offers      []Offer    `json:"offers"`
}

// Networks returns the distinct networks referenced by the set's offers,
// in offer order.
func (s *RequirementSet) Networks() []Network {
	seen := make(map[string]bool, len(s.Offers))
	out := make([]Network, 0, len(s.Offers))
	for _, o := range s.Offers {
		if seen[o.Network] {
			continue
		}
		seen[o.Network] = true
		out = append(out, Network(o.Network))
	}
	return out
}

// IsExact reports whether the offer uses the exact
// transfer-with-authorization scheme, the only scheme the engine can
// sign for.
func (o Offer) IsExact() bool {
	return PaymentScheme(o.Scheme) == SchemeExact
}

// OffersOn returns the offers settling on the given network.
func (s *RequirementSet) OffersOn(network Network) []Offer {
	var out []Offer
	for _, o := range s.Offers {
		if Network(o.Network) == network {
			out = append(out, o)
		}
	}
	return out
}

// BodyPaymentRequired is the body-encoded (v1) wire form of a 402
// challenge. Offers carry the amount under maxAmountRequired.
type BodyPaymentRequired struct {
	X402Version int         `json:"x402Version"`
	Error       string      `json:"error,omitempty"`
	Accepts     []BodyOffer `json:"accepts"`
}

type BodyOffer struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// HeaderPaymentRequired is the header-encoded (v2) wire form, carried as
// base64 JSON in the PAYMENT-REQUIRED header. Offers carry the amount
// under amount.
type HeaderPaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error,omitempty"`
	Resource    *ResourceInfo  `json:"resource,omitempty"`
	Accepts     []HeaderOffer  `json:"accepts"`
}

type HeaderOffer struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo describes the protected resource in the header wire form.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// EVMAuthorization is the wire form of an EIP-3009
// transferWithAuthorization message.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // uint256
	ValidAfter  string `json:"validAfter"`  // uint256 timestamp
	ValidBefore string `json:"validBefore"` // uint256 timestamp
	Nonce       string `json:"nonce"`       // bytes32
}

// ExactPayload carries the signature plus the signed authorization for
// the exact scheme.
type ExactPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// PaymentPayloadV1 is the proof envelope matching the body wire format.
type PaymentPayloadV1 struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// PaymentPayloadV2 is the proof envelope matching the header wire format.
type PaymentPayloadV2 struct {
	X402Version int          `json:"x402Version"`
	Accepted    HeaderOffer  `json:"accepted"`
	Payload     ExactPayload `json:"payload"`
}

// SettleResponse is the structured settlement confirmation a resource
// server may attach to a paid response.
type SettleResponse struct {
	Success      bool   `json:"success"`
	ErrorReason  string `json:"errorReason,omitempty"`
	Transaction  string `json:"transaction"`
	Network      string `json:"network,omitempty"`
	Payer        string `json:"payer,omitempty"`
}

// PaymentStatus is the typed outcome of a payment attempt.
type PaymentStatus string

const (
	StatusCompleted       PaymentStatus = "completed"
	StatusFailed          PaymentStatus = "failed"
	StatusRejected        PaymentStatus = "rejected"
	StatusPendingApproval PaymentStatus = "pending_approval"
	StatusExpired         PaymentStatus = "expired"
)

// PaymentResult is returned to callers for every payment attempt. All
// expected business outcomes arrive here as typed statuses, never as
// raw errors.
type PaymentResult struct {
	Status PaymentStatus `json:"status"`

	// Reason holds the human-readable explanation for rejected and
	// failed outcomes.
	Reason string `json:"reason,omitempty"`

	// HTTP outcome of the final (possibly retried) request.
	StatusCode int    `json:"statusCode,omitempty"`
	Body       []byte `json:"body,omitempty"`

	// Settlement details, when a payment was actually made.
	TxHash  string `json:"txHash,omitempty"`
	Network string `json:"network,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Asset   string `json:"asset,omitempty"`

	// PendingID references the pending payment record created for
	// manual-approval settlements.
	PendingID string `json:"pendingId,omitempty"`

	// Requirements carries the parsed challenge for pending approvals
	// so the settlement can be replayed later.
	Requirements *RequirementSet `json:"requirements,omitempty"`

	// TimeoutSeconds is the offer's own validity bound, used to cap
	// the pending-payment expiry window.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Error types
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *X402Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrPolicyDenied        = "POLICY_DENIED"
	ErrInsufficientAmount  = "INSUFFICIENT_AMOUNT"
	ErrExpiredPayment      = "EXPIRED_PAYMENT"
	ErrSigningFailed       = "SIGNING_FAILED"
	ErrSettlementFailed    = "SETTLEMENT_FAILED"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrStoreError          = "STORE_ERROR"
)

// NewError builds an X402Error with a formatted message.
func NewError(code, format string, args ...interface{}) *X402Error {
	return &X402Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
