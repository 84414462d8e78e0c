// Package pending implements the durable pending-payment record and
// its state machine. Every transition is a single conditional update
// ("move only if the current status matches"), which makes concurrent
// expiry and approval attempts resolve deterministically with at most
// one winner.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentpay/x402pay/audit"
	"github.com/agentpay/x402pay/logger"
	"github.com/agentpay/x402pay/types"
)

// Status is the lifecycle state of a pending payment.
//
// Edges: pending→approved→completed, approved→failed, pending→expired,
// {pending,expired}→rejected. Nothing else is reachable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusRejected  Status = "rejected"
)

// IsTerminal reports whether no further transition can leave the state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// DefaultExpiryWindow bounds how long a payment may wait for human
// approval. An offer's own shorter timeout caps it further.
const DefaultExpiryWindow = 30 * time.Minute

// ErrNoTransition is the no-op sentinel: the record was not in the
// required source state (or does not exist for this user). Callers
// treat this as a normal outcome of losing a race, not a fault.
var ErrNoTransition = errors.New("x402pay: no matching transition")

// PendingPayment is the durable record for an asynchronous settlement.
// It captures the original request verbatim so it can be replayed once
// a signature arrives. Records are never deleted, only terminalized.
type PendingPayment struct {
	ID     string `json:"id" gorm:"primaryKey"`
	UserID string `json:"userId" gorm:"column:user_id;index;not null"`

	URL     string `json:"url" gorm:"column:url;not null"`
	Method  string `json:"method" gorm:"column:method;not null"`
	Body    []byte `json:"body,omitempty" gorm:"column:body"`
	Headers string `json:"headers,omitempty" gorm:"column:headers;type:text"`

	Network string `json:"network" gorm:"column:network;not null"`
	Amount  string `json:"amount" gorm:"column:amount;not null"`
	Asset   string `json:"asset" gorm:"column:asset;not null"`

	// Requirements is the serialized RequirementSet of the original
	// challenge, kept so the proof can be encoded in the same wire
	// format on replay.
	Requirements []byte `json:"requirements,omitempty" gorm:"column:requirements"`

	Status    Status  `json:"status" gorm:"column:status;not null;index"`
	Signature *string `json:"signature,omitempty" gorm:"column:signature"`

	ResponseStatus *int    `json:"responseStatus,omitempty" gorm:"column:response_status"`
	ResponseBody   *string `json:"responseBody,omitempty" gorm:"column:response_body;type:text"`
	TxHash         *string `json:"txHash,omitempty" gorm:"column:tx_hash"`

	CreatedAt   time.Time  `json:"createdAt" gorm:"column:created_at"`
	ExpiresAt   time.Time  `json:"expiresAt" gorm:"column:expires_at;not null"`
	CompletedAt *time.Time `json:"completedAt,omitempty" gorm:"column:completed_at"`
}

func (PendingPayment) TableName() string {
	return "pending_payments"
}

// RequirementSet deserializes the stored challenge.
func (p *PendingPayment) RequirementSet() (*types.RequirementSet, error) {
	var set types.RequirementSet
	if err := json.Unmarshal(p.Requirements, &set); err != nil {
		return nil, types.NewError(types.ErrStoreError, "corrupt requirement set on payment %s: %v", p.ID, err)
	}
	return &set, nil
}

// HeaderMap deserializes the stored request headers.
func (p *PendingPayment) HeaderMap() map[string]string {
	if p.Headers == "" {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(p.Headers), &headers); err != nil {
		return nil
	}
	return headers
}

// Store is the persistence contract for pending payments. Every
// transition maps to a single conditional update: the implementation
// must apply updates only when the record's current status is one of
// the given source states, and report ErrNoTransition otherwise. No
// read-then-write is allowed.
type Store interface {
	Create(ctx context.Context, payment *PendingPayment) error
	Get(ctx context.Context, id, userID string) (*PendingPayment, error)

	// Transition atomically moves the record to the updates' target
	// state if and only if its status is in from. Returns the updated
	// record, or ErrNoTransition when no row matched.
	Transition(ctx context.Context, id, userID string, from []Status, updates map[string]interface{}) (*PendingPayment, error)

	// ListExpiredPending returns pending records whose expiry is past.
	ListExpiredPending(ctx context.Context, now time.Time) ([]PendingPayment, error)
}

// CreateParams carries everything needed to open a pending payment.
type CreateParams struct {
	UserID  string
	URL     string
	Method  string
	Body    []byte
	Headers map[string]string

	Network types.Network
	Amount  string
	Asset   string

	Requirements *types.RequirementSet

	// TimeoutSeconds is the offer's own validity bound; when shorter
	// than the default window it caps the expiry.
	TimeoutSeconds int
}

// Machine owns the guarded transitions of pending payments and the
// audit writes tied to them.
type Machine struct {
	store Store
	audit *audit.Writer
	log   logger.Logger
	now   func() time.Time
}

func NewMachine(store Store, auditWriter *audit.Writer, log logger.Logger) *Machine {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Machine{
		store: store,
		audit: auditWriter,
		log:   log,
		now:   time.Now,
	}
}

// WithClock overrides the machine's time source. Used by tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Create opens a new pending record in the pending state.
func (m *Machine) Create(ctx context.Context, params CreateParams) (*PendingPayment, error) {
	if params.UserID == "" || params.URL == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "userId and url are required")
	}
	if params.Method == "" {
		params.Method = "GET"
	}

	window := DefaultExpiryWindow
	if params.TimeoutSeconds > 0 {
		if offerWindow := time.Duration(params.TimeoutSeconds) * time.Second; offerWindow < window {
			window = offerWindow
		}
	}

	var headers string
	if len(params.Headers) > 0 {
		raw, err := json.Marshal(params.Headers)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, "unserializable headers: %v", err)
		}
		headers = string(raw)
	}

	var requirements []byte
	if params.Requirements != nil {
		raw, err := json.Marshal(params.Requirements)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, "unserializable requirements: %v", err)
		}
		requirements = raw
	}

	now := m.now().UTC()
	payment := &PendingPayment{
		ID:           uuid.NewString(),
		UserID:       params.UserID,
		URL:          params.URL,
		Method:       params.Method,
		Body:         params.Body,
		Headers:      headers,
		Network:      params.Network.String(),
		Amount:       params.Amount,
		Asset:        params.Asset,
		Requirements: requirements,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(window),
	}

	if err := m.store.Create(ctx, payment); err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to create pending payment: %v", err)
	}
	return payment, nil
}

// Approve moves pending→approved, storing the signature.
func (m *Machine) Approve(ctx context.Context, id, userID, signature string) (*PendingPayment, error) {
	if signature == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "signature is required")
	}
	return m.store.Transition(ctx, id, userID, []Status{StatusPending}, map[string]interface{}{
		"status":    StatusApproved,
		"signature": signature,
	})
}

// Complete moves approved→completed with the settlement outcome, then
// writes the completed audit record.
func (m *Machine) Complete(ctx context.Context, id, userID string, responseStatus int, responseBody, txHash string) (*PendingPayment, error) {
	updates := map[string]interface{}{
		"status":          StatusCompleted,
		"response_status": responseStatus,
		"response_body":   responseBody,
		"completed_at":    m.now().UTC(),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}

	payment, err := m.store.Transition(ctx, id, userID, []Status{StatusApproved}, updates)
	if err != nil {
		return nil, err
	}

	if err := m.audit.RecordCompleted(ctx, payment.UserID, m.displayAmount(payment), payment.URL, payment.Network, txHash); err != nil {
		return payment, err
	}
	return payment, nil
}

// Fail moves approved→failed with the settlement outcome, then writes
// the failed audit record. A zero responseStatus means no downstream
// response existed (network fault); neither the record nor the audit
// entry carries a status then.
func (m *Machine) Fail(ctx context.Context, id, userID string, responseStatus int, responseBody, errorMessage string) (*PendingPayment, error) {
	updates := map[string]interface{}{
		"status":       StatusFailed,
		"completed_at": m.now().UTC(),
	}
	if responseStatus > 0 {
		updates["response_status"] = responseStatus
	}
	if responseBody != "" {
		updates["response_body"] = responseBody
	}

	payment, err := m.store.Transition(ctx, id, userID, []Status{StatusApproved}, updates)
	if err != nil {
		return nil, err
	}

	var status *int
	if responseStatus > 0 {
		status = &responseStatus
	}
	if err := m.audit.RecordFailed(ctx, payment.UserID, m.displayAmount(payment), payment.URL, payment.Network, errorMessage, status); err != nil {
		return payment, err
	}
	return payment, nil
}

// ExpireWithAudit moves pending→expired and writes exactly one expired
// audit record. Idempotent: once the record left pending, further calls
// return ErrNoTransition and write nothing.
func (m *Machine) ExpireWithAudit(ctx context.Context, id, userID string) (*PendingPayment, error) {
	payment, err := m.store.Transition(ctx, id, userID, []Status{StatusPending}, map[string]interface{}{
		"status": StatusExpired,
	})
	if err != nil {
		return nil, err
	}

	if err := m.audit.RecordExpired(ctx, payment.UserID, m.displayAmount(payment), payment.URL, payment.Network); err != nil {
		return payment, err
	}
	return payment, nil
}

// Reject moves pending|expired→rejected.
func (m *Machine) Reject(ctx context.Context, id, userID string) (*PendingPayment, error) {
	return m.store.Transition(ctx, id, userID, []Status{StatusPending, StatusExpired}, map[string]interface{}{
		"status": StatusRejected,
	})
}

// Check reads a record and lazily expires it when its deadline has
// passed. Racing a concurrent expiry is fine: the loser's no-op falls
// back to re-reading the record.
func (m *Machine) Check(ctx context.Context, id, userID string) (*PendingPayment, error) {
	payment, err := m.store.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if payment.Status == StatusPending && payment.ExpiresAt.Before(m.now()) {
		expired, err := m.ExpireWithAudit(ctx, id, userID)
		if errors.Is(err, ErrNoTransition) {
			return m.store.Get(ctx, id, userID)
		}
		if err != nil {
			return nil, err
		}
		return expired, nil
	}
	return payment, nil
}

// SweepExpired expires every lapsed pending record. Safe to run from
// multiple workers; the conditional update arbitrates.
func (m *Machine) SweepExpired(ctx context.Context) (int, error) {
	lapsed, err := m.store.ListExpiredPending(ctx, m.now())
	if err != nil {
		return 0, types.NewError(types.ErrStoreError, "expiry sweep failed: %v", err)
	}

	expired := 0
	for _, p := range lapsed {
		if _, err := m.ExpireWithAudit(ctx, p.ID, p.UserID); err != nil {
			if errors.Is(err, ErrNoTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// usdcDecimals is the display convention for the supported stablecoin
// assets; amounts that do not parse fall back to zero rather than
// blocking the expiry.
const usdcDecimals = 6

func (m *Machine) displayAmount(p *PendingPayment) string {
	raw, err := decimal.NewFromString(p.Amount)
	if err != nil {
		m.log.Warn("unparseable amount on pending payment", map[string]any{
			"payment": p.ID,
			"amount":  p.Amount,
			"asset":   p.Asset,
		})
		return "0"
	}
	return raw.Shift(-usdcDecimals).String()
}
