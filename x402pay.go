// Package x402pay is an autonomous payment engine for the x402
// protocol: it detects 402 Payment Required challenges, decides
// whether and where to pay under per-user policies, signs EIP-3009
// transfer authorizations, and retries the request with the payment
// proof attached. Payments either settle synchronously or park as
// pending records awaiting human approval.
package x402pay

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/agentpay/x402pay/audit"
	"github.com/agentpay/x402pay/logger"
	"github.com/agentpay/x402pay/metrics"
	"github.com/agentpay/x402pay/pending"
	"github.com/agentpay/x402pay/policy"
	"github.com/agentpay/x402pay/settlement"
	"github.com/agentpay/x402pay/signer"
	"github.com/agentpay/x402pay/types"
)

// ExecuteRequest is re-exported for callers of the facade.
type ExecuteRequest = settlement.ExecuteRequest

// Config carries the engine's required collaborators. Everything
// optional is set through Options.
type Config struct {
	// DB backs the pending-payment and audit stores. Both tables are
	// migrated on New.
	DB *gorm.DB

	// Signer authorizes transfers from the holding wallet.
	Signer signer.Signer

	// Policies is the per-user endpoint policy source.
	Policies policy.Store

	// Balances reports holding balances for chain selection.
	Balances policy.BalanceSource
}

// Engine is the top-level entry point.
type Engine struct {
	executor *settlement.Executor
	machine  *pending.Machine
	audit    *audit.Writer
	audits   audit.Store

	httpClient     *http.Client
	timeout        time.Duration
	defaultNetwork types.Network
	log            logger.Logger
	metrics        metrics.Recorder
}

// New builds an engine, migrating the pending and audit tables.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.DB == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "config: DB is required")
	}
	if cfg.Signer == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "config: Signer is required")
	}
	if cfg.Policies == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "config: Policies is required")
	}
	if cfg.Balances == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "config: Balances is required")
	}

	e := &Engine{
		timeout:        30 * time.Second,
		defaultNetwork: types.NetworkBase,
		log:            logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: e.timeout}
	}

	pendingStore := pending.NewGormStore(cfg.DB)
	if err := pendingStore.Migrate(); err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to migrate pending payments: %v", err)
	}
	auditStore := audit.NewGormStore(cfg.DB)
	if err := auditStore.Migrate(); err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to migrate audit log: %v", err)
	}

	writer := audit.NewWriter(auditStore, e.log)
	machine := pending.NewMachine(pendingStore, writer, e.log)
	selector := policy.NewSelector(cfg.Policies, cfg.Balances, e.defaultNetwork, e.log)

	e.audit = writer
	e.audits = auditStore
	e.machine = machine
	e.executor = settlement.NewExecutor(settlement.Config{
		HTTPClient: e.httpClient,
		Selector:   selector,
		Signer:     cfg.Signer,
		Machine:    machine,
		Audit:      writer,
		Logger:     e.log,
		Metrics:    e.metrics,
	})

	return e, nil
}

// ExecutePayment runs the full payment flow against a resource.
func (e *Engine) ExecutePayment(ctx context.Context, req ExecuteRequest) (*types.PaymentResult, error) {
	return e.executor.Execute(ctx, req)
}

// CheckPending returns the current state of a pending payment, lazily
// expiring it when its deadline has passed.
func (e *Engine) CheckPending(ctx context.Context, id, userID string) (*pending.PendingPayment, error) {
	return e.machine.Check(ctx, id, userID)
}

// ApprovePending signs the parked payment and settles it immediately.
// A payment whose deadline has passed is expired instead of settled.
func (e *Engine) ApprovePending(ctx context.Context, id, userID string) (*types.PaymentResult, error) {
	payment, err := e.machine.Check(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case pending.StatusPending:
		// fall through to approval
	case pending.StatusExpired:
		return &types.PaymentResult{
			Status:    types.StatusExpired,
			Reason:    "Payment expired before user approval",
			PendingID: payment.ID,
		}, nil
	default:
		return nil, types.NewError(types.ErrInvalidRequest, "payment %s is %s, not pending", id, payment.Status)
	}

	set, err := payment.RequirementSet()
	if err != nil {
		return nil, err
	}
	var offer *types.Offer
	for _, o := range set.OffersOn(types.Network(payment.Network)) {
		if o.IsExact() {
			offer = &o
			break
		}
	}
	if offer == nil {
		return nil, types.NewError(types.ErrInvalidRequirements, "payment %s has no exact-scheme offer on %s", id, payment.Network)
	}

	proof, err := e.executor.BuildProof(ctx, *offer, types.Network(payment.Network), set)
	if err != nil {
		return nil, err
	}

	approved, err := e.machine.Approve(ctx, id, userID, proof)
	if err != nil {
		return nil, err
	}

	return e.executor.Redeem(ctx, approved)
}

// CompletePending records an externally settled payment's outcome.
func (e *Engine) CompletePending(ctx context.Context, id, userID string, responseStatus int, responseBody, txHash string) (*pending.PendingPayment, error) {
	return e.machine.Complete(ctx, id, userID, responseStatus, responseBody, txHash)
}

// RejectPending declines a pending or expired payment.
func (e *Engine) RejectPending(ctx context.Context, id, userID string) (*pending.PendingPayment, error) {
	return e.machine.Reject(ctx, id, userID)
}

// SweepExpired expires every lapsed pending payment and returns how
// many were moved.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	return e.machine.SweepExpired(ctx)
}

// RecordWithdrawal appends a withdrawal entry to the audit log.
func (e *Engine) RecordWithdrawal(ctx context.Context, userID, amount, network, txHash string) error {
	return e.audit.RecordWithdrawal(ctx, userID, amount, network, txHash)
}

// ListTransactions returns the user's audit history, newest first.
func (e *Engine) ListTransactions(ctx context.Context, userID string) ([]audit.Record, error) {
	return e.audits.ListByUser(ctx, userID)
}

// Version information.
const (
	Version         = "0.3.0"
	ProtocolVersion = 2
)
