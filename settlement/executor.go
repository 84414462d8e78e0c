// Package settlement drives the full payment flow: probe the resource,
// parse the 402 challenge, consult policy, sign the authorization, and
// retry the request with the payment proof attached. The whole flow is
// synchronous; callers get a typed PaymentResult for every business
// outcome and an error only for malformed input or infrastructure
// faults.
package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/agentpay/x402pay/audit"
	"github.com/agentpay/x402pay/authz"
	"github.com/agentpay/x402pay/logger"
	"github.com/agentpay/x402pay/metrics"
	"github.com/agentpay/x402pay/parser"
	"github.com/agentpay/x402pay/pending"
	"github.com/agentpay/x402pay/policy"
	"github.com/agentpay/x402pay/signer"
	"github.com/agentpay/x402pay/types"
)

// Payment proof and confirmation headers.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "PAYMENT-RESPONSE"

	// Legacy confirmation surfaces, consulted in order after the
	// structured header.
	headerLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
	headerTransactionHash       = "X-TRANSACTION-HASH"
)

// maxBodyBytes bounds how much of a response body is read and echoed
// back to callers.
const maxBodyBytes = 1 << 20

// reasonBodyLimit truncates downstream error bodies in failure reasons.
const reasonBodyLimit = 200

const usdcDecimals = 6

// ExecuteRequest describes one request to a paid resource.
type ExecuteRequest struct {
	UserID  string            `json:"userId" validate:"required"`
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Chain restricts settlement to one network. Empty means the
	// selector chooses by balance.
	Chain types.Network `json:"chain,omitempty"`
}

// Config wires the executor's collaborators.
type Config struct {
	HTTPClient *http.Client
	Selector   *policy.Selector
	Signer     signer.Signer
	Machine    *pending.Machine
	Audit      *audit.Writer
	Logger     logger.Logger
	Metrics    metrics.Recorder
}

// Executor performs synchronous x402 settlements.
type Executor struct {
	client   *http.Client
	selector *policy.Selector
	signer   signer.Signer
	machine  *pending.Machine
	audit    *audit.Writer
	log      logger.Logger
	metrics  metrics.Recorder
	validate *validator.Validate
	now      func() time.Time
}

func NewExecutor(cfg Config) *Executor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Executor{
		client:   client,
		selector: cfg.Selector,
		signer:   cfg.Signer,
		machine:  cfg.Machine,
		audit:    cfg.Audit,
		log:      log,
		metrics:  rec,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithClock overrides the executor's time source. Used by tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs the full flow against req.URL. Free resources pass
// through untouched; paid resources are settled according to the user's
// policy, either immediately or by opening a pending approval.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*types.PaymentResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid request: %v", err)
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	start := e.now()

	status, header, body, err := e.send(ctx, req, "")
	if err != nil {
		return &types.PaymentResult{
			Status: types.StatusFailed,
			Reason: fmt.Sprintf("Network error: %v", err),
		}, nil
	}

	set, perr := parser.Parse(status, header, body)
	if errors.Is(perr, parser.ErrNotPaymentRequired) {
		// Free resource, nothing to settle.
		return &types.PaymentResult{
			Status:     types.StatusCompleted,
			StatusCode: status,
			Body:       body,
		}, nil
	}
	if perr != nil {
		// Protocol error: the challenge itself is unusable.
		return &types.PaymentResult{
			Status:     types.StatusRejected,
			Reason:     perr.Error(),
			StatusCode: status,
			Body:       body,
		}, nil
	}

	selection, serr := e.selector.Select(ctx, req.UserID, e.signer.Address().Hex(), req.URL, set, req.Chain)
	if serr != nil {
		var x402Err *types.X402Error
		if errors.As(serr, &x402Err) && x402Err.Code != types.ErrStoreError {
			e.count("rejected", "")
			return &types.PaymentResult{
				Status: types.StatusRejected,
				Reason: x402Err.Message,
			}, nil
		}
		return nil, serr
	}

	if selection.Path == policy.PathManualApproval {
		return e.openPending(ctx, req, set, selection)
	}

	result, err := e.settle(ctx, req, set, selection)
	if err != nil {
		return nil, err
	}
	e.count(string(result.Status), selection.Network.String())
	e.metrics.ObserveLatency("payment_duration_seconds", e.now().Sub(start), map[string]string{
		"network": selection.Network.String(),
	})
	return result, nil
}

// openPending parks the request as a pending payment awaiting human
// approval. No signature exists yet; it is produced at approval time.
func (e *Executor) openPending(ctx context.Context, req ExecuteRequest, set *types.RequirementSet, sel *policy.Selection) (*types.PaymentResult, error) {
	payment, err := e.machine.Create(ctx, pending.CreateParams{
		UserID:         req.UserID,
		URL:            req.URL,
		Method:         req.Method,
		Body:           req.Body,
		Headers:        req.Headers,
		Network:        sel.Network,
		Amount:         sel.Offer.Amount,
		Asset:          sel.Offer.Asset,
		Requirements:   set,
		TimeoutSeconds: sel.Offer.MaxTimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment parked for approval", map[string]any{
		"payment": payment.ID,
		"url":     req.URL,
		"network": sel.Network.String(),
		"amount":  sel.Offer.Amount,
	})
	e.count("pending_approval", sel.Network.String())

	return &types.PaymentResult{
		Status:         types.StatusPendingApproval,
		PendingID:      payment.ID,
		Network:        sel.Network.String(),
		Amount:         sel.Offer.Amount,
		Asset:          sel.Offer.Asset,
		Requirements:   set,
		TimeoutSeconds: sel.Offer.MaxTimeoutSeconds,
	}, nil
}

// settle signs the authorization and retries the request with the proof
// attached, recording the terminal outcome in the audit log.
func (e *Executor) settle(ctx context.Context, req ExecuteRequest, set *types.RequirementSet, sel *policy.Selection) (*types.PaymentResult, error) {
	proof, err := e.BuildProof(ctx, sel.Offer, sel.Network, set)
	if err != nil {
		return nil, err
	}

	status, header, body, err := e.send(ctx, req, proof)
	if err != nil {
		reason := fmt.Sprintf("Network error: %v", err)
		if aerr := e.audit.RecordFailed(ctx, req.UserID, displayAmount(sel.Offer.Amount, e.log), req.URL, sel.Network.String(), reason, nil); aerr != nil {
			return nil, aerr
		}
		return &types.PaymentResult{
			Status:  types.StatusFailed,
			Reason:  reason,
			Network: sel.Network.String(),
			Amount:  sel.Offer.Amount,
			Asset:   sel.Offer.Asset,
		}, nil
	}

	if status < 200 || status >= 300 {
		reason := failureReason(status, body)
		if aerr := e.audit.RecordFailed(ctx, req.UserID, displayAmount(sel.Offer.Amount, e.log), req.URL, sel.Network.String(), reason, &status); aerr != nil {
			return nil, aerr
		}
		return &types.PaymentResult{
			Status:     types.StatusFailed,
			Reason:     reason,
			StatusCode: status,
			Body:       body,
			Network:    sel.Network.String(),
			Amount:     sel.Offer.Amount,
			Asset:      sel.Offer.Asset,
		}, nil
	}

	txHash := ExtractTxHash(header, body)
	if aerr := e.audit.RecordCompleted(ctx, req.UserID, displayAmount(sel.Offer.Amount, e.log), req.URL, sel.Network.String(), txHash); aerr != nil {
		return nil, aerr
	}

	e.log.Info("payment settled", map[string]any{
		"url":     req.URL,
		"network": sel.Network.String(),
		"amount":  sel.Offer.Amount,
		"txHash":  txHash,
	})

	return &types.PaymentResult{
		Status:     types.StatusCompleted,
		StatusCode: status,
		Body:       body,
		TxHash:     txHash,
		Network:    sel.Network.String(),
		Amount:     sel.Offer.Amount,
		Asset:      sel.Offer.Asset,
	}, nil
}

// Redeem replays an approved pending payment using its stored proof and
// moves the record to its terminal state.
func (e *Executor) Redeem(ctx context.Context, payment *pending.PendingPayment) (*types.PaymentResult, error) {
	if payment.Status != pending.StatusApproved {
		return nil, types.NewError(types.ErrInvalidRequest, "payment %s is %s, not approved", payment.ID, payment.Status)
	}
	if payment.Signature == nil || *payment.Signature == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "payment %s has no stored proof", payment.ID)
	}

	req := ExecuteRequest{
		UserID:  payment.UserID,
		URL:     payment.URL,
		Method:  payment.Method,
		Body:    payment.Body,
		Headers: payment.HeaderMap(),
	}

	status, header, body, err := e.send(ctx, req, *payment.Signature)
	if err != nil {
		reason := fmt.Sprintf("Network error: %v", err)
		if _, ferr := e.machine.Fail(ctx, payment.ID, payment.UserID, 0, "", reason); ferr != nil {
			return nil, ferr
		}
		return &types.PaymentResult{
			Status:    types.StatusFailed,
			Reason:    reason,
			PendingID: payment.ID,
			Network:   payment.Network,
			Amount:    payment.Amount,
			Asset:     payment.Asset,
		}, nil
	}

	if status < 200 || status >= 300 {
		reason := failureReason(status, body)
		if _, ferr := e.machine.Fail(ctx, payment.ID, payment.UserID, status, string(body), reason); ferr != nil {
			return nil, ferr
		}
		return &types.PaymentResult{
			Status:     types.StatusFailed,
			Reason:     reason,
			StatusCode: status,
			Body:       body,
			PendingID:  payment.ID,
			Network:    payment.Network,
			Amount:     payment.Amount,
			Asset:      payment.Asset,
		}, nil
	}

	txHash := ExtractTxHash(header, body)
	if _, cerr := e.machine.Complete(ctx, payment.ID, payment.UserID, status, string(body), txHash); cerr != nil {
		return nil, cerr
	}

	return &types.PaymentResult{
		Status:     types.StatusCompleted,
		StatusCode: status,
		Body:       body,
		TxHash:     txHash,
		PendingID:  payment.ID,
		Network:    payment.Network,
		Amount:     payment.Amount,
		Asset:      payment.Asset,
	}, nil
}

// BuildProof signs a fresh authorization for the offer and encodes it
// as the X-PAYMENT header value, matching the challenge's wire format.
func (e *Executor) BuildProof(ctx context.Context, offer types.Offer, network types.Network, set *types.RequirementSet) (string, error) {
	auth, err := authz.Build(offer, e.signer.Address(), e.now())
	if err != nil {
		return "", err
	}

	typed, err := authz.TypedData(auth, offer, network)
	if err != nil {
		return "", err
	}

	sig, err := e.signer.Sign(ctx, typed)
	if err != nil {
		return "", types.NewError(types.ErrSigningFailed, "failed to sign authorization: %v", err)
	}

	payload := types.ExactPayload{
		Signature:     sig,
		Authorization: authz.Wire(auth),
	}

	var envelope interface{}
	if set.Format == types.FormatHeader {
		envelope = types.PaymentPayloadV2{
			X402Version: set.X402Version,
			Accepted: types.HeaderOffer{
				Scheme:            offer.Scheme,
				Network:           offer.Network,
				Amount:            offer.Amount,
				Asset:             offer.Asset,
				PayTo:             offer.PayTo,
				MaxTimeoutSeconds: offer.MaxTimeoutSeconds,
				Extra:             offer.Extra,
			},
			Payload: payload,
		}
	} else {
		envelope = types.PaymentPayloadV1{
			X402Version: set.X402Version,
			Scheme:      offer.Scheme,
			Network:     offer.Network,
			Payload:     payload,
		}
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", types.NewError(types.ErrSigningFailed, "failed to encode payment payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// send performs one HTTP exchange. A non-empty proof is attached as the
// X-PAYMENT header.
func (e *Executor) send(ctx context.Context, req ExecuteRequest, proof string) (int, http.Header, []byte, error) {
	var reqBody io.Reader
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reqBody)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if proof != "" {
		httpReq.Header.Set(HeaderPayment, proof)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// ExtractTxHash pulls the settlement transaction hash out of a paid
// response. Confirmation surfaces are consulted in priority order: the
// structured PAYMENT-RESPONSE header, the legacy X-PAYMENT-RESPONSE
// header, the plain X-TRANSACTION-HASH header, then a txHash field in
// the response body. Absence is not an error.
func ExtractTxHash(header http.Header, body []byte) string {
	if tx := decodeSettleHeader(header.Get(HeaderPaymentResponse)); tx != "" {
		return tx
	}
	if tx := decodeSettleHeader(header.Get(headerLegacyPaymentResponse)); tx != "" {
		return tx
	}
	if tx := header.Get(headerTransactionHash); tx != "" {
		return tx
	}

	var probe struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		return probe.TxHash
	}
	return ""
}

func decodeSettleHeader(encoded string) string {
	if encoded == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	var settle types.SettleResponse
	if err := json.Unmarshal(raw, &settle); err != nil {
		return ""
	}
	return settle.Transaction
}

func failureReason(status int, body []byte) string {
	snippet := string(body)
	if len(snippet) > reasonBodyLimit {
		snippet = snippet[:reasonBodyLimit]
	}
	if snippet == "" {
		return fmt.Sprintf("Payment failed with status %d", status)
	}
	return fmt.Sprintf("Payment failed with status %d: %s", status, snippet)
}

func displayAmount(raw string, log logger.Logger) string {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		log.Warn("unparseable offer amount", map[string]any{"amount": raw})
		return "0"
	}
	return amount.Shift(-usdcDecimals).String()
}

func (e *Executor) count(status, network string) {
	labels := map[string]string{"status": status}
	if network != "" {
		labels["network"] = network
	}
	e.metrics.IncCounter("payments_total", labels)
}
