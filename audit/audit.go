// Package audit appends immutable records for every terminal payment
// outcome. Spending history and analytics read exclusively from this
// log, never from pending-payment records.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/x402pay/logger"
	"github.com/agentpay/x402pay/types"
)

// RecordStatus tags the terminal event an audit record describes.
type RecordStatus string

const (
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
	StatusExpired    RecordStatus = "expired"
	StatusWithdrawal RecordStatus = "withdrawal"
)

// Record is one write-once row in the audit log.
type Record struct {
	ID             string       `json:"id" gorm:"primaryKey"`
	UserID         string       `json:"userId" gorm:"column:user_id;index;not null"`
	Amount         string       `json:"amount" gorm:"column:amount;not null"`
	Endpoint       string       `json:"endpoint" gorm:"column:endpoint;not null"`
	Network        string       `json:"network" gorm:"column:network"`
	Status         RecordStatus `json:"status" gorm:"column:status;not null"`
	TxHash         *string      `json:"txHash,omitempty" gorm:"column:tx_hash"`
	ErrorMessage   *string      `json:"errorMessage,omitempty" gorm:"column:error_message"`
	ResponseStatus *int         `json:"responseStatus,omitempty" gorm:"column:response_status"`
	CreatedAt      time.Time    `json:"createdAt" gorm:"column:created_at"`
}

func (Record) TableName() string {
	return "transactions"
}

// Store is the append-only persistence contract. There is deliberately
// no update or delete.
type Store interface {
	Append(ctx context.Context, record *Record) error
	ListByUser(ctx context.Context, userID string) ([]Record, error)
}

// Writer appends terminal-outcome records. Appends must succeed (or be
// retried by the store) before the triggering transition is considered
// fully done.
type Writer struct {
	store Store
	log   logger.Logger
}

func NewWriter(store Store, log logger.Logger) *Writer {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Writer{store: store, log: log}
}

func (w *Writer) append(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := w.store.Append(ctx, record); err != nil {
		w.log.Error("audit append failed", map[string]any{
			"status":   string(record.Status),
			"endpoint": record.Endpoint,
			"error":    err.Error(),
		})
		return types.NewError(types.ErrStoreError, "audit append failed: %v", err)
	}
	return nil
}

// RecordCompleted logs a successful payment.
func (w *Writer) RecordCompleted(ctx context.Context, userID, amount, endpoint, network, txHash string) error {
	rec := &Record{
		UserID:   userID,
		Amount:   amount,
		Endpoint: endpoint,
		Network:  network,
		Status:   StatusCompleted,
	}
	if txHash != "" {
		rec.TxHash = &txHash
	}
	return w.append(ctx, rec)
}

// RecordFailed logs a failed payment with its error message and, when
// available, the downstream HTTP status.
func (w *Writer) RecordFailed(ctx context.Context, userID, amount, endpoint, network, errorMessage string, responseStatus *int) error {
	return w.append(ctx, &Record{
		UserID:         userID,
		Amount:         amount,
		Endpoint:       endpoint,
		Network:        network,
		Status:         StatusFailed,
		ErrorMessage:   &errorMessage,
		ResponseStatus: responseStatus,
	})
}

// RecordExpired logs a pending payment that lapsed before approval.
func (w *Writer) RecordExpired(ctx context.Context, userID, amount, endpoint, network string) error {
	msg := "Payment expired before user approval"
	return w.append(ctx, &Record{
		UserID:       userID,
		Amount:       amount,
		Endpoint:     endpoint,
		Network:      network,
		Status:       StatusExpired,
		ErrorMessage: &msg,
	})
}

// RecordWithdrawal logs a withdrawal from the holding wallet.
func (w *Writer) RecordWithdrawal(ctx context.Context, userID, amount, network, txHash string) error {
	rec := &Record{
		UserID:   userID,
		Amount:   amount,
		Endpoint: "withdrawal",
		Network:  network,
		Status:   StatusWithdrawal,
	}
	if txHash != "" {
		rec.TxHash = &txHash
	}
	return w.append(ctx, rec)
}
