package pending

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/agentpay/x402pay/types"
)

// GormStore persists pending payments through GORM. Transitions are
// expressed as conditional UPDATE ... WHERE status IN (...) statements,
// which map onto the database's native compare-and-swap; there is no
// read-modify-write anywhere.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the pending_payments table.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&PendingPayment{})
}

func (s *GormStore) Create(ctx context.Context, payment *PendingPayment) error {
	return s.db.WithContext(ctx).Create(payment).Error
}

func (s *GormStore) Get(ctx context.Context, id, userID string) (*PendingPayment, error) {
	var payment PendingPayment
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrInvalidRequest, "pending payment %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *GormStore) Transition(ctx context.Context, id, userID string, from []Status, updates map[string]interface{}) (*PendingPayment, error) {
	tx := s.db.WithContext(ctx).
		Model(&PendingPayment{}).
		Where("id = ? AND user_id = ? AND status IN ?", id, userID, from).
		Updates(updates)
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, ErrNoTransition
	}
	return s.Get(ctx, id, userID)
}

func (s *GormStore) ListExpiredPending(ctx context.Context, now time.Time) ([]PendingPayment, error) {
	var lapsed []PendingPayment
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", StatusPending, now).
		Find(&lapsed).Error
	return lapsed, err
}
