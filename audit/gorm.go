package audit

import (
	"context"

	"gorm.io/gorm"
)

// GormStore persists audit records through GORM. Append-only by
// construction: the store exposes no update or delete path.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the transactions table.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Record{})
}

func (s *GormStore) Append(ctx context.Context, record *Record) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *GormStore) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}
