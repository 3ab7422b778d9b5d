package repository

import (
	"github.com/lexflowhq/lexpay/app/models"
	"gorm.io/gorm"
)

// subscriptionEventRepository implements the SubscriptionEventRepository interface
type subscriptionEventRepository struct {
	db *gorm.DB
}

// NewSubscriptionEventRepository creates a new subscription event repository instance
func NewSubscriptionEventRepository(db *gorm.DB) SubscriptionEventRepository {
	return &subscriptionEventRepository{db: db}
}

// Append writes one audit trail row
func (r *subscriptionEventRepository) Append(event *models.SubscriptionEvent) error {
	return r.db.Create(event).Error
}

// ListByUser returns the most recent audit rows for a user
func (r *subscriptionEventRepository) ListByUser(userID uint, limit int) ([]models.SubscriptionEvent, error) {
	var events []models.SubscriptionEvent
	q := r.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}
