package repository

import (
	"time"

	"github.com/lexflowhq/lexpay/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// subscriptionRepository implements the SubscriptionRepository interface
type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// GetByUserID retrieves the subscription owned by a user
func (r *subscriptionRepository) GetByUserID(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetOrCreate returns the user's subscription row, creating an inactive one
// on first contact. Concurrent first calls are resolved by the unique index
// on user_id.
func (r *subscriptionRepository) GetOrCreate(userID uint) (*models.Subscription, error) {
	sub := &models.Subscription{UserID: userID}
	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(sub).Error; err != nil {
		return nil, err
	}
	return r.GetByUserID(userID)
}

// UpdateRef points the subscription at a new provider charge id
func (r *subscriptionRepository) UpdateRef(userID uint, subscriptionRef string) error {
	return r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Update("subscription_ref", subscriptionRef).Error
}

// UpdatePayer refreshes the payer snapshot used by renewal sweeps
func (r *subscriptionRepository) UpdatePayer(userID uint, name, taxID, email string) error {
	return r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"payer_name":   name,
			"payer_tax_id": taxID,
			"payer_email":  email,
		}).Error
}

// Activate marks the subscription active for a new billing cycle and clears
// any dunning marker left by a failed renewal attempt.
func (r *subscriptionRepository) Activate(userID uint, activatedAt time.Time, nextDueAt time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"active":        true,
			"activated_at":  &activatedAt,
			"next_due_at":   &nextDueAt,
			"dunning_since": nil,
		}).Error
}

// Deactivate flips the subscription off pending confirmation of a new charge
func (r *subscriptionRepository) Deactivate(userID uint) error {
	return r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Update("active", false).Error
}

// MarkDunning records that a renewal charge failed while the subscription was
// still active. Best-effort flag; does not touch active or next_due_at.
func (r *subscriptionRepository) MarkDunning(userID uint, since time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("user_id = ? AND dunning_since IS NULL", userID).
		Update("dunning_since", &since).Error
}

// ListDueActive selects active subscriptions whose next due date has passed
func (r *subscriptionRepository) ListDueActive(now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	q := r.db.Where("active = ? AND next_due_at IS NOT NULL AND next_due_at <= ?", true, now).
		Order("next_due_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&subs).Error
	return subs, err
}
