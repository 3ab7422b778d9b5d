package repository

import (
	"github.com/lexflowhq/lexpay/app/models"
	"gorm.io/gorm"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create appends a new charge attempt
func (r *paymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

// GetByProviderChargeID retrieves a payment by its provider charge id
func (r *paymentRepository) GetByProviderChargeID(provider, providerChargeID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider = ? AND provider_charge_id = ?", provider, providerChargeID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdateStatusIfPending performs the guarded pending -> terminal transition.
func (r *paymentRepository) UpdateStatusIfPending(id uint, status string) (bool, error) {
	tx := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Update("status", status)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// GetLatestByUser returns the newest charge attempt for a user
func (r *paymentRepository) GetLatestByUser(userID uint) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("user_id = ?", userID).
		Order("id DESC").
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// HasPendingByUser reports whether the user already has an open charge
func (r *paymentRepository) HasPendingByUser(userID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.Payment{}).
		Where("user_id = ? AND status = ?", userID, models.PaymentStatusPending).
		Count(&count).Error
	return count > 0, err
}
