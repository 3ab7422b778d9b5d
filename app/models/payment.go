package models

import "time"

// Payment provider identifiers used across payment-related models.
const (
	PaymentProviderEfi        = "efi"
	PaymentProviderAbacatePay = "abacatepay"
)

const (
	PaymentMethodPix = "pix"
)

// Payment status lifecycle. Status is monotonic: once a row leaves
// StatusPending it never changes again.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
)

// Payment is one charge attempt against a provider. Rows are an append-only
// log of attempts; only the status column is ever transitioned, exactly once,
// by the reconciliation service.
type Payment struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           uint      `gorm:"not null;index" json:"user_id"`
	SubscriptionRef  string    `gorm:"type:varchar(191);not null;index" json:"subscription_ref"`
	Provider         string    `gorm:"type:varchar(20);not null;index:ux_payments_provider_charge,unique,priority:1" json:"provider"`
	ProviderChargeID string    `gorm:"type:varchar(191);not null;index:ux_payments_provider_charge,unique,priority:2" json:"provider_charge_id"`
	AmountCents      int64     `gorm:"not null" json:"amount_cents"`
	Method           string    `gorm:"type:varchar(16);not null;default:'pix'" json:"method"`
	Status           string    `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	RawPayloadJSON   string    `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the payment has reached a final status.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusConfirmed || p.Status == PaymentStatusFailed
}
