package models

import "time"

// Subscription event types recorded in the audit trail.
const (
	SubscriptionEventCreated        = "created"
	SubscriptionEventPaid           = "paid"
	SubscriptionEventActivated      = "activated"
	SubscriptionEventRenewalCreated = "renewal_created"
	SubscriptionEventFailed         = "failed"
)

// SubscriptionEvent is the append-only audit trail for subscription and
// payment state changes. Rows carry the raw provider snapshot for forensic
// replay and are never mutated or deleted.
type SubscriptionEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	SubscriptionRef string    `gorm:"type:varchar(191);not null;index" json:"subscription_ref"`
	EventType       string    `gorm:"type:varchar(32);not null;index" json:"event_type"`
	PayloadJSON     string    `gorm:"type:longtext" json:"payload_json"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
