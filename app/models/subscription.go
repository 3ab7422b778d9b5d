package models

import "time"

// Subscription tracks one user's paid access. There is exactly one row per
// user; it is only ever updated, never deleted. SubscriptionRef always points
// at the provider charge that opened the current billing cycle.
type Subscription struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	Active          bool       `gorm:"not null;default:false;index:idx_subscriptions_active_due,priority:1" json:"active"`
	SubscriptionRef string     `gorm:"type:varchar(191);not null;default:'';index" json:"subscription_ref"`
	ActivatedAt     *time.Time `gorm:"type:timestamp;default:null" json:"activated_at,omitempty"`
	NextDueAt       *time.Time `gorm:"type:timestamp;default:null;index:idx_subscriptions_active_due,priority:2" json:"next_due_at,omitempty"`
	// Payer snapshot captured at charge time so renewal sweeps can rebill
	// without a lookup against the account service this system does not own.
	PayerName  string `gorm:"type:varchar(150);default:''" json:"payer_name"`
	PayerTaxID string `gorm:"type:varchar(14);default:''" json:"-"`
	PayerEmail string `gorm:"type:varchar(200);default:''" json:"-"`
	// DunningSince is set when a renewal charge fails while the subscription
	// is still active from a prior cycle. The subscription stays active; the
	// marker only flags the account for follow-up and is cleared by the next
	// confirmed payment.
	DunningSince *time.Time `gorm:"type:timestamp;default:null" json:"dunning_since,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDue reports whether the subscription should be picked up by the renewal
// sweep at the given instant.
func (s *Subscription) IsDue(now time.Time) bool {
	return s.Active && s.NextDueAt != nil && !s.NextDueAt.After(now)
}
