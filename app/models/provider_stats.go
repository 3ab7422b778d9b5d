package models

import "time"

// ProviderStats holds per-provider, per-day operational counters. The rows are
// written by the metrics flush worker draining Redis counters; they exist for
// dashboards and alerting, not for reconciliation decisions.
type ProviderStats struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	Provider             string    `gorm:"type:varchar(20);not null;index:ux_provider_stats_provider_day,unique,priority:1" json:"provider"`
	Day                  string    `gorm:"type:varchar(10);not null;index:ux_provider_stats_provider_day,unique,priority:2" json:"day"`
	WebhooksProcessed    int64     `gorm:"not null;default:0" json:"webhooks_processed"`
	WebhooksIgnored      int64     `gorm:"not null;default:0" json:"webhooks_ignored"`
	WebhooksUnauthorized int64     `gorm:"not null;default:0" json:"webhooks_unauthorized"`
	ChargesIssued        int64     `gorm:"not null;default:0" json:"charges_issued"`
	ChargesFailed        int64     `gorm:"not null;default:0" json:"charges_failed"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
