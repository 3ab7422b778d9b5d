package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/internal/pkg/billing"
	"github.com/lexflowhq/lexpay/internal/pkg/cache"
)

const sweepLockKey = "renewal:sweep:lock"
const sweepLockTTL = 5 * time.Minute
const sweepBatchSize = 200

// SweepFailure records one subscription the sweep could not renew. The
// subscription is left untouched so the next sweep retries it.
type SweepFailure struct {
	UserID uint
	Err    error
}

// SweepReport summarizes one renewal sweep run.
type SweepReport struct {
	Due      int
	Issued   int
	Skipped  int
	Failures []SweepFailure
}

// RunSweep finds active subscriptions past their due date and opens the next
// cycle's charge for each. On success the subscription is deactivated until
// the new charge is confirmed through the webhook path; on failure it is left
// active and due, so any later sweep retries it. Both halves make the sweep
// idempotent and safe to run on any schedule, including overlapping runs.
func (m *Manager) RunSweep(now time.Time) SweepReport {
	var report SweepReport

	// Best-effort guard against multiple instances sweeping at once. An
	// overlapping run would still be safe, just noisier.
	locked, err := cache.AcquireLock(sweepLockKey, sweepLockTTL)
	if err != nil {
		log.Warnf("[Sweep] lock unavailable, proceeding unlocked: %v", err)
	} else if !locked {
		report.Skipped++
		return report
	} else {
		defer func() {
			if err := cache.ReleaseLock(sweepLockKey); err != nil {
				log.Warnf("[Sweep] releasing lock failed: %v", err)
			}
		}()
	}

	due, err := m.store.Subscriptions().ListDueActive(now, sweepBatchSize)
	if err != nil {
		report.Failures = append(report.Failures, SweepFailure{Err: err})
		return report
	}
	report.Due = len(due)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for i := range due {
		sub := &due[i]
		if err := m.renewOne(ctx, sub); err != nil {
			log.Errorf("[Sweep] renewal failed for user %d: %v", sub.UserID, err)
			report.Failures = append(report.Failures, SweepFailure{UserID: sub.UserID, Err: err})
			continue
		}
		report.Issued++
	}

	return report
}

// renewOne opens the next cycle's charge for one due subscription. The
// deactivation happens only after the provider accepted the charge; a
// subscription already flipped inactive by a concurrent run is simply not
// reselected.
func (m *Manager) renewOne(ctx context.Context, sub *models.Subscription) error {
	latest, err := m.store.Payments().GetLatestByUser(sub.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// An active subscription with no payment history cannot be
			// rebilled; flag it rather than invent an amount.
			return errors.New("no payment history to derive renewal amount from")
		}
		return err
	}

	_, err = m.svc.CreateCharge(ctx, latest.Provider, billing.ChargeRequest{
		UserID:      sub.UserID,
		AmountCents: latest.AmountCents,
		Description: "Renovação de assinatura",
		Renewal:     true,
		Payer: billing.PayerInfo{
			Name:  sub.PayerName,
			TaxID: sub.PayerTaxID,
			Email: sub.PayerEmail,
		},
	})
	if err != nil {
		return err
	}

	// Charge accepted and recorded with its renewal_created event. Close the
	// old cycle; the subscription becomes active again only when the new
	// charge is confirmed.
	return m.store.Subscriptions().Deactivate(sub.UserID)
}
