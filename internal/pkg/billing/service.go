package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/app/repository"
	"github.com/lexflowhq/lexpay/internal/pkg/env"
)

// DefaultCycleDays is the subscription cycle length when RENEWAL_CYCLE_DAYS
// is not configured.
const DefaultCycleDays = 30

// ApplyStatus describes what the state machine did with a canonical event.
type ApplyStatus string

const (
	// ApplyApplied means the payment transitioned and dependent state moved.
	ApplyApplied ApplyStatus = "applied"
	// ApplyDuplicate means the payment was already terminal; nothing changed.
	ApplyDuplicate ApplyStatus = "duplicate"
	// ApplyIgnored means no payment matches the charge id; nothing changed.
	ApplyIgnored ApplyStatus = "ignored"
)

// ApplyResult reports the outcome of one reconciliation step. PayerEmail is
// carried out so callers can send the payment receipt without another lookup.
type ApplyResult struct {
	Status     ApplyStatus
	UserID     uint
	Activated  bool
	NextDueAt  *time.Time
	PayerEmail string
}

// Service is the reconciliation engine: it issues charges and applies
// canonical payment events to the persisted subscription state.
type Service struct {
	store    repository.Store
	registry *Registry
	cycle    time.Duration
	now      func() time.Time
}

// NewService creates a reconciliation service.
func NewService(store repository.Store, registry *Registry, cycle time.Duration) *Service {
	if cycle <= 0 {
		cycle = DefaultCycleDays * 24 * time.Hour
	}
	return &Service{
		store:    store,
		registry: registry,
		cycle:    cycle,
		now:      time.Now,
	}
}

// NewServiceFromDB creates a service from a GORM DB handle with the cycle
// length taken from the environment.
func NewServiceFromDB(db *gorm.DB, registry *Registry) *Service {
	return NewService(repository.NewStore(db), registry, CycleFromEnv())
}

// CycleFromEnv reads the renewal cycle length from RENEWAL_CYCLE_DAYS.
func CycleFromEnv() time.Duration {
	days, err := strconv.Atoi(env.GetEnv("RENEWAL_CYCLE_DAYS", ""))
	if err != nil || days <= 0 {
		days = DefaultCycleDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Registry exposes the configured provider registry.
func (s *Service) Registry() *Registry { return s.registry }

// CreateCharge opens a new provider charge for a user and records it. The
// payment row and the subscription ref pointer are written in one
// transaction: either both land or the local state is unchanged. A store
// failure after the provider accepted the charge is returned as a
// PersistenceError and must be flagged for manual follow-up, since the
// provider now holds a charge the local store does not reflect.
func (s *Service) CreateCharge(ctx context.Context, providerName string, req ChargeRequest) (*ChargeResult, error) {
	if req.UserID == 0 || req.AmountCents <= 0 {
		return nil, errors.New("user_id and a positive amount are required")
	}

	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	// One open charge per user at a time. Checked before calling out so a
	// redundant click does not leave an orphan charge at the provider.
	pending, err := s.store.Payments().HasPendingByUser(req.UserID)
	if err != nil {
		return nil, &PersistenceError{Op: "pending charge lookup", Err: err}
	}
	if pending {
		return nil, ErrPendingChargeExists
	}

	result, err := provider.CreateCharge(ctx, req)
	if err != nil {
		return nil, err
	}

	txErr := s.store.Transact(func(tx repository.Store) error {
		if _, err := tx.Subscriptions().GetOrCreate(req.UserID); err != nil {
			return err
		}
		payment := &models.Payment{
			UserID:           req.UserID,
			SubscriptionRef:  result.ProviderChargeID,
			Provider:         provider.Name(),
			ProviderChargeID: result.ProviderChargeID,
			AmountCents:      req.AmountCents,
			Method:           models.PaymentMethodPix,
			Status:           models.PaymentStatusPending,
			RawPayloadJSON:   result.RawResponse,
		}
		if err := tx.Payments().Create(payment); err != nil {
			return err
		}
		if err := tx.Subscriptions().UpdateRef(req.UserID, result.ProviderChargeID); err != nil {
			return err
		}
		if err := tx.Subscriptions().UpdatePayer(req.UserID, req.Payer.Name, req.Payer.TaxID, req.Payer.Email); err != nil {
			return err
		}
		eventType := models.SubscriptionEventCreated
		if req.Renewal {
			eventType = models.SubscriptionEventRenewalCreated
		}
		return tx.Events().Append(&models.SubscriptionEvent{
			UserID:          req.UserID,
			SubscriptionRef: result.ProviderChargeID,
			EventType:       eventType,
			PayloadJSON:     result.RawResponse,
		})
	})
	if txErr != nil {
		// Reconciliation risk: the provider accepted charge
		// result.ProviderChargeID but we could not record it.
		log.Errorf("[Billing] charge %s accepted by %s but not persisted: %v",
			result.ProviderChargeID, provider.Name(), txErr)
		return result, &PersistenceError{Op: "charge persistence", Err: txErr}
	}

	return result, nil
}

// Apply runs one canonical event through the reconciliation state machine.
//
// Payment status is monotonic: pending -> confirmed or pending -> failed,
// guarded by a compare-and-swap on status, which makes duplicate and
// out-of-order deliveries collapse into no-ops. A Confirmed outcome activates
// the owning subscription for a fresh cycle; a Failed outcome never
// deactivates a subscription that is already active from a prior cycle, it
// only marks it for dunning.
func (s *Service) Apply(ctx context.Context, event CanonicalEvent) (*ApplyResult, error) {
	_ = ctx

	payment, err := s.store.Payments().GetByProviderChargeID(event.Provider, event.ProviderChargeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A charge this system never issued, or one whose lookup key was
			// already cleared. Acknowledge and move on.
			log.Infof("[Billing] ignoring %s event for unknown charge %s",
				event.Provider, event.ProviderChargeID)
			return &ApplyResult{Status: ApplyIgnored}, nil
		}
		return nil, &PersistenceError{Op: "payment lookup", Err: err}
	}

	if payment.IsTerminal() {
		return &ApplyResult{Status: ApplyDuplicate, UserID: payment.UserID}, nil
	}

	if event.AmountCents > 0 && event.AmountCents != payment.AmountCents {
		log.Warnf("[Billing] amount mismatch on charge %s: charged %d, notified %d",
			event.ProviderChargeID, payment.AmountCents, event.AmountCents)
	}

	result := &ApplyResult{UserID: payment.UserID}
	txErr := s.store.Transact(func(tx repository.Store) error {
		target := models.PaymentStatusConfirmed
		if event.Outcome == OutcomeFailed {
			target = models.PaymentStatusFailed
		}

		// The status CAS is the commit point; losing it means another
		// delivery of the same event got there first.
		moved, err := tx.Payments().UpdateStatusIfPending(payment.ID, target)
		if err != nil {
			return err
		}
		if !moved {
			result.Status = ApplyDuplicate
			return nil
		}
		result.Status = ApplyApplied

		if event.Outcome == OutcomeConfirmed {
			sub, err := tx.Subscriptions().GetByUserID(payment.UserID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			firstActivation := sub != nil && sub.ActivatedAt == nil
			if sub != nil {
				result.PayerEmail = sub.PayerEmail
			}

			now := s.now()
			nextDue := now.Add(s.cycle)
			if err := tx.Subscriptions().Activate(payment.UserID, now, nextDue); err != nil {
				return err
			}
			result.Activated = true
			result.NextDueAt = &nextDue

			if firstActivation {
				if err := tx.Events().Append(&models.SubscriptionEvent{
					UserID:          payment.UserID,
					SubscriptionRef: payment.SubscriptionRef,
					EventType:       models.SubscriptionEventActivated,
					PayloadJSON:     event.RawSnapshot,
				}); err != nil {
					return err
				}
			}
			return tx.Events().Append(&models.SubscriptionEvent{
				UserID:          payment.UserID,
				SubscriptionRef: payment.SubscriptionRef,
				EventType:       models.SubscriptionEventPaid,
				PayloadJSON:     event.RawSnapshot,
			})
		}

		// Failed outcome: the payment is settled as failed, the subscription
		// keeps whatever active state it had. An active subscription gets a
		// dunning marker so the failed renewal is visible for follow-up.
		sub, err := tx.Subscriptions().GetByUserID(payment.UserID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if sub != nil && sub.Active {
			if err := tx.Subscriptions().MarkDunning(payment.UserID, s.now()); err != nil {
				return err
			}
		}
		return tx.Events().Append(&models.SubscriptionEvent{
			UserID:          payment.UserID,
			SubscriptionRef: payment.SubscriptionRef,
			EventType:       models.SubscriptionEventFailed,
			PayloadJSON:     event.RawSnapshot,
		})
	})
	if txErr != nil {
		// Retryable by webhook redelivery or operator replay; never silent.
		return nil, &PersistenceError{Op: fmt.Sprintf("reconcile charge %s", event.ProviderChargeID), Err: txErr}
	}

	return result, nil
}
