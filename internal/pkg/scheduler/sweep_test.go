package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/app/repository"
	"github.com/lexflowhq/lexpay/internal/pkg/billing"
)

// sweepStore is an in-memory repository.Store for sweep tests.
type sweepStore struct {
	subs     map[uint]*models.Subscription
	payments []*models.Payment
	events   []*models.SubscriptionEvent
	nextID   uint
}

func newSweepStore() *sweepStore {
	return &sweepStore{subs: make(map[uint]*models.Subscription)}
}

func (m *sweepStore) Subscriptions() repository.SubscriptionRepository { return m }
func (m *sweepStore) Payments() repository.PaymentRepository           { return m }
func (m *sweepStore) Events() repository.SubscriptionEventRepository   { return m }
func (m *sweepStore) Transact(fn func(repository.Store) error) error   { return fn(m) }

func (m *sweepStore) GetByUserID(userID uint) (*models.Subscription, error) {
	sub, ok := m.subs[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

func (m *sweepStore) GetOrCreate(userID uint) (*models.Subscription, error) {
	if sub, ok := m.subs[userID]; ok {
		return sub, nil
	}
	m.nextID++
	sub := &models.Subscription{ID: m.nextID, UserID: userID}
	m.subs[userID] = sub
	return sub, nil
}

func (m *sweepStore) UpdateRef(userID uint, ref string) error {
	if sub, ok := m.subs[userID]; ok {
		sub.SubscriptionRef = ref
	}
	return nil
}

func (m *sweepStore) UpdatePayer(userID uint, name, taxID, email string) error {
	if sub, ok := m.subs[userID]; ok {
		sub.PayerName, sub.PayerTaxID, sub.PayerEmail = name, taxID, email
	}
	return nil
}

func (m *sweepStore) Activate(userID uint, activatedAt, nextDueAt time.Time) error {
	sub, ok := m.subs[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	sub.Active = true
	sub.ActivatedAt = &activatedAt
	sub.NextDueAt = &nextDueAt
	sub.DunningSince = nil
	return nil
}

func (m *sweepStore) Deactivate(userID uint) error {
	if sub, ok := m.subs[userID]; ok {
		sub.Active = false
	}
	return nil
}

func (m *sweepStore) MarkDunning(userID uint, since time.Time) error {
	if sub, ok := m.subs[userID]; ok && sub.DunningSince == nil {
		sub.DunningSince = &since
	}
	return nil
}

func (m *sweepStore) ListDueActive(now time.Time, limit int) ([]models.Subscription, error) {
	var due []models.Subscription
	for _, sub := range m.subs {
		if sub.IsDue(now) && len(due) < limit {
			due = append(due, *sub)
		}
	}
	return due, nil
}

func (m *sweepStore) Create(payment *models.Payment) error {
	m.nextID++
	payment.ID = m.nextID
	m.payments = append(m.payments, payment)
	return nil
}

func (m *sweepStore) GetByProviderChargeID(provider, chargeID string) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.Provider == provider && p.ProviderChargeID == chargeID {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *sweepStore) UpdateStatusIfPending(id uint, status string) (bool, error) {
	for _, p := range m.payments {
		if p.ID == id && p.Status == models.PaymentStatusPending {
			p.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (m *sweepStore) HasPendingByUser(userID uint) (bool, error) {
	for _, p := range m.payments {
		if p.UserID == userID && p.Status == models.PaymentStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *sweepStore) GetLatestByUser(userID uint) (*models.Payment, error) {
	var latest *models.Payment
	for _, p := range m.payments {
		if p.UserID == userID && (latest == nil || p.ID > latest.ID) {
			latest = p
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (m *sweepStore) Append(event *models.SubscriptionEvent) error {
	m.nextID++
	event.ID = m.nextID
	m.events = append(m.events, event)
	return nil
}

func (m *sweepStore) ListByUser(userID uint, limit int) ([]models.SubscriptionEvent, error) {
	var out []models.SubscriptionEvent
	for _, e := range m.events {
		if e.UserID == userID && len(out) < limit {
			out = append(out, *e)
		}
	}
	return out, nil
}

// renewalProvider records the charge requests the sweep issues.
type renewalProvider struct {
	requests []billing.ChargeRequest
	err      error
	seq      int
}

func (p *renewalProvider) Name() string          { return models.PaymentProviderEfi }
func (p *renewalProvider) WebhookSecret() string { return "secret" }

func (p *renewalProvider) CreateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	p.seq++
	return &billing.ChargeResult{ProviderChargeID: "renewal-" + string(rune('a'+p.seq)), RawResponse: "{}"}, nil
}

func (p *renewalProvider) ParseWebhook(payload []byte) ([]billing.CanonicalEvent, error) {
	return nil, nil
}

var sweepNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newSweepManager(store *sweepStore, provider billing.Provider) *Manager {
	svc := billing.NewService(store, billing.NewRegistry("", provider), 30*24*time.Hour)
	return &Manager{svc: svc, store: store, stopCh: make(chan struct{})}
}

func seedActiveSubscription(store *sweepStore, userID uint, dueAt time.Time) *models.Subscription {
	sub, _ := store.GetOrCreate(userID)
	activated := dueAt.Add(-30 * 24 * time.Hour)
	sub.Active = true
	sub.ActivatedAt = &activated
	sub.NextDueAt = &dueAt
	sub.PayerName = "Maria Silva"
	sub.PayerTaxID = "12345678909"
	sub.PayerEmail = "maria@example.com"
	return sub
}

func seedConfirmedPayment(store *sweepStore, userID uint, amount int64) {
	_ = store.Create(&models.Payment{
		UserID:           userID,
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "prev-cycle",
		SubscriptionRef:  "prev-cycle",
		AmountCents:      amount,
		Method:           models.PaymentMethodPix,
		Status:           models.PaymentStatusConfirmed,
	})
}

func TestRunSweepRenewsDueSubscription(t *testing.T) {
	store := newSweepStore()
	provider := &renewalProvider{}
	m := newSweepManager(store, provider)

	sub := seedActiveSubscription(store, 7, sweepNow.Add(-time.Hour))
	seedConfirmedPayment(store, 7, 4990)

	report := m.RunSweep(sweepNow)

	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Issued)
	assert.Empty(t, report.Failures)

	// The renewal charge carries the previous amount and the payer snapshot.
	require.Len(t, provider.requests, 1)
	assert.Equal(t, int64(4990), provider.requests[0].AmountCents)
	assert.Equal(t, "Maria Silva", provider.requests[0].Payer.Name)
	assert.Equal(t, "12345678909", provider.requests[0].Payer.TaxID)

	// Deactivated until the new charge confirms through the webhook path.
	assert.False(t, sub.Active)

	renewalEvents, createdEvents := 0, 0
	for _, e := range store.events {
		switch e.EventType {
		case models.SubscriptionEventRenewalCreated:
			renewalEvents++
		case models.SubscriptionEventCreated:
			createdEvents++
		}
	}
	assert.Equal(t, 1, renewalEvents)
	assert.Equal(t, 0, createdEvents, "a renewal cycle writes one audit event, not two")

	pending, err := store.HasPendingByUser(7)
	require.NoError(t, err)
	assert.True(t, pending, "the renewal must leave an open charge awaiting settlement")
}

func TestRunSweepIsIdempotentAcrossRuns(t *testing.T) {
	store := newSweepStore()
	provider := &renewalProvider{}
	m := newSweepManager(store, provider)

	seedActiveSubscription(store, 7, sweepNow.Add(-time.Hour))
	seedConfirmedPayment(store, 7, 4990)

	first := m.RunSweep(sweepNow)
	assert.Equal(t, 1, first.Issued)

	// The subscription is now inactive, so a second sweep finds nothing.
	second := m.RunSweep(sweepNow)
	assert.Equal(t, 0, second.Due)
	assert.Equal(t, 0, second.Issued)
	assert.Len(t, provider.requests, 1)
}

func TestRunSweepSkipsNotYetDue(t *testing.T) {
	store := newSweepStore()
	provider := &renewalProvider{}
	m := newSweepManager(store, provider)

	sub := seedActiveSubscription(store, 7, sweepNow.Add(24*time.Hour))
	seedConfirmedPayment(store, 7, 4990)

	report := m.RunSweep(sweepNow)

	assert.Equal(t, 0, report.Due)
	assert.Empty(t, provider.requests)
	assert.True(t, sub.Active)
}

func TestRunSweepFailureLeavesSubscriptionUntouched(t *testing.T) {
	store := newSweepStore()
	provider := &renewalProvider{
		err: &billing.ProviderError{Provider: models.PaymentProviderEfi, Status: 503, Body: "maintenance"},
	}
	m := newSweepManager(store, provider)

	dueAt := sweepNow.Add(-time.Hour)
	sub := seedActiveSubscription(store, 7, dueAt)
	seedConfirmedPayment(store, 7, 4990)

	report := m.RunSweep(sweepNow)

	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 0, report.Issued)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, uint(7), report.Failures[0].UserID)

	// Left active and due so the next sweep retries.
	assert.True(t, sub.Active)
	require.NotNil(t, sub.NextDueAt)
	assert.Equal(t, dueAt, *sub.NextDueAt)
}

func TestRunSweepNoPaymentHistory(t *testing.T) {
	store := newSweepStore()
	provider := &renewalProvider{}
	m := newSweepManager(store, provider)

	sub := seedActiveSubscription(store, 7, sweepNow.Add(-time.Hour))

	report := m.RunSweep(sweepNow)

	assert.Equal(t, 1, report.Due)
	require.Len(t, report.Failures, 1)
	assert.Empty(t, provider.requests)
	assert.True(t, sub.Active)
}
