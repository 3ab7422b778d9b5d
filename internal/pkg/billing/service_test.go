package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lexflowhq/lexpay/app/models"
	"github.com/lexflowhq/lexpay/app/repository"
)

// memStore is an in-memory repository.Store. Transact runs the callback
// against the store itself, which is enough to exercise the service logic
// without a database.
type memStore struct {
	subs     map[uint]*models.Subscription
	payments []*models.Payment
	events   []*models.SubscriptionEvent
	nextID   uint

	appendErr   error
	transactErr error
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[uint]*models.Subscription)}
}

func (m *memStore) Subscriptions() repository.SubscriptionRepository { return m }
func (m *memStore) Payments() repository.PaymentRepository           { return m }
func (m *memStore) Events() repository.SubscriptionEventRepository   { return m }

func (m *memStore) Transact(fn func(repository.Store) error) error {
	if m.transactErr != nil {
		return m.transactErr
	}
	return fn(m)
}

func (m *memStore) GetByUserID(userID uint) (*models.Subscription, error) {
	sub, ok := m.subs[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

func (m *memStore) GetOrCreate(userID uint) (*models.Subscription, error) {
	if sub, ok := m.subs[userID]; ok {
		return sub, nil
	}
	m.nextID++
	sub := &models.Subscription{ID: m.nextID, UserID: userID}
	m.subs[userID] = sub
	return sub, nil
}

func (m *memStore) UpdateRef(userID uint, ref string) error {
	if sub, ok := m.subs[userID]; ok {
		sub.SubscriptionRef = ref
	}
	return nil
}

func (m *memStore) UpdatePayer(userID uint, name, taxID, email string) error {
	if sub, ok := m.subs[userID]; ok {
		sub.PayerName, sub.PayerTaxID, sub.PayerEmail = name, taxID, email
	}
	return nil
}

func (m *memStore) Activate(userID uint, activatedAt, nextDueAt time.Time) error {
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

func (m *memStore) Deactivate(userID uint) error {
	if sub, ok := m.subs[userID]; ok {
		sub.Active = false
	}
	return nil
}

func (m *memStore) MarkDunning(userID uint, since time.Time) error {
	if sub, ok := m.subs[userID]; ok && sub.DunningSince == nil {
		sub.DunningSince = &since
	}
	return nil
}

func (m *memStore) ListDueActive(now time.Time, limit int) ([]models.Subscription, error) {
	var due []models.Subscription
	for _, sub := range m.subs {
		if sub.IsDue(now) && len(due) < limit {
			due = append(due, *sub)
		}
	}
	return due, nil
}

func (m *memStore) Create(payment *models.Payment) error {
	m.nextID++
	payment.ID = m.nextID
	m.payments = append(m.payments, payment)
	return nil
}

func (m *memStore) GetByProviderChargeID(provider, chargeID string) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.Provider == provider && p.ProviderChargeID == chargeID {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) UpdateStatusIfPending(id uint, status string) (bool, error) {
	for _, p := range m.payments {
		if p.ID == id && p.Status == models.PaymentStatusPending {
			p.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) HasPendingByUser(userID uint) (bool, error) {
	for _, p := range m.payments {
		if p.UserID == userID && p.Status == models.PaymentStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetLatestByUser(userID uint) (*models.Payment, error) {
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

func (m *memStore) Append(event *models.SubscriptionEvent) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.nextID++
	event.ID = m.nextID
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) ListByUser(userID uint, limit int) ([]models.SubscriptionEvent, error) {
	var out []models.SubscriptionEvent
	for _, e := range m.events {
		if e.UserID == userID && len(out) < limit {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) eventsOfType(eventType string) []*models.SubscriptionEvent {
	var out []*models.SubscriptionEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeProvider is a canned Provider for service tests.
type fakeProvider struct {
	name   string
	secret string
	result *ChargeResult
	err    error
	calls  int
}

func (p *fakeProvider) Name() string          { return p.name }
func (p *fakeProvider) WebhookSecret() string { return p.secret }

func (p *fakeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakeProvider) ParseWebhook(payload []byte) ([]CanonicalEvent, error) { return nil, nil }

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestService(store repository.Store, providers ...Provider) *Service {
	if len(providers) == 0 {
		providers = []Provider{&fakeProvider{
			name:   models.PaymentProviderEfi,
			result: &ChargeResult{ProviderChargeID: "charge-1", QRCodePayload: "qr", RawResponse: "{}"},
		}}
	}
	svc := NewService(store, NewRegistry("", providers...), 30*24*time.Hour)
	svc.now = func() time.Time { return testNow }
	return svc
}

func seedPendingPayment(store *memStore, userID uint, chargeID string, amount int64) *models.Payment {
	payment := &models.Payment{
		UserID:           userID,
		SubscriptionRef:  chargeID,
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: chargeID,
		AmountCents:      amount,
		Method:           models.PaymentMethodPix,
		Status:           models.PaymentStatusPending,
	}
	_ = store.Create(payment)
	return payment
}

func TestCreateChargePersistsPendingPayment(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	result, err := svc.CreateCharge(context.Background(), "", ChargeRequest{
		UserID:      7,
		AmountCents: 4990,
		Description: "Assinatura mensal",
		Payer:       PayerInfo{Name: "Maria Silva", TaxID: "12345678909", Email: "maria@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "charge-1", result.ProviderChargeID)

	require.Len(t, store.payments, 1)
	payment := store.payments[0]
	assert.Equal(t, uint(7), payment.UserID)
	assert.Equal(t, models.PaymentProviderEfi, payment.Provider)
	assert.Equal(t, "charge-1", payment.ProviderChargeID)
	assert.Equal(t, int64(4990), payment.AmountCents)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)

	sub, err := store.GetByUserID(7)
	require.NoError(t, err)
	assert.False(t, sub.Active, "a fresh charge must not activate anything")
	assert.Equal(t, "charge-1", sub.SubscriptionRef)
	assert.Equal(t, "Maria Silva", sub.PayerName)
	assert.Equal(t, "12345678909", sub.PayerTaxID)

	require.Len(t, store.eventsOfType(models.SubscriptionEventCreated), 1)
}

func TestCreateChargeRenewalRecordsRenewalEvent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.CreateCharge(context.Background(), "", ChargeRequest{
		UserID:      7,
		AmountCents: 4990,
		Renewal:     true,
		Payer:       PayerInfo{Name: "Maria Silva", TaxID: "12345678909"},
	})
	require.NoError(t, err)

	require.Len(t, store.eventsOfType(models.SubscriptionEventRenewalCreated), 1)
	assert.Empty(t, store.eventsOfType(models.SubscriptionEventCreated),
		"a renewal charge writes exactly one audit event")
}

func TestCreateChargeRejectsExistingPending(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: models.PaymentProviderEfi, result: &ChargeResult{ProviderChargeID: "charge-2"}}
	svc := newTestService(store, provider)

	seedPendingPayment(store, 7, "charge-1", 4990)

	_, err := svc.CreateCharge(context.Background(), "", ChargeRequest{
		UserID:      7,
		AmountCents: 4990,
		Payer:       PayerInfo{Name: "Maria Silva", TaxID: "12345678909"},
	})
	require.ErrorIs(t, err, ErrPendingChargeExists)
	assert.Equal(t, 0, provider.calls, "the provider must not be called when a charge is already open")
}

func TestCreateChargeUnknownProvider(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.CreateCharge(context.Background(), "pagseguro", ChargeRequest{
		UserID:      7,
		AmountCents: 4990,
	})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCreateChargeProviderFailureLeavesStoreUntouched(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		name: models.PaymentProviderEfi,
		err:  &ProviderError{Provider: models.PaymentProviderEfi, Status: 422, Body: "cpf invalido"},
	}
	svc := newTestService(store, provider)

	_, err := svc.CreateCharge(context.Background(), "", ChargeRequest{
		UserID:      7,
		AmountCents: 4990,
		Payer:       PayerInfo{Name: "Maria Silva", TaxID: "12345678909"},
	})
	require.Error(t, err)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Empty(t, store.payments)
	assert.Empty(t, store.subs)
	assert.Empty(t, store.events)
}

func TestCreateChargePersistenceFailure(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("connection lost")
	svc := newTestService(store)

	result, err := svc.CreateCharge(context.Background(), "", ChargeRequest{
		UserID:      7,
		AmountCents: 4990,
		Payer:       PayerInfo{Name: "Maria Silva", TaxID: "12345678909"},
	})
	require.Error(t, err)

	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
	// The provider-side charge id still reaches the caller for follow-up.
	require.NotNil(t, result)
	assert.Equal(t, "charge-1", result.ProviderChargeID)
}

func TestApplyConfirmedActivatesSubscription(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	sub, _ := store.GetOrCreate(7)
	sub.PayerEmail = "maria@example.com"
	seedPendingPayment(store, 7, "charge-1", 4990)

	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		AmountCents:      4990,
		Outcome:          OutcomeConfirmed,
	})
	require.NoError(t, err)

	assert.Equal(t, ApplyApplied, result.Status)
	assert.Equal(t, uint(7), result.UserID)
	assert.True(t, result.Activated)
	assert.Equal(t, "maria@example.com", result.PayerEmail)
	require.NotNil(t, result.NextDueAt)
	assert.Equal(t, testNow.Add(30*24*time.Hour), *result.NextDueAt)

	assert.True(t, sub.Active)
	require.NotNil(t, sub.NextDueAt)
	assert.Equal(t, testNow.Add(30*24*time.Hour), *sub.NextDueAt)

	payment := store.payments[0]
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
	require.Len(t, store.eventsOfType(models.SubscriptionEventPaid), 1)
	require.Len(t, store.eventsOfType(models.SubscriptionEventActivated), 1,
		"the first activation is recorded in the audit trail")
}

func TestApplyRenewalConfirmationSkipsActivatedEvent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	// A subscription from a prior cycle: activated before, deactivated by the
	// renewal sweep, now waiting on the renewal charge.
	sub, _ := store.GetOrCreate(7)
	activated := testNow.Add(-30 * 24 * time.Hour)
	sub.ActivatedAt = &activated
	seedPendingPayment(store, 7, "renewal-charge", 4990)

	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "renewal-charge",
		Outcome:          OutcomeConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyApplied, result.Status)
	assert.True(t, sub.Active)

	require.Len(t, store.eventsOfType(models.SubscriptionEventPaid), 1)
	assert.Empty(t, store.eventsOfType(models.SubscriptionEventActivated))
}

func TestApplyIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, _ = store.GetOrCreate(7)
	seedPendingPayment(store, 7, "charge-1", 4990)

	event := CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		Outcome:          OutcomeConfirmed,
	}

	first, err := svc.Apply(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, ApplyApplied, first.Status)

	second, err := svc.Apply(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, ApplyDuplicate, second.Status)

	assert.Len(t, store.eventsOfType(models.SubscriptionEventPaid), 1, "redelivery must not duplicate the audit trail")
	assert.Equal(t, models.PaymentStatusConfirmed, store.payments[0].Status)
}

func TestApplyUnknownChargeIgnored(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "never-issued",
		Outcome:          OutcomeConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyIgnored, result.Status)
	assert.Empty(t, store.events)
}

func TestApplyFailedKeepsActiveSubscription(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	sub, _ := store.GetOrCreate(7)
	activated := testNow.Add(-20 * 24 * time.Hour)
	due := testNow.Add(10 * 24 * time.Hour)
	sub.Active = true
	sub.ActivatedAt = &activated
	sub.NextDueAt = &due

	seedPendingPayment(store, 7, "renewal-charge", 4990)

	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "renewal-charge",
		Outcome:          OutcomeFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyApplied, result.Status)
	assert.False(t, result.Activated)

	assert.Equal(t, models.PaymentStatusFailed, store.payments[0].Status)
	assert.True(t, sub.Active, "a failed renewal must never revoke current access")
	require.NotNil(t, sub.DunningSince)
	assert.Equal(t, testNow, *sub.DunningSince)
	require.Len(t, store.eventsOfType(models.SubscriptionEventFailed), 1)
}

func TestApplyFailedInactiveSubscription(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	sub, _ := store.GetOrCreate(7)
	seedPendingPayment(store, 7, "charge-1", 4990)

	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		Outcome:          OutcomeFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyApplied, result.Status)

	assert.False(t, sub.Active)
	assert.Nil(t, sub.DunningSince, "dunning only applies to subscriptions with current access")
	require.Len(t, store.eventsOfType(models.SubscriptionEventFailed), 1)
}

func TestApplyStatusIsMonotonic(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, _ = store.GetOrCreate(7)
	seedPendingPayment(store, 7, "charge-1", 4990)

	_, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		Outcome:          OutcomeFailed,
	})
	require.NoError(t, err)

	// An out-of-order confirmation must not resurrect a settled charge.
	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		Outcome:          OutcomeConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyDuplicate, result.Status)

	assert.Equal(t, models.PaymentStatusFailed, store.payments[0].Status)
	sub, _ := store.GetByUserID(7)
	assert.False(t, sub.Active)
	assert.Empty(t, store.eventsOfType(models.SubscriptionEventPaid))
}

func TestApplyConfirmedClearsDunning(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	sub, _ := store.GetOrCreate(7)
	dunning := testNow.Add(-5 * 24 * time.Hour)
	sub.Active = true
	sub.DunningSince = &dunning

	seedPendingPayment(store, 7, "retry-charge", 4990)

	_, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "retry-charge",
		Outcome:          OutcomeConfirmed,
	})
	require.NoError(t, err)

	assert.True(t, sub.Active)
	assert.Nil(t, sub.DunningSince, "a confirmed payment settles the dunning state")
}

func TestApplyAmountMismatchStillApplies(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, _ = store.GetOrCreate(7)
	seedPendingPayment(store, 7, "charge-1", 4990)

	result, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		AmountCents:      4980,
		Outcome:          OutcomeConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyApplied, result.Status)
}

func TestApplyPersistenceFailure(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, _ = store.GetOrCreate(7)
	seedPendingPayment(store, 7, "charge-1", 4990)
	store.transactErr = errors.New("deadlock")

	_, err := svc.Apply(context.Background(), CanonicalEvent{
		Provider:         models.PaymentProviderEfi,
		ProviderChargeID: "charge-1",
		Outcome:          OutcomeConfirmed,
	})
	require.Error(t, err)

	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
}

func TestCycleDefault(t *testing.T) {
	svc := NewService(newMemStore(), NewRegistry(""), 0)
	assert.Equal(t, 30*24*time.Hour, svc.cycle)
}
