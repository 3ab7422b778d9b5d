package repository

import (
	"time"

	"github.com/lexflowhq/lexpay/app/models"
	"gorm.io/gorm"
)

// SubscriptionRepository defines the interface for subscription-related database operations
type SubscriptionRepository interface {
	GetByUserID(userID uint) (*models.Subscription, error)
	GetOrCreate(userID uint) (*models.Subscription, error)
	UpdateRef(userID uint, subscriptionRef string) error
	UpdatePayer(userID uint, name, taxID, email string) error
	Activate(userID uint, activatedAt time.Time, nextDueAt time.Time) error
	Deactivate(userID uint) error
	MarkDunning(userID uint, since time.Time) error
	ListDueActive(now time.Time, limit int) ([]models.Subscription, error)
}

// PaymentRepository defines the interface for payment-related database operations
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByProviderChargeID(provider, providerChargeID string) (*models.Payment, error)
	// UpdateStatusIfPending transitions the payment status with a
	// previous-value guard. It returns false when the row was not pending
	// anymore, which is how duplicate deliveries lose the race harmlessly.
	UpdateStatusIfPending(id uint, status string) (bool, error)
	HasPendingByUser(userID uint) (bool, error)
	GetLatestByUser(userID uint) (*models.Payment, error)
}

// SubscriptionEventRepository appends to the audit trail. There are
// intentionally no update or delete operations.
type SubscriptionEventRepository interface {
	Append(event *models.SubscriptionEvent) error
	ListByUser(userID uint, limit int) ([]models.SubscriptionEvent, error)
}

// Store bundles the repositories behind a transactional boundary. Transact
// runs fn against repositories bound to a single database transaction.
type Store interface {
	Subscriptions() SubscriptionRepository
	Payments() PaymentRepository
	Events() SubscriptionEventRepository
	Transact(fn func(Store) error) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Subscription SubscriptionRepository
	Payment      PaymentRepository
	Event        SubscriptionEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Subscription: NewSubscriptionRepository(db),
		Payment:      NewPaymentRepository(db),
		Event:        NewSubscriptionEventRepository(db),
	}
}

type gormStore struct {
	db    *gorm.DB
	repos *Repositories
}

// NewStore creates a Store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db, repos: NewRepositories(db)}
}

func (s *gormStore) Subscriptions() SubscriptionRepository { return s.repos.Subscription }
func (s *gormStore) Payments() PaymentRepository           { return s.repos.Payment }
func (s *gormStore) Events() SubscriptionEventRepository   { return s.repos.Event }

func (s *gormStore) Transact(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
