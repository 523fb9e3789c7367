package orders

import (
	"context"
	"time"

	"mercado/auth"
	"mercado/mailer"
	"mercado/models"
)

type Store interface {
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	FindProductByID(ctx context.Context, id int64) (*models.Product, error)

	CreateOrder(ctx context.Context, o *models.Order) error
	FindOrderByID(ctx context.Context, id int64) (*models.Order, error)
	FindOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	CountPendingByUser(ctx context.Context, userID int64) (int64, error)
	ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error)
	FindPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error)
	TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus, at time.Time) (bool, error)
	SetStatus(ctx context.Context, id int64, status models.OrderStatus, at time.Time) error
	ReplaceItems(ctx context.Context, id int64, items []models.OrderItem, total models.Money) error
	DeleteOrder(ctx context.Context, id int64) error
}

type Inventory interface {
	Commit(ctx context.Context, items []models.OrderItem) ([]models.ExhaustedProduct, error)
	Restore(ctx context.Context, items []models.OrderItem)
}

type Balance interface {
	Deduct(ctx context.Context, userID int64, amount models.Money) (models.Money, error)
	Add(ctx context.Context, userID int64, amount models.Money) (models.Money, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string)
}

type ExpirationScheduler interface {
	ScheduleOrderExpiration(ctx context.Context, orderID, userID int64, createdAt time.Time) error
	CancelOrderExpirationJob(ctx context.Context, orderID int64)
}

// CleanupTrigger starts the removal of sold-out products from carts.
type CleanupTrigger interface {
	QueueCartCleanup(ctx context.Context, products []models.ExhaustedProduct, orderID int64) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

type TokenIssuer interface {
	Issue(claims auth.Claims, ttl time.Duration) (string, error)
}

type InvoiceRenderer interface {
	Generate(order *models.Order, customer *models.User, balance models.Money) ([]byte, error)
}
