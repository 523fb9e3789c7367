package cart

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercado/apperr"
	"mercado/auth"
	"mercado/invoice"
	"mercado/ledger"
	"mercado/mailer"
	"mercado/models"
	"mercado/orders"
	"mercado/rdx"
	"mercado/storetest"
)

type storeProducts struct{ store *storetest.Store }

func (p storeProducts) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	prod, err := p.store.FindProductByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prod == nil {
		return nil, apperr.NotFound("Product")
	}
	return prod, nil
}

type noExpiry struct{}

func (noExpiry) ScheduleOrderExpiration(context.Context, int64, int64, time.Time) error { return nil }
func (noExpiry) CancelOrderExpirationJob(context.Context, int64)                        {}

type noCleanup struct{}

func (noCleanup) QueueCartCleanup(context.Context, []models.ExhaustedProduct, int64) (string, error) {
	return "", nil
}

type noMail struct{}

func (noMail) Send(context.Context, mailer.Message) error { return nil }

type fixture struct {
	mr    *miniredis.Miniredis
	store *storetest.Store
	repo  *Repository
	svc   *Service
	user  *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })

	store := storetest.New()
	cache := rdx.NewCache(conn)
	orderSvc := orders.NewService(orders.Deps{
		Store:     store,
		Inventory: ledger.NewInventory(store, cache),
		Balance:   ledger.NewBalance(store, cache),
		Cache:     cache,
		Expiry:    noExpiry{},
		Cleanup:   noCleanup{},
		Mailer:    noMail{},
		Tokens:    auth.NewTokens([]byte("secret")),
		Invoices:  invoice.NewGenerator("http://shop.test"),
	}, orders.Options{AppURL: "http://shop.test"})

	repo := NewRepository(conn)
	return &fixture{
		mr:    mr,
		store: store,
		repo:  repo,
		svc:   NewService(repo, storeProducts{store}, orderSvc),
		user:  store.AddUser(models.User{Name: "Ana", Email: "ana@example.com", Balance: 10000}),
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, f.repo.Save(ctx, &models.Cart{UserID: 7, Items: []models.CartItem{{ProductID: 1, Quantity: 2}}}))
	assert.Equal(t, TTL, f.mr.TTL("cart:7"))
	ok, err := f.repo.Exists(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	f.mr.FastForward(24 * time.Hour)
	require.NoError(t, f.repo.ExtendTTL(ctx, 7))
	assert.Equal(t, TTL, f.mr.TTL("cart:7"))

	c, err = f.repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []models.CartItem{{ProductID: 1, Quantity: 2}}, c.Items)

	require.NoError(t, f.repo.Delete(ctx, 7))
	ok, err = f.repo.Exists(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepositoryScanUserIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{3, 11, 42} {
		require.NoError(t, f.repo.Save(ctx, &models.Cart{UserID: id, Items: []models.CartItem{{ProductID: 1, Quantity: 1}}}))
	}
	f.mr.Set("cart:not-a-user", "{}")
	f.mr.Set("product:1", "{}")

	ids, err := f.repo.ScanUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3, 11, 42}, ids)
}

func TestRepositoryUpdateDeletesEmptyCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Save(ctx, &models.Cart{UserID: 5, Items: []models.CartItem{{ProductID: 1, Quantity: 1}}}))

	c, err := f.repo.Update(ctx, 5, func(c *models.Cart) error {
		c.Remove(1, time.Now())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	assert.False(t, f.mr.Exists("cart:5"))
}

func TestRepositoryUpdateAbortsOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Save(ctx, &models.Cart{UserID: 5, Items: []models.CartItem{{ProductID: 1, Quantity: 1}}}))

	_, err := f.repo.Update(ctx, 5, func(c *models.Cart) error {
		c.Items = nil
		return apperr.Validation("nope")
	})
	require.Error(t, err)
	c, err := f.repo.Get(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, c.Items, 1)
}

func TestAddItemMergesAndChecksStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lamp := f.store.AddProduct(models.Product{Name: "Lamp", Price: 1000, Stock: 5})

	_, err := f.svc.AddItem(ctx, f.user.ID, lamp.ID, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.svc.AddItem(ctx, f.user.ID, 99, 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.svc.AddItem(ctx, f.user.ID, lamp.ID, 6)
	assert.Equal(t, `Insufficient stock for product "Lamp". Available: 5, requested: 6`, apperr.PublicMessage(err))

	c, err := f.svc.AddItem(ctx, f.user.ID, lamp.ID, 2)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	c, err = f.svc.AddItem(ctx, f.user.ID, lamp.ID, 3)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 5, c.Items[0].Quantity)

	_, err = f.svc.AddItem(ctx, f.user.ID, lamp.ID, 1)
	assert.Equal(t, "Insufficient stock. You have 5 in cart. Available: 5", apperr.PublicMessage(err))
}

func TestUpdateAndRemoveItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lamp := f.store.AddProduct(models.Product{Name: "Lamp", Price: 1000, Stock: 5})
	desk := f.store.AddProduct(models.Product{Name: "Desk", Price: 3000, Stock: 5})

	_, err := f.svc.UpdateItemQuantity(ctx, f.user.ID, lamp.ID, 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.svc.AddItem(ctx, f.user.ID, lamp.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, f.user.ID, desk.ID, 1)
	require.NoError(t, err)

	c, err := f.svc.UpdateItemQuantity(ctx, f.user.ID, lamp.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Items[0].Quantity)
	_, err = f.svc.UpdateItemQuantity(ctx, f.user.ID, lamp.ID, 9)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.svc.RemoveItem(ctx, f.user.ID, 77)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	c, err = f.svc.RemoveItem(ctx, f.user.ID, lamp.ID)
	require.NoError(t, err)
	assert.Len(t, c.Items, 1)
	c, err = f.svc.RemoveItem(ctx, f.user.ID, desk.ID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.False(t, f.mr.Exists(Key(f.user.ID)))
}

func TestGetCartSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lamp := f.store.AddProduct(models.Product{Name: "Lamp", Price: 1250, Stock: 5})
	desk := f.store.AddProduct(models.Product{Name: "Desk", Price: 3000, Stock: 5})

	summary, err := f.svc.GetCartSummary(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, summary.Items)
	assert.Zero(t, summary.Total)

	f.svc.AddItem(ctx, f.user.ID, lamp.ID, 2)
	f.svc.AddItem(ctx, f.user.ID, desk.ID, 1)
	summary, err = f.svc.GetCartSummary(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, summary.Items, 2)
	assert.Equal(t, models.Money(2500), summary.Items[0].Subtotal)
	assert.Equal(t, models.Money(5500), summary.Total)
	assert.Equal(t, 3, summary.ItemCount)
}

func TestCheckoutRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.store.AddProduct(models.Product{Name: "Lamp", Price: 1250, Stock: 5})
	p2 := f.store.AddProduct(models.Product{Name: "Desk", Price: 3000, Stock: 5})
	require.NoError(t, f.repo.Save(ctx, &models.Cart{UserID: f.user.ID, Items: []models.CartItem{
		{ProductID: p1.ID, Quantity: 2},
		{ProductID: p2.ID, Quantity: 1},
	}}))

	res, err := f.svc.Checkout(ctx, f.user.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, res.Order.Status)
	assert.Equal(t, p1.Price.Mul(2)+p2.Price.Mul(1), res.Order.Total)
	assert.False(t, f.mr.Exists(Key(f.user.ID)))

	c, err := f.svc.GetCart(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestCheckoutTrustedCompletesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1 := f.store.AddProduct(models.Product{Name: "Lamp", Price: 1250, Stock: 5})
	_, err := f.svc.AddItem(ctx, f.user.ID, p1.ID, 2)
	require.NoError(t, err)

	res, err := f.svc.Checkout(ctx, f.user.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, res.Order.Status)
	assert.Equal(t, 3, f.store.Stock(p1.ID))
	assert.False(t, f.mr.Exists(Key(f.user.ID)))
}

func TestCheckoutFailureKeepsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, f.user.ID, false)
	assert.Equal(t, "Cart is empty", apperr.PublicMessage(err))

	gold := f.store.AddProduct(models.Product{Name: "Gold", Price: 90000, Stock: 5})
	_, err = f.svc.AddItem(ctx, f.user.ID, gold.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.Checkout(ctx, f.user.ID, false)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.True(t, f.mr.Exists(Key(f.user.ID)))
}
