package users

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mercado/apperr"
	"mercado/auth"
	"mercado/ledger"
	"mercado/mailer"
	"mercado/models"
	"mercado/rdx"
	"mercado/storetest"
)

const password = "Secret123"

type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) last(t *testing.T) mailer.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeProducts []models.Product

func (f fakeProducts) ListProducts(ctx context.Context) ([]models.Product, error) {
	return f, nil
}

type fakeCarts struct{ deleted []int64 }

func (f *fakeCarts) Delete(ctx context.Context, userID int64) error {
	f.deleted = append(f.deleted, userID)
	return nil
}

type fixture struct {
	svc    *Service
	store  *storetest.Store
	cache  *rdx.Cache
	mail   *fakeMailer
	carts  *fakeCarts
	tokens *auth.Tokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })

	f := &fixture{
		store:  storetest.New(),
		cache:  rdx.NewCache(conn),
		mail:   &fakeMailer{},
		carts:  &fakeCarts{},
		tokens: auth.NewTokens([]byte("test-secret")),
	}
	f.svc = NewService(Deps{
		Store:   f.store,
		Cache:   f.cache,
		Balance: ledger.NewBalance(f.store, f.cache),
		Products: fakeProducts{
			{ID: 1, Name: "Sofa", Price: 90000, Stock: 2},
			{ID: 2, Name: "Mug", Price: 800, Stock: 0},
			{ID: 3, Name: "Pen", Price: 150, Stock: 9},
			{ID: 4, Name: "Lamp", Price: 2400, Stock: 1},
		},
		Carts:  f.carts,
		Mailer: f.mail,
		Tokens: f.tokens,
	}, Options{AppURL: "http://shop.test", BcryptCost: bcrypt.MinCost})
	return f
}

// verified registers a user and marks the email as confirmed.
func (f *fixture) verified(t *testing.T, email string) *models.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), RegisterInput{Name: "Ana", Email: email, Password: password})
	require.NoError(t, err)
	_, err = f.store.SetEmailVerified(context.Background(), email)
	require.NoError(t, err)
	return u
}

func linkToken(t *testing.T, text string) string {
	t.Helper()
	i := strings.Index(text, "token=")
	require.GreaterOrEqual(t, i, 0, text)
	raw := strings.Fields(text[i+len("token="):])[0]
	token, err := url.QueryUnescape(raw)
	require.NoError(t, err)
	return token
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]RegisterInput{
		"at least 2 characters": {Name: "A", Email: "a@example.com", Password: password},
		"Invalid email format":  {Name: "Ana", Email: "not-an-email", Password: password},
		"at least 8 characters": {Name: "Ana", Email: "a@example.com", Password: "Ab1"},
		"one uppercase letter":  {Name: "Ana", Email: "a@example.com", Password: "secret123"},
		"not exceed 72":         {Name: "Ana", Email: "a@example.com", Password: "Aa1" + strings.Repeat("x", 70)},
	}
	for msg, in := range cases {
		_, err := f.svc.Register(ctx, in)
		require.Error(t, err, msg)
		assert.True(t, apperr.Is(err, apperr.KindValidation), msg)
		assert.Contains(t, apperr.PublicMessage(err), msg)
	}
}

func TestRegisterAndVerifyEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.Register(ctx, RegisterInput{Name: " Ana ", Email: " Ana@Example.com ", Password: password})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.Equal(t, models.RoleUser, u.Role)
	assert.False(t, u.EmailVerified)
	assert.NotEqual(t, password, u.PasswordHash)

	_, err = f.svc.Register(ctx, RegisterInput{Name: "Ana", Email: "ana@example.com", Password: password})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = f.svc.Login(ctx, "ana@example.com", password, "")
	require.Error(t, err)
	assert.Equal(t, "Email not verified", apperr.PublicMessage(err))

	msg := f.mail.last(t)
	assert.Equal(t, "ana@example.com", msg.To)
	token := linkToken(t, msg.Text)

	require.NoError(t, f.svc.VerifyEmail(ctx, token))
	got, err := f.svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)

	// A login code token cannot verify an email.
	other, err := f.tokens.Issue(auth.Claims{UserID: u.ID, Email: u.Email, Purpose: auth.PurposeTwoFactor}, time.Hour)
	require.NoError(t, err)
	assert.True(t, apperr.Is(f.svc.VerifyEmail(ctx, other), apperr.KindAuthentication))
}

func TestLoginWithEmailedCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.verified(t, "ana@example.com")

	_, err := f.svc.Login(ctx, "ana@example.com", "Wrong1234", "")
	assert.Equal(t, "Invalid credentials", apperr.PublicMessage(err))
	_, err = f.svc.Login(ctx, "nobody@example.com", password, "")
	assert.Equal(t, "Invalid credentials", apperr.PublicMessage(err))

	res, err := f.svc.Login(ctx, "ana@example.com", password, "")
	require.NoError(t, err)
	assert.False(t, res.SkipTwoFactor)
	assert.Empty(t, res.AccessToken)
	require.NotEmpty(t, res.PendingAuthToken)

	code, ok, err := f.cache.GetString(ctx, rdx.LoginCodeKey(u.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, code, 6)
	assert.Contains(t, f.mail.last(t).Text, code)

	_, err = f.svc.VerifyLoginCode(ctx, res.PendingAuthToken, "not-it", false)
	assert.Equal(t, "Invalid code", apperr.PublicMessage(err))

	sess, err := f.svc.VerifyLoginCode(ctx, res.PendingAuthToken, code, false)
	require.NoError(t, err)
	assert.Empty(t, sess.TrustedDeviceToken)
	claims, err := f.tokens.Verify(sess.AccessToken, auth.PurposeAccess)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, models.RoleUser, claims.Role)

	_, err = f.svc.VerifyLoginCode(ctx, res.PendingAuthToken, code, false)
	assert.Equal(t, "Code expired", apperr.PublicMessage(err), "codes are single use")
}

func TestTrustedDeviceSkipsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.verified(t, "ana@example.com")
	f.verified(t, "bo@example.com")

	res, err := f.svc.Login(ctx, "ana@example.com", password, "")
	require.NoError(t, err)
	code, _, err := f.cache.GetString(ctx, rdx.LoginCodeKey(u.ID))
	require.NoError(t, err)
	sess, err := f.svc.VerifyLoginCode(ctx, res.PendingAuthToken, code, true)
	require.NoError(t, err)
	require.NotEmpty(t, sess.TrustedDeviceToken)

	sent := len(f.mail.sent)
	res, err = f.svc.Login(ctx, "ana@example.com", password, sess.TrustedDeviceToken)
	require.NoError(t, err)
	assert.True(t, res.SkipTwoFactor)
	assert.NotEmpty(t, res.AccessToken)
	assert.Len(t, f.mail.sent, sent, "no code mailed")

	res, err = f.svc.Login(ctx, "bo@example.com", password, sess.TrustedDeviceToken)
	require.NoError(t, err)
	assert.False(t, res.SkipTwoFactor, "device token belongs to another user")
}

func TestAddBalanceNotifiesAndUnsubscribes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.verified(t, "ana@example.com")

	_, err := f.svc.AddBalance(ctx, u.ID, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.svc.AddBalance(ctx, 999, 100)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	// Warm the cache so the top-up must invalidate it.
	_, err = f.svc.GetUser(ctx, u.ID)
	require.NoError(t, err)

	sent := len(f.mail.sent)
	res, err := f.svc.AddBalance(ctx, u.ID, 2500)
	require.NoError(t, err)
	assert.Equal(t, models.Money(2500), res.Balance)
	assert.Equal(t, models.Money(2500), res.User.Balance)
	require.Len(t, f.mail.sent, sent+1)

	msg := f.mail.last(t)
	assert.Contains(t, msg.HTML, "Pen")
	assert.Contains(t, msg.HTML, "Lamp")
	assert.NotContains(t, msg.HTML, "Sofa", "too expensive")
	assert.NotContains(t, msg.HTML, "Mug", "out of stock")

	require.NoError(t, f.svc.Unsubscribe(ctx, linkToken(t, msg.Text)))
	got, err := f.svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.NotifyBalanceUpdates)

	_, err = f.svc.AddBalance(ctx, u.ID, 100)
	require.NoError(t, err)
	assert.Len(t, f.mail.sent, sent+1)
}

func TestUnsubscribeRejectsStaleEmail(t *testing.T) {
	f := newFixture(t)
	u := f.verified(t, "ana@example.com")
	token, err := f.tokens.Issue(auth.Claims{UserID: u.ID, Email: "old@example.com", Purpose: auth.PurposeUnsubscribe}, time.Hour)
	require.NoError(t, err)

	err = f.svc.Unsubscribe(context.Background(), token)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeleteUserKeepsOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.verified(t, "ana@example.com")
	owner := u.ID
	order := f.store.AddOrder(models.Order{UserID: &owner, Status: models.OrderCompleted})

	require.NoError(t, f.svc.DeleteUser(ctx, u.ID))
	assert.Nil(t, f.store.Order(order.ID).UserID)
	assert.Equal(t, []int64{u.ID}, f.carts.deleted)

	_, err := f.svc.GetUser(ctx, u.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.True(t, apperr.Is(f.svc.DeleteUser(ctx, u.ID), apperr.KindNotFound))
}

func TestSeedAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SeedAdmin(ctx, "", ""))
	list, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, f.svc.SeedAdmin(ctx, "admin@example.com", "Admin1234"))
	require.NoError(t, f.svc.SeedAdmin(ctx, "admin@example.com", "Admin1234"))
	list, err = f.svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.RoleAdmin, list[0].Role)
	assert.True(t, list[0].EmailVerified)

	res, err := f.svc.Login(ctx, "admin@example.com", "Admin1234", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.PendingAuthToken)
}
