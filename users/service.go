// Package users holds accounts: registration and the two-step sign-in,
// profile reads, balance top-ups and notification preferences.
package users

import (
	"context"
	"log"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mercado/apperr"
	"mercado/auth"
	"mercado/mailer"
	"mercado/models"
	"mercado/rdx"
)

const (
	emailVerificationTTL = 24 * time.Hour
	unsubscribeTTL       = 30 * 24 * time.Hour
	maxTopUp             = models.Money(99_900_000_000)
	maxSuggestions       = 3
)

type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetEmailVerified(ctx context.Context, email string) (bool, error)
	SetNotifyBalanceUpdates(ctx context.Context, userID int64, notify bool) (bool, error)
	DeleteUser(ctx context.Context, userID int64) (bool, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, bool, error)
}

type Balance interface {
	Add(ctx context.Context, userID int64, amount models.Money) (models.Money, error)
}

type Products interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
}

type Carts interface {
	Delete(ctx context.Context, userID int64) error
}

type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

type Tokens interface {
	Issue(claims auth.Claims, ttl time.Duration) (string, error)
	Verify(token string, purpose auth.Purpose) (*auth.Claims, error)
}

type Deps struct {
	Store    Store
	Cache    Cache
	Balance  Balance
	Products Products
	Carts    Carts
	Mailer   Mailer
	Tokens   Tokens
}

type Options struct {
	AppURL           string
	AccessTokenTTL   time.Duration
	TrustedDeviceTTL time.Duration
	LoginCodeTTL     time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type Service struct {
	deps Deps
	opts Options
}

func NewService(deps Deps, opts Options) *Service {
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = time.Hour
	}
	if opts.TrustedDeviceTTL <= 0 {
		opts.TrustedDeviceTTL = 30 * 24 * time.Hour
	}
	if opts.LoginCodeTTL <= 0 {
		opts.LoginCodeTTL = 10 * time.Minute
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{deps: deps, opts: opts}
}

func (s *Service) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	key := rdx.UserKey(userID)
	var cached models.User
	if s.deps.Cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	u, err := s.deps.Store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("load user", err)
	}
	if u == nil {
		return nil, apperr.NotFound("User")
	}
	s.deps.Cache.SetJSON(ctx, key, u, rdx.UserTTL)
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	list, err := s.deps.Store.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Internal("list users", err)
	}
	return list, nil
}

type TopUpResult struct {
	User    *models.User `json:"user"`
	Amount  models.Money `json:"amount"`
	Balance models.Money `json:"balance"`
}

// AddBalance credits a user's account. Users who opted in get an email with
// a few products their new balance covers.
func (s *Service) AddBalance(ctx context.Context, userID int64, amount models.Money) (*TopUpResult, error) {
	if amount > maxTopUp {
		return nil, apperr.Validation("Maximum amount is $%s per transaction", maxTopUp)
	}
	balance, err := s.deps.Balance.Add(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	log.Printf("[Users] added $%s to user #%d, balance $%s", amount, userID, balance)

	if u.NotifyBalanceUpdates {
		s.notifyBalance(ctx, u, amount, balance)
	}
	return &TopUpResult{User: u, Amount: amount, Balance: balance}, nil
}

func (s *Service) notifyBalance(ctx context.Context, u *models.User, amount, balance models.Money) {
	token, err := s.deps.Tokens.Issue(auth.Claims{UserID: u.ID, Email: u.Email, Purpose: auth.PurposeUnsubscribe}, unsubscribeTTL)
	if err != nil {
		log.Printf("[Users] unsubscribe token for user #%d: %v", u.ID, err)
		return
	}
	link := s.opts.AppURL + "/api/auth/unsubscribe?token=" + url.QueryEscape(token)

	msg, err := mailer.BalanceAdded(u.Email, u.Name, amount, balance, s.suggestions(ctx, balance), link)
	if err == nil {
		err = s.deps.Mailer.Send(ctx, msg)
	}
	if err != nil {
		log.Printf("[Users] balance email for user #%d: %v", u.ID, err)
	}
}

// suggestions returns in-stock products the balance can pay for, in
// catalogue order.
func (s *Service) suggestions(ctx context.Context, balance models.Money) []models.Product {
	list, err := s.deps.Products.ListProducts(ctx)
	if err != nil {
		log.Printf("[Users] product suggestions: %v", err)
		return nil
	}
	var out []models.Product
	for _, p := range list {
		if p.Stock > 0 && p.Price <= balance {
			out = append(out, p)
			if len(out) == maxSuggestions {
				break
			}
		}
	}
	return out
}

func (s *Service) SetNotifyBalanceUpdates(ctx context.Context, userID int64, notify bool) (*models.User, error) {
	found, err := s.deps.Store.SetNotifyBalanceUpdates(ctx, userID, notify)
	if err != nil {
		return nil, apperr.Internal("update preferences", err)
	}
	if !found {
		return nil, apperr.NotFound("User")
	}
	s.deps.Cache.Del(ctx, rdx.UserKey(userID))
	return s.GetUser(ctx, userID)
}

// Unsubscribe turns off balance notifications for the user named in an
// unsubscribe link.
func (s *Service) Unsubscribe(ctx context.Context, token string) error {
	claims, err := s.deps.Tokens.Verify(token, auth.PurposeUnsubscribe)
	if err != nil {
		return err
	}
	u, err := s.deps.Store.FindUserByID(ctx, claims.UserID)
	if err != nil {
		return apperr.Internal("load user", err)
	}
	if u == nil {
		return apperr.NotFound("User")
	}
	if u.Email != claims.Email {
		return apperr.Validation("Token email does not match user")
	}
	_, err = s.SetNotifyBalanceUpdates(ctx, u.ID, false)
	return err
}

// DeleteUser removes the account and its cart. Orders stay, detached from
// the user.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	found, err := s.deps.Store.DeleteUser(ctx, userID)
	if err != nil {
		return apperr.Internal("delete user", err)
	}
	if !found {
		return apperr.NotFound("User")
	}
	if err := s.deps.Carts.Delete(ctx, userID); err != nil {
		log.Printf("[Users] failed to delete cart of user #%d: %v", userID, err)
	}
	s.deps.Cache.Del(ctx, rdx.UserKey(userID), rdx.UserOrdersKey(userID))
	log.Printf("[Users] deleted user #%d", userID)
	return nil
}

// SeedAdmin creates the administrator account if no user has that email.
func (s *Service) SeedAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		log.Println("[Users] ADMIN_EMAIL or ADMIN_PASSWORD not set; skipping admin seed")
		return nil
	}
	existing, err := s.deps.Store.FindUserByEmail(ctx, email)
	if err != nil {
		return apperr.Internal("load admin", err)
	}
	if existing != nil {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return apperr.Internal("hash admin password", err)
	}
	admin := &models.User{
		Name:          "Administrator",
		Email:         email,
		PasswordHash:  string(hash),
		Role:          models.RoleAdmin,
		EmailVerified: true,
	}
	if err := s.deps.Store.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Printf("[Users] seeded admin #%d <%s>", admin.ID, admin.Email)
	return nil
}
