package ledger

import (
	"context"

	"mercado/apperr"
	"mercado/models"
	"mercado/rdx"
)

type BalanceStore interface {
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	DeductBalance(ctx context.Context, userID int64, amount models.Money) (models.Money, bool, error)
	AddBalance(ctx context.Context, userID int64, amount models.Money) (models.Money, bool, error)
}

type Balance struct {
	store BalanceStore
	cache Invalidator
}

func NewBalance(store BalanceStore, cache Invalidator) *Balance {
	return &Balance{store: store, cache: cache}
}

// Deduct takes amount from the user's balance and returns what is left.
func (b *Balance) Deduct(ctx context.Context, userID int64, amount models.Money) (models.Money, error) {
	if amount < 0 {
		return 0, apperr.Validation("Amount must not be negative")
	}
	remaining, ok, err := b.store.DeductBalance(ctx, userID, amount)
	if err != nil {
		return 0, apperr.Internal("deduct balance", err)
	}
	if !ok {
		u, err := b.store.FindUserByID(ctx, userID)
		if err != nil {
			return 0, apperr.Internal("load user", err)
		}
		if u == nil {
			return 0, apperr.NotFound("User")
		}
		return 0, InsufficientBalance(amount, u.Balance)
	}
	b.invalidate(ctx, userID)
	return remaining, nil
}

func InsufficientBalance(required, available models.Money) error {
	return apperr.Validation("Insufficient balance. Required: $%s, Available: $%s", required, available)
}

// Add credits amount to the user's balance and returns the new balance.
func (b *Balance) Add(ctx context.Context, userID int64, amount models.Money) (models.Money, error) {
	if amount <= 0 {
		return 0, apperr.Validation("Amount must be positive")
	}
	balance, ok, err := b.store.AddBalance(ctx, userID, amount)
	if err != nil {
		return 0, apperr.Internal("add balance", err)
	}
	if !ok {
		return 0, apperr.NotFound("User")
	}
	b.invalidate(ctx, userID)
	return balance, nil
}

func (b *Balance) invalidate(ctx context.Context, userID int64) {
	if b.cache != nil {
		b.cache.Del(ctx, rdx.UserKey(userID))
	}
}
