package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mercado/models"
)

const (
	TTL       = 7 * 24 * time.Hour
	keyPrefix = "cart:"

	maxUpdateRetries = 5
)

func Key(userID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, userID)
}

// ErrContention is returned when a cart kept changing under Update.
var ErrContention = errors.New("cart: too many concurrent updates")

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Repository stores one JSON cart per user in Redis. Redis is the only
// place carts live.
type Repository struct {
	conn redis.UniversalClient
	ttl  time.Duration
}

func NewRepository(conn redis.UniversalClient) *Repository {
	return &Repository{conn: conn, ttl: TTL}
}

// Get returns nil when the user has no cart.
func (r *Repository) Get(ctx context.Context, userID int64) (*models.Cart, error) {
	return r.get(ctx, r.conn, userID)
}

func (r *Repository) get(ctx context.Context, conn getter, userID int64) (*models.Cart, error) {
	raw, err := conn.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cart %d: %w", userID, err)
	}
	var c models.Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding cart %d: %w", userID, err)
	}
	c.UserID = userID
	return &c, nil
}

func (r *Repository) Save(ctx context.Context, c *models.Cart) error {
	return r.save(ctx, r.conn, c)
}

func (r *Repository) save(ctx context.Context, conn setter, c *models.Cart) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding cart %d: %w", c.UserID, err)
	}
	if err := conn.Set(ctx, Key(c.UserID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving cart %d: %w", c.UserID, err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, userID int64) error {
	if err := r.conn.Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("deleting cart %d: %w", userID, err)
	}
	return nil
}

func (r *Repository) Exists(ctx context.Context, userID int64) (bool, error) {
	n, err := r.conn.Exists(ctx, Key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking cart %d: %w", userID, err)
	}
	return n == 1, nil
}

// ExtendTTL resets the expiry of an existing cart.
func (r *Repository) ExtendTTL(ctx context.Context, userID int64) error {
	if err := r.conn.Expire(ctx, Key(userID), r.ttl).Err(); err != nil {
		return fmt.Errorf("extending cart %d: %w", userID, err)
	}
	return nil
}

// Update runs fn on the user's current cart and writes the result back in
// a WATCH/MULTI transaction, retrying if the cart changed in between. fn
// gets an empty cart when none exists. A cart left without items is
// deleted. The returned cart is what was stored.
func (r *Repository) Update(ctx context.Context, userID int64, fn func(c *models.Cart) error) (*models.Cart, error) {
	var result *models.Cart
	key := Key(userID)

	txf := func(tx *redis.Tx) error {
		c, err := r.get(ctx, tx, userID)
		if err != nil {
			return err
		}
		if c == nil {
			c = &models.Cart{UserID: userID, Items: []models.CartItem{}}
		}
		if err := fn(c); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if c.IsEmpty() {
				return pipe.Del(ctx, key).Err()
			}
			return r.save(ctx, pipe, c)
		})
		if err == nil {
			result = c
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.conn.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return nil, ErrContention
}

// ScanUserIDs lists the owners of every stored cart.
func (r *Repository) ScanUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	iter := r.conn.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		id, err := strconv.ParseInt(strings.TrimPrefix(iter.Val(), keyPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning carts: %w", err)
	}
	return ids, nil
}
