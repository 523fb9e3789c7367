// Package ledger holds the stock and balance mutations used by order
// settlement. Every decrement is conditional in the store, so neither stock
// nor balance can be driven below zero by concurrent callers.
package ledger

import (
	"context"
	"fmt"
	"log"

	"mercado/apperr"
	"mercado/models"
	"mercado/rdx"
)

type StockStore interface {
	FindProductByID(ctx context.Context, id int64) (*models.Product, error)
	DecrementStock(ctx context.Context, productID int64, qty int) (int, bool, error)
	IncrementStock(ctx context.Context, productID int64, qty int) error
}

// Invalidator drops cached entries after a write.
type Invalidator interface {
	Del(ctx context.Context, keys ...string)
}

type Inventory struct {
	store StockStore
	cache Invalidator
}

func NewInventory(store StockStore, cache Invalidator) *Inventory {
	return &Inventory{store: store, cache: cache}
}

// Commit decrements stock for every item, all or nothing. If any line cannot
// be satisfied the lines already taken are put back and a validation error
// naming the product is returned. On success it reports the products whose
// stock reached zero.
func (inv *Inventory) Commit(ctx context.Context, items []models.OrderItem) ([]models.ExhaustedProduct, error) {
	var exhausted []models.ExhaustedProduct
	var done []models.OrderItem

	for _, it := range items {
		remaining, ok, err := inv.store.DecrementStock(ctx, it.ProductID, it.Quantity)
		if err != nil {
			inv.Restore(ctx, done)
			return nil, apperr.Internal("decrement stock", err)
		}
		if !ok {
			inv.Restore(ctx, done)
			return nil, inv.shortage(ctx, it)
		}
		done = append(done, it)
		if remaining == 0 {
			exhausted = append(exhausted, models.ExhaustedProduct{ProductID: it.ProductID, ProductName: it.ProductName})
		}
	}

	inv.invalidate(ctx, items)
	return exhausted, nil
}

func (inv *Inventory) shortage(ctx context.Context, it models.OrderItem) error {
	p, err := inv.store.FindProductByID(ctx, it.ProductID)
	if err != nil {
		return apperr.Internal("load product", err)
	}
	if p == nil {
		return apperr.NotFound(fmt.Sprintf("Product %d", it.ProductID))
	}
	return InsufficientStock(p, it.Quantity)
}

// InsufficientStock is the error shown when a product cannot cover qty.
func InsufficientStock(p *models.Product, qty int) error {
	return apperr.Validation("Insufficient stock for product %q. Available: %d, requested: %d", p.Name, p.Stock, qty)
}

// Restore puts back stock for items. Failures are logged; the caller has
// already committed to the outcome that needs the stock returned.
func (inv *Inventory) Restore(ctx context.Context, items []models.OrderItem) {
	for _, it := range items {
		if err := inv.store.IncrementStock(ctx, it.ProductID, it.Quantity); err != nil {
			log.Printf("[Inventory] failed to restore %d of product %d: %v", it.Quantity, it.ProductID, err)
		}
	}
	inv.invalidate(ctx, items)
}

func (inv *Inventory) invalidate(ctx context.Context, items []models.OrderItem) {
	if inv.cache == nil || len(items) == 0 {
		return
	}
	keys := []string{rdx.AllProductsKey}
	for _, it := range items {
		keys = append(keys, rdx.ProductKey(it.ProductID))
	}
	inv.cache.Del(ctx, keys...)
}
