// Package cart keeps each user's shopping cart in Redis and turns it into
// an order at checkout.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"mercado/apperr"
	"mercado/models"
	"mercado/orders"
)

type Products interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
}

type OrderPlacer interface {
	CreateOrder(ctx context.Context, userID int64, lines []models.OrderLine, trusted bool) (*orders.CreateResult, error)
}

type Service struct {
	repo     *Repository
	products Products
	orders   OrderPlacer
	now      func() time.Time
}

func NewService(repo *Repository, products Products, orders OrderPlacer) *Service {
	return &Service{repo: repo, products: products, orders: orders, now: time.Now}
}

func emptyCart(userID int64, now time.Time) *models.Cart {
	return &models.Cart{UserID: userID, Items: []models.CartItem{}, UpdatedAt: now}
}

// GetCart returns the user's cart, or an empty one. Reading a cart keeps
// it alive for another TTL.
func (s *Service) GetCart(ctx context.Context, userID int64) (*models.Cart, error) {
	c, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("load cart", err)
	}
	if c == nil {
		return emptyCart(userID, s.now()), nil
	}
	if err := s.repo.ExtendTTL(ctx, userID); err != nil {
		log.Printf("[Cart] %v", err)
	}
	return c, nil
}

// GetCartSummary joins the cart with current product prices.
func (s *Service) GetCartSummary(ctx context.Context, userID int64) (*models.CartSummary, error) {
	c, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary := &models.CartSummary{UserID: userID, Items: []models.CartSummaryItem{}, UpdatedAt: c.UpdatedAt}
	if c.IsEmpty() {
		return summary, nil
	}

	products := make([]*models.Product, len(c.Items))
	g, gctx := errgroup.WithContext(ctx)
	for i, it := range c.Items {
		g.Go(func() error {
			p, err := s.products.GetProduct(gctx, it.ProductID)
			products[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, it := range c.Items {
		p := products[i]
		line := models.CartSummaryItem{
			ProductID:    p.ID,
			ProductName:  p.Name,
			ProductPrice: p.Price,
			Quantity:     it.Quantity,
			Subtotal:     p.Price.Mul(it.Quantity),
		}
		summary.Items = append(summary.Items, line)
		summary.Total += line.Subtotal
		summary.ItemCount += it.Quantity
	}
	return summary, nil
}

// AddItem adds quantity of a product, merging with an existing line. The
// merged quantity must not exceed the product's stock.
func (s *Service) AddItem(ctx context.Context, userID, productID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, apperr.Validation("Quantity must be greater than 0")
	}
	p, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.Stock < quantity {
		return nil, insufficientStock(p, quantity)
	}

	return s.update(ctx, userID, func(c *models.Cart) error {
		now := s.now()
		if i := c.IndexOf(productID); i >= 0 {
			merged := c.Items[i].Quantity + quantity
			if p.Stock < merged {
				return apperr.Validation("Insufficient stock. You have %d in cart. Available: %d", c.Items[i].Quantity, p.Stock)
			}
			c.Items[i].Quantity = merged
		} else {
			c.Items = append(c.Items, models.CartItem{ProductID: productID, Quantity: quantity, AddedAt: now})
		}
		c.UpdatedAt = now
		return nil
	})
}

// UpdateItemQuantity sets the quantity of a line already in the cart.
func (s *Service) UpdateItemQuantity(ctx context.Context, userID, productID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, apperr.Validation("Quantity must be greater than 0")
	}
	if err := s.requireLine(ctx, userID, productID); err != nil {
		return nil, err
	}
	p, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.Stock < quantity {
		return nil, insufficientStock(p, quantity)
	}

	return s.update(ctx, userID, func(c *models.Cart) error {
		i := c.IndexOf(productID)
		if i < 0 {
			return notInCart(productID)
		}
		c.Items[i].Quantity = quantity
		c.UpdatedAt = s.now()
		return nil
	})
}

// RemoveItem drops a line; removing the last line deletes the cart.
func (s *Service) RemoveItem(ctx context.Context, userID, productID int64) (*models.Cart, error) {
	if err := s.requireLine(ctx, userID, productID); err != nil {
		return nil, err
	}
	return s.update(ctx, userID, func(c *models.Cart) error {
		if _, ok := c.Remove(productID, s.now()); !ok {
			return notInCart(productID)
		}
		return nil
	})
}

func (s *Service) ClearCart(ctx context.Context, userID int64) error {
	if err := s.repo.Delete(ctx, userID); err != nil {
		return apperr.Internal("clear cart", err)
	}
	return nil
}

// Checkout places an order for the cart's contents and deletes the cart
// once the order exists, whether it is pending or already paid.
func (s *Service) Checkout(ctx context.Context, userID int64, trusted bool) (*orders.CreateResult, error) {
	c, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("load cart", err)
	}
	if c == nil || c.IsEmpty() {
		return nil, apperr.Validation("Cart is empty")
	}

	res, err := s.orders.CreateOrder(ctx, userID, c.Lines(), trusted)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, userID); err != nil {
		log.Printf("[Cart] order #%d placed but cart of user %d not cleared: %v", res.Order.ID, userID, err)
	}
	return res, nil
}

func (s *Service) requireLine(ctx context.Context, userID, productID int64) error {
	c, err := s.repo.Get(ctx, userID)
	if err != nil {
		return apperr.Internal("load cart", err)
	}
	if c == nil {
		return apperr.NotFound("Cart")
	}
	if c.IndexOf(productID) < 0 {
		return notInCart(productID)
	}
	return nil
}

func (s *Service) update(ctx context.Context, userID int64, fn func(c *models.Cart) error) (*models.Cart, error) {
	c, err := s.repo.Update(ctx, userID, fn)
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return nil, err
	}
	if errors.Is(err, ErrContention) {
		return nil, apperr.Conflict("Your cart is being updated elsewhere, try again")
	}
	if err != nil {
		return nil, apperr.Internal("save cart", err)
	}
	if c.IsEmpty() {
		return emptyCart(userID, s.now()), nil
	}
	return c, nil
}

func insufficientStock(p *models.Product, requested int) error {
	return apperr.Validation("Insufficient stock for product %q. Available: %d, requested: %d", p.Name, p.Stock, requested)
}

func notInCart(productID int64) error {
	return apperr.NotFound(fmt.Sprintf("Product %d in cart", productID))
}
