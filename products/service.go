// Package products is the catalogue: CRUD with cache-aside reads.
package products

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mercado/apperr"
	"mercado/models"
	"mercado/rdx"
)

const (
	maxPrice = models.Money(100_000_000)
	maxStock = 1_000_000
)

type Store interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	FindProductByID(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	UpdateProduct(ctx context.Context, id int64, patch models.ProductPatch) (*models.Product, error)
	DeleteProduct(ctx context.Context, id int64) (bool, error)
	ProductReferenced(ctx context.Context, id int64) (bool, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
}

type CleanupTrigger interface {
	QueueCartCleanup(ctx context.Context, products []models.ExhaustedProduct, orderID int64) (string, error)
}

type Service struct {
	store   Store
	cache   Cache
	cleanup CleanupTrigger
}

func NewService(store Store, cache Cache, cleanup CleanupTrigger) *Service {
	return &Service{store: store, cache: cache, cleanup: cleanup}
}

type CreateInput struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Price       models.Money `json:"price"`
	Stock       int          `json:"stock"`
}

// UpdateInput is a partial update; nil fields are kept.
type UpdateInput struct {
	Name        *string       `json:"name"`
	Description *string       `json:"description"`
	Price       *models.Money `json:"price"`
	Stock       *int          `json:"stock"`
}

func validate(p *models.Product) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	switch {
	case len(p.Name) < 2:
		return apperr.Validation("Product name must be at least 2 characters")
	case len(p.Name) > 200:
		return apperr.Validation("Product name must not exceed 200 characters")
	case len(p.Description) > 1000:
		return apperr.Validation("Product description must not exceed 1000 characters")
	case p.Price < 0:
		return apperr.Validation("Price cannot be negative")
	case p.Price > maxPrice:
		return apperr.Validation("Price must not exceed %s", maxPrice)
	case p.Stock < 0:
		return apperr.Validation("Stock cannot be negative")
	case p.Stock > maxStock:
		return apperr.Validation("Stock must not exceed %d", maxStock)
	}
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, in CreateInput) (*models.Product, error) {
	p := &models.Product{Name: in.Name, Description: in.Description, Price: in.Price, Stock: in.Stock}
	if err := validate(p); err != nil {
		return nil, err
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		return nil, apperr.Internal("create product", err)
	}
	s.cache.Del(ctx, rdx.AllProductsKey)
	log.Printf("[Products] created #%d %q (price $%s, stock %d)", p.ID, p.Name, p.Price, p.Stock)
	return p, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	key := rdx.ProductKey(id)
	var cached models.Product
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	p, err := s.store.FindProductByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("load product", err)
	}
	if p == nil {
		return nil, apperr.NotFound(fmt.Sprintf("Product with ID %d", id))
	}
	s.cache.SetJSON(ctx, key, p, rdx.ProductTTL)
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]models.Product, error) {
	var cached []models.Product
	if s.cache.GetJSON(ctx, rdx.AllProductsKey, &cached) {
		return cached, nil
	}
	list, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, apperr.Internal("list products", err)
	}
	if list == nil {
		list = []models.Product{}
	}
	s.cache.SetJSON(ctx, rdx.AllProductsKey, list, rdx.ProductsListTTL)
	return list, nil
}

// UpdateProduct applies a partial update. Only the given fields are written.
// Setting the stock of a product to zero removes it from every cart.
func (s *Service) UpdateProduct(ctx context.Context, id int64, in UpdateInput) (*models.Product, error) {
	current, err := s.store.FindProductByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("load product", err)
	}
	if current == nil {
		return nil, apperr.NotFound(fmt.Sprintf("Product with ID %d", id))
	}
	hadStock := current.Stock > 0

	merged := *current
	if in.Name != nil {
		merged.Name = *in.Name
	}
	if in.Description != nil {
		merged.Description = *in.Description
	}
	if in.Price != nil {
		merged.Price = *in.Price
	}
	if in.Stock != nil {
		merged.Stock = *in.Stock
	}
	if err := validate(&merged); err != nil {
		return nil, err
	}

	var patch models.ProductPatch
	if in.Name != nil {
		patch.Name = &merged.Name
	}
	if in.Description != nil {
		patch.Description = &merged.Description
	}
	patch.Price = in.Price
	patch.Stock = in.Stock

	p, err := s.store.UpdateProduct(ctx, id, patch)
	if err != nil {
		return nil, apperr.Internal("update product", err)
	}
	if p == nil {
		return nil, apperr.NotFound(fmt.Sprintf("Product with ID %d", id))
	}
	s.invalidate(ctx, id)

	if hadStock && in.Stock != nil && *in.Stock == 0 {
		exhausted := []models.ExhaustedProduct{{ProductID: p.ID, ProductName: p.Name}}
		if _, err := s.cleanup.QueueCartCleanup(ctx, exhausted, 0); err != nil {
			log.Printf("[Products] failed to queue cart cleanup for product #%d: %v", p.ID, err)
		}
	}
	return p, nil
}

// DeleteProduct refuses to delete products that orders still reference.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	p, err := s.store.FindProductByID(ctx, id)
	if err != nil {
		return apperr.Internal("load product", err)
	}
	if p == nil {
		return apperr.NotFound(fmt.Sprintf("Product with ID %d", id))
	}
	referenced, err := s.store.ProductReferenced(ctx, id)
	if err != nil {
		return apperr.Internal("check product references", err)
	}
	if referenced {
		return apperr.Conflict("Product %q cannot be deleted because existing orders reference it", p.Name)
	}
	if _, err := s.store.DeleteProduct(ctx, id); err != nil {
		return apperr.Internal("delete product", err)
	}
	s.invalidate(ctx, id)
	log.Printf("[Products] deleted #%d %q", id, p.Name)
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	s.cache.Del(ctx, rdx.ProductKey(id), rdx.AllProductsKey)
}
