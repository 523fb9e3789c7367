// Package storetest provides an in-memory store with the same method set and
// conditional-update semantics as db.Store, for service tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mercado/apperr"
	"mercado/models"
)

type Store struct {
	mu       sync.Mutex
	users    map[int64]models.User
	products map[int64]models.Product
	orders   map[int64]models.Order
	idem     map[string]models.IdempotencyRecord
	seq      map[string]int64

	// Hook, when set, runs before every store method with its name.
	// Tests use it to inject failures or interleave concurrent writes.
	Hook func(op string) error
}

func New() *Store {
	return &Store{
		users:    map[int64]models.User{},
		products: map[int64]models.Product{},
		orders:   map[int64]models.Order{},
		idem:     map[string]models.IdempotencyRecord{},
		seq:      map[string]int64{},
	}
}

func (s *Store) hook(op string) error {
	if s.Hook != nil {
		return s.Hook(op)
	}
	return nil
}

func (s *Store) next(name string) int64 {
	s.seq[name]++
	return s.seq[name]
}

// Seeding helpers.

func (s *Store) AddUser(u models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.next("users")
	} else if u.ID > s.seq["users"] {
		s.seq["users"] = u.ID
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	s.users[u.ID] = u
	return &u
}

func (s *Store) AddProduct(p models.Product) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.next("products")
	} else if p.ID > s.seq["products"] {
		s.seq["products"] = p.ID
	}
	s.products[p.ID] = p
	return &p
}

func (s *Store) AddOrder(o models.Order) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.next("orders")
	}
	s.orders[o.ID] = cloneOrder(o)
	return &o
}

func (s *Store) Stock(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[productID].Stock
}

func (s *Store) Balance(userID int64) models.Money {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].Balance
}

func (s *Store) Order(id int64) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneOrder(s.orders[id])
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func cloneOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return o
}

// Users

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if err := s.hook("CreateUser"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return apperr.Conflict("Email %s is already registered", u.Email)
		}
	}
	u.ID = s.next("users")
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	if err := s.hook("FindUserByID"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := s.hook("FindUserByEmail"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == strings.ToLower(email) {
			return &u, nil
		}
	}
	return nil, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := []models.User{}
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) SetEmailVerified(ctx context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.Email == strings.ToLower(email) {
			u.EmailVerified = true
			s.users[id] = u
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SetNotifyBalanceUpdates(ctx context.Context, userID int64, notify bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	u.NotifyBalanceUpdates = notify
	s.users[userID] = u
	return true, nil
}

func (s *Store) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false, nil
	}
	delete(s.users, userID)
	for id, o := range s.orders {
		if o.OwnedBy(userID) {
			o.UserID = nil
			s.orders[id] = o
		}
	}
	return true, nil
}

func (s *Store) DeductBalance(ctx context.Context, userID int64, amount models.Money) (models.Money, bool, error) {
	if err := s.hook("DeductBalance"); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Balance < amount {
		return 0, false, nil
	}
	u.Balance -= amount
	s.users[userID] = u
	return u.Balance, true, nil
}

func (s *Store) AddBalance(ctx context.Context, userID int64, amount models.Money) (models.Money, bool, error) {
	if err := s.hook("AddBalance"); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, false, nil
	}
	u.Balance += amount
	s.users[userID] = u
	return u.Balance, true, nil
}

// Products

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.next("products")
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.products[p.ID] = *p
	return nil
}

func (s *Store) FindProductByID(ctx context.Context, id int64) (*models.Product, error) {
	if err := s.hook("FindProductByID"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	products := []models.Product{}
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, patch models.ProductPatch) (*models.Product, error) {
	if err := s.hook("UpdateProduct"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Stock != nil {
		p.Stock = *patch.Stock
	}
	p.UpdatedAt = time.Now()
	s.products[id] = p
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return false, nil
	}
	delete(s.products, id)
	return true, nil
}

func (s *Store) ProductReferenced(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		for _, it := range o.Items {
			if it.ProductID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Store) DecrementStock(ctx context.Context, productID int64, qty int) (int, bool, error) {
	if err := s.hook("DecrementStock"); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok || p.Stock < qty {
		return 0, false, nil
	}
	p.Stock -= qty
	s.products[productID] = p
	return p.Stock, true, nil
}

func (s *Store) IncrementStock(ctx context.Context, productID int64, qty int) error {
	if err := s.hook("IncrementStock"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil
	}
	p.Stock += qty
	s.products[productID] = p
	return nil
}

// Orders

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if err := s.hook("CreateOrder"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.next("orders")
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	s.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (s *Store) FindOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	if err := s.hook("FindOrderByID"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	o = cloneOrder(o)
	return &o, nil
}

func (s *Store) FindOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.ListOrders(ctx, models.OrderFilter{UserID: &userID})
}

func (s *Store) CountPendingByUser(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orders {
		if o.OwnedBy(userID) && o.Status == models.OrderPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := []models.Order{}
	for _, o := range s.orders {
		if f.UserID != nil && !o.OwnedBy(*f.UserID) {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if f.MinTotal != nil && o.Total < *f.MinTotal {
			continue
		}
		if f.MaxTotal != nil && o.Total > *f.MaxTotal {
			continue
		}
		orders = append(orders, cloneOrder(o))
	}
	sortNewestFirst(orders)
	return orders, nil
}

func (s *Store) FindPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := []models.Order{}
	for _, o := range s.orders {
		if o.Status == models.OrderPending && o.CreatedAt.Before(cutoff) {
			orders = append(orders, cloneOrder(o))
		}
	}
	sortNewestFirst(orders)
	return orders, nil
}

func sortNewestFirst(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus, at time.Time) (bool, error) {
	if err := s.hook("TransitionStatus"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	applyStatus(&o, to, at)
	if to == models.OrderCompleted {
		o.StockCommitted = true
	}
	s.orders[id] = o
	return true, nil
}

func (s *Store) SetStatus(ctx context.Context, id int64, status models.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	applyStatus(&o, status, at)
	s.orders[id] = o
	return nil
}

func applyStatus(o *models.Order, status models.OrderStatus, at time.Time) {
	o.Status = status
	switch status {
	case models.OrderCompleted:
		o.CompletedAt = &at
	case models.OrderCancelled:
		o.CancelledAt = &at
	}
}

func (s *Store) ReplaceItems(ctx context.Context, id int64, items []models.OrderItem, total models.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	o.Items = append([]models.OrderItem(nil), items...)
	o.Total = total
	s.orders[id] = o
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	return nil
}

// Idempotency

func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idem[rec.Key]; ok {
		return false, nil
	}
	s.idem[rec.Key] = *rec
	return true, nil
}

func (s *Store) FindIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) SaveIdempotencyResponse(ctx context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok {
		return nil
	}
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	s.idem[key] = rec
	return nil
}

func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, key)
	return nil
}
