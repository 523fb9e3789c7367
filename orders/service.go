// Package orders owns the order lifecycle: creation, payment settlement on
// the trusted and email-verified paths, cancellation and expiry, and the
// admin edits that move stock back and forth.
package orders

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"mercado/apperr"
	"mercado/auth"
	"mercado/mailer"
	"mercado/models"
	"mercado/rdx"
)

const (
	lockTTL = 30 * time.Second

	maxOrderLines   = 50
	maxLineQuantity = 1000
)

type Deps struct {
	Store     Store
	Inventory Inventory
	Balance   Balance
	Cache     Cache
	Expiry    ExpirationScheduler
	Cleanup   CleanupTrigger
	Mailer    Mailer
	Tokens    TokenIssuer
	Invoices  InvoiceRenderer
}

type Options struct {
	VerificationWindow time.Duration
	PendingLimit       int
	AppURL             string
	Now                func() time.Time
}

type Service struct {
	deps         Deps
	window       time.Duration
	pendingLimit int
	appURL       string
	now          func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.VerificationWindow <= 0 {
		opts.VerificationWindow = 5 * time.Minute
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		deps:         deps,
		window:       opts.VerificationWindow,
		pendingLimit: opts.PendingLimit,
		appURL:       opts.AppURL,
		now:          opts.Now,
	}
}

type CreateResult struct {
	Order                *models.Order `json:"order"`
	RequiresVerification bool          `json:"requiresVerification"`
	Message              string        `json:"message,omitempty"`
}

type CompleteResult struct {
	Order            *models.Order `json:"order"`
	AlreadyCompleted bool          `json:"alreadyCompleted"`
	Message          string        `json:"message"`
}

// UpdateInput is an admin edit. Nil fields are left unchanged.
type UpdateInput struct {
	Status *models.OrderStatus `json:"status,omitempty"`
	Items  []models.OrderLine  `json:"items,omitempty"`
}

// CreateOrder places an order for userID. With trusted payment the balance
// and stock are settled immediately and the order is completed; otherwise
// it is left pending until the emailed verification link is used.
func (s *Service) CreateOrder(ctx context.Context, userID int64, lines []models.OrderLine, trusted bool) (*CreateResult, error) {
	lines, err := normalizeLines(lines)
	if err != nil {
		return nil, err
	}

	if !trusted {
		pending, err := s.deps.Store.CountPendingByUser(ctx, userID)
		if err != nil {
			return nil, apperr.Internal("count pending orders", err)
		}
		if pending >= int64(s.pendingLimit) {
			return nil, apperr.Validation("You have reached the limit of %d pending orders. Verify or cancel one of them before placing a new order.", s.pendingLimit)
		}
	}

	user, items, total, err := s.resolve(ctx, userID, lines)
	if err != nil {
		return nil, err
	}
	if user.Balance < total {
		return nil, apperr.Validation("Insufficient balance. Required: $%s, Available: $%s", total, user.Balance)
	}

	if trusted {
		return s.settleTrusted(ctx, user, items, total)
	}
	return s.createPending(ctx, user, items, total)
}

// normalizeLines validates quantities and merges repeated products.
func normalizeLines(lines []models.OrderLine) ([]models.OrderLine, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation("Order must contain at least one item")
	}
	if len(lines) > maxOrderLines {
		return nil, apperr.Validation("Order must not contain more than %d items", maxOrderLines)
	}
	merged := make([]models.OrderLine, 0, len(lines))
	index := map[int64]int{}
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, apperr.Validation("Invalid product id %d", l.ProductID)
		}
		if l.Quantity <= 0 {
			return nil, apperr.Validation("Quantity for product %d must be greater than 0", l.ProductID)
		}
		if l.Quantity > maxLineQuantity {
			return nil, apperr.Validation("Quantity for product %d must not exceed %d", l.ProductID, maxLineQuantity)
		}
		if i, ok := index[l.ProductID]; ok {
			// both sides are bounded, so the sum cannot overflow
			merged[i].Quantity += l.Quantity
			if merged[i].Quantity > maxLineQuantity {
				return nil, apperr.Validation("Quantity for product %d must not exceed %d", l.ProductID, maxLineQuantity)
			}
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// resolve loads the user and every product concurrently, checks stock and
// snapshots prices into order items.
func (s *Service) resolve(ctx context.Context, userID int64, lines []models.OrderLine) (*models.User, []models.OrderItem, models.Money, error) {
	var user *models.User
	products := make([]*models.Product, len(lines))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := s.deps.Store.FindUserByID(gctx, userID)
		user = u
		return err
	})
	for i, l := range lines {
		g.Go(func() error {
			p, err := s.deps.Store.FindProductByID(gctx, l.ProductID)
			products[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, apperr.Internal("load order references", err)
	}
	if user == nil {
		return nil, nil, 0, apperr.NotFound("User")
	}

	items, total, err := priceItems(lines, products)
	if err != nil {
		return nil, nil, 0, err
	}
	return user, items, total, nil
}

func priceItems(lines []models.OrderLine, products []*models.Product) ([]models.OrderItem, models.Money, error) {
	items := make([]models.OrderItem, 0, len(lines))
	var total models.Money
	for i, l := range lines {
		p := products[i]
		if p == nil {
			return nil, 0, apperr.NotFound(fmt.Sprintf("Product with ID %d", l.ProductID))
		}
		if p.Stock < l.Quantity {
			return nil, 0, apperr.Validation("Insufficient stock for product %q. Available: %d, requested: %d", p.Name, p.Stock, l.Quantity)
		}
		item := models.OrderItem{ProductID: p.ID, ProductName: p.Name, Quantity: l.Quantity, UnitPrice: p.Price}
		items = append(items, item)
		total += item.Subtotal()
	}
	return items, total, nil
}

func (s *Service) settleTrusted(ctx context.Context, user *models.User, items []models.OrderItem, total models.Money) (*CreateResult, error) {
	remaining, err := s.deps.Balance.Deduct(ctx, user.ID, total)
	if err != nil {
		return nil, err
	}
	exhausted, err := s.deps.Inventory.Commit(ctx, items)
	if err != nil {
		s.refund(ctx, user.ID, total)
		return nil, err
	}

	now := s.now()
	userID := user.ID
	order := &models.Order{
		UserID:         &userID,
		Items:          items,
		Total:          total,
		Status:         models.OrderCompleted,
		CreatedAt:      now,
		CompletedAt:    &now,
		StockCommitted: true,
	}
	if err := s.deps.Store.CreateOrder(ctx, order); err != nil {
		s.deps.Inventory.Restore(ctx, items)
		s.refund(ctx, user.ID, total)
		return nil, apperr.Internal("create order", err)
	}
	log.Printf("[Orders] order #%d paid with trusted payment by user %d ($%s)", order.ID, user.ID, total)

	s.invalidate(ctx, order)
	s.triggerCleanup(ctx, exhausted, order.ID)
	s.sendInvoice(ctx, order, user, remaining)

	return &CreateResult{Order: order, RequiresVerification: false, Message: "Order paid successfully"}, nil
}

func (s *Service) createPending(ctx context.Context, user *models.User, items []models.OrderItem, total models.Money) (*CreateResult, error) {
	userID := user.ID
	order := &models.Order{
		UserID:    &userID,
		Items:     items,
		Total:     total,
		Status:    models.OrderPending,
		CreatedAt: s.now(),
	}
	if err := s.deps.Store.CreateOrder(ctx, order); err != nil {
		return nil, apperr.Internal("create order", err)
	}
	s.invalidate(ctx, order)

	token, err := s.deps.Tokens.Issue(auth.Claims{
		UserID:  user.ID,
		OrderID: order.ID,
		Email:   user.Email,
		Purpose: auth.PurposeOrderVerification,
	}, s.window)
	if err != nil {
		return nil, apperr.Internal("issue verification token", err)
	}

	link := s.verificationLink(token, false)
	rememberLink := s.verificationLink(token, true)
	msg, err := mailer.OrderVerification(user.Email, user.Name, order, link, rememberLink, s.window)
	if err == nil {
		err = s.deps.Mailer.Send(ctx, msg)
	}
	if err != nil {
		log.Printf("[Orders] failed to send verification email for order #%d: %v", order.ID, err)
	}

	if err := s.deps.Expiry.ScheduleOrderExpiration(ctx, order.ID, user.ID, order.CreatedAt); err != nil {
		log.Printf("[Orders] order #%d will only expire through the sweep: %v", order.ID, err)
	}

	return &CreateResult{
		Order:                order,
		RequiresVerification: true,
		Message:              fmt.Sprintf("Order created. Please check your email to verify payment within %d minutes.", int(s.window.Minutes())),
	}, nil
}

func (s *Service) verificationLink(token string, remember bool) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("remember", fmt.Sprint(remember))
	return s.appURL + "/api/auth/verify-order?" + q.Encode()
}

// CompleteOrderPayment settles a pending order after its verification token
// has been checked. Completing an order twice is not an error.
func (s *Service) CompleteOrderPayment(ctx context.Context, orderID, userID int64) (*CompleteResult, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.OwnedBy(userID) {
		return nil, apperr.Validation("Order does not belong to user")
	}
	switch order.Status {
	case models.OrderCompleted:
		return &CompleteResult{Order: order, AlreadyCompleted: true, Message: "Order already verified"}, nil
	case models.OrderCancelled:
		return nil, apperr.Validation("Order #%d has been cancelled. This can happen when it was not verified within %d minutes, the balance was insufficient, or it was cancelled manually.", order.ID, int(s.window.Minutes()))
	}

	remaining, err := s.deps.Balance.Deduct(ctx, userID, order.Total)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			s.cancelAfterFailedSettlement(ctx, order)
		}
		return nil, err
	}

	exhausted, err := s.deps.Inventory.Commit(ctx, order.Items)
	if err != nil {
		s.refund(ctx, userID, order.Total)
		if apperr.Is(err, apperr.KindValidation) {
			s.cancelAfterFailedSettlement(ctx, order)
		}
		return nil, err
	}

	s.deps.Expiry.CancelOrderExpirationJob(ctx, order.ID)

	now := s.now()
	moved, err := s.deps.Store.TransitionStatus(ctx, order.ID, models.OrderPending, models.OrderCompleted, now)
	if err != nil || !moved {
		// The order left pending while we were settling it.
		s.deps.Inventory.Restore(ctx, order.Items)
		s.refund(ctx, userID, order.Total)
		if err != nil {
			return nil, apperr.Internal("complete order", err)
		}
		return nil, apperr.Validation("Order #%d is no longer pending", order.ID)
	}
	order.Status = models.OrderCompleted
	order.CompletedAt = &now
	order.StockCommitted = true
	log.Printf("[Orders] order #%d verified and paid by user %d ($%s)", order.ID, userID, order.Total)

	s.invalidate(ctx, order)
	s.triggerCleanup(ctx, exhausted, order.ID)

	user, err := s.deps.Store.FindUserByID(ctx, userID)
	if err != nil || user == nil {
		log.Printf("[Orders] skipping invoice for order #%d: user %d unavailable: %v", order.ID, userID, err)
	} else {
		s.sendInvoice(ctx, order, user, remaining)
	}

	return &CompleteResult{Order: order, AlreadyCompleted: false, Message: "Payment verified successfully"}, nil
}

func (s *Service) cancelAfterFailedSettlement(ctx context.Context, order *models.Order) {
	now := s.now()
	moved, err := s.deps.Store.TransitionStatus(ctx, order.ID, models.OrderPending, models.OrderCancelled, now)
	if err != nil {
		log.Printf("[Orders] failed to cancel unsettled order #%d: %v", order.ID, err)
		return
	}
	if moved {
		order.Status = models.OrderCancelled
		order.CancelledAt = &now
		log.Printf("[Orders] order #%d cancelled: payment could not be settled", order.ID)
	}
	s.deps.Expiry.CancelOrderExpirationJob(ctx, order.ID)
	s.invalidate(ctx, order)
}

// CancelOrder cancels a pending order whose verification window has passed.
// It reports whether the order was cancelled; anything else is a no-op.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	order, err := s.deps.Store.FindOrderByID(ctx, orderID)
	if err != nil {
		return false, apperr.Internal("load order", err)
	}
	if order == nil || order.Status != models.OrderPending {
		return false, nil
	}
	if s.now().Sub(order.CreatedAt) < s.window {
		return false, nil
	}
	moved, err := s.deps.Store.TransitionStatus(ctx, orderID, models.OrderPending, models.OrderCancelled, s.now())
	if err != nil {
		return false, apperr.Internal("cancel order", err)
	}
	if moved {
		s.invalidate(ctx, order)
	}
	return moved, nil
}

// CancelOrderByUser lets the owner abandon a pending order. Orders of other
// users are reported as not found.
func (s *Service) CancelOrderByUser(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.OwnedBy(userID) {
		return nil, apperr.NotFound("Order")
	}
	switch order.Status {
	case models.OrderCompleted:
		return nil, apperr.Validation("This order cannot be cancelled: it is already completed")
	case models.OrderCancelled:
		return nil, apperr.Validation("This order cannot be cancelled: it is already cancelled")
	}

	s.deps.Expiry.CancelOrderExpirationJob(ctx, orderID)
	now := s.now()
	moved, err := s.deps.Store.TransitionStatus(ctx, orderID, models.OrderPending, models.OrderCancelled, now)
	if err != nil {
		return nil, apperr.Internal("cancel order", err)
	}
	if !moved {
		return nil, apperr.Validation("This order cannot be cancelled: it is no longer pending")
	}
	order.Status = models.OrderCancelled
	order.CancelledAt = &now
	s.invalidate(ctx, order)
	return order, nil
}

// UpdateOrder applies an admin edit. New items are checked against stock
// the same way as at creation; when the order's stock was already taken,
// the old items are given back and the new ones taken.
func (s *Service) UpdateOrder(ctx context.Context, orderID int64, in UpdateInput) (*models.Order, error) {
	if in.Status != nil && !in.Status.Valid() {
		return nil, apperr.Validation("Invalid order status %q", *in.Status)
	}
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if in.Items != nil {
		if err := s.replaceItems(ctx, order, in.Items); err != nil {
			return nil, err
		}
	}
	if in.Status != nil && *in.Status != order.Status {
		if err := s.deps.Store.SetStatus(ctx, order.ID, *in.Status, s.now()); err != nil {
			return nil, apperr.Internal("update order status", err)
		}
	}
	s.invalidate(ctx, order)
	return s.findOrder(ctx, orderID)
}

func (s *Service) replaceItems(ctx context.Context, order *models.Order, lines []models.OrderLine) error {
	lines, err := normalizeLines(lines)
	if err != nil {
		return err
	}

	if order.StockCommitted {
		s.deps.Inventory.Restore(ctx, order.Items)
	}
	products := make([]*models.Product, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range lines {
		g.Go(func() error {
			p, err := s.deps.Store.FindProductByID(gctx, l.ProductID)
			products[i] = p
			return err
		})
	}
	err = g.Wait()
	var items []models.OrderItem
	var total models.Money
	if err == nil {
		items, total, err = priceItems(lines, products)
	} else {
		err = apperr.Internal("load products", err)
	}

	var exhausted []models.ExhaustedProduct
	if err == nil && order.StockCommitted {
		exhausted, err = s.deps.Inventory.Commit(ctx, items)
	}
	if err != nil {
		if order.StockCommitted {
			if _, rerr := s.deps.Inventory.Commit(ctx, order.Items); rerr != nil {
				log.Printf("[Orders] order #%d: could not retake stock for original items: %v", order.ID, rerr)
			}
		}
		return err
	}

	if err := s.deps.Store.ReplaceItems(ctx, order.ID, items, total); err != nil {
		if order.StockCommitted {
			s.deps.Inventory.Restore(ctx, items)
			s.deps.Inventory.Commit(ctx, order.Items)
		}
		return apperr.Internal("replace order items", err)
	}
	s.triggerCleanup(ctx, exhausted, order.ID)
	return nil
}

// DeleteOrder removes an order for good, giving back any stock it held.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) error {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.deps.Store.DeleteOrder(ctx, orderID); err != nil {
		return apperr.Internal("delete order", err)
	}
	if order.StockCommitted {
		s.deps.Inventory.Restore(ctx, order.Items)
	}
	if order.Status == models.OrderPending {
		s.deps.Expiry.CancelOrderExpirationJob(ctx, orderID)
	}
	s.invalidate(ctx, order)
	return nil
}

func (s *Service) GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.findOrder(ctx, orderID)
}

// GetOrderForUser returns the order only if userID owns it.
func (s *Service) GetOrderForUser(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.OwnedBy(userID) {
		return nil, apperr.NotFound("Order")
	}
	return order, nil
}

// Invoice renders the PDF invoice of a completed order. Only admins may
// fetch invoices of other users.
func (s *Service) Invoice(ctx context.Context, orderID, userID int64, admin bool) ([]byte, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !admin && !order.OwnedBy(userID) {
		return nil, apperr.NotFound("Order")
	}
	if order.Status != models.OrderCompleted {
		return nil, apperr.Validation("Invoices are only available for completed orders")
	}

	var customer *models.User
	var balance models.Money
	if order.UserID != nil {
		customer, err = s.deps.Store.FindUserByID(ctx, *order.UserID)
		if err != nil {
			return nil, apperr.Internal("load customer", err)
		}
		if customer != nil {
			balance = customer.Balance
		}
	}
	pdf, err := s.deps.Invoices.Generate(order, customer, balance)
	if err != nil {
		return nil, apperr.Internal("generate invoice", err)
	}
	return pdf, nil
}

func (s *Service) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	key := rdx.UserOrdersKey(userID)
	var cached []models.Order
	if s.deps.Cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}
	orders, err := s.deps.Store.FindOrdersByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list user orders", err)
	}
	s.deps.Cache.SetJSON(ctx, key, orders, rdx.OrderTTL)
	return orders, nil
}

func (s *Service) ListAllOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, apperr.Validation("Invalid order status %q", *f.Status)
	}
	if f.MinTotal != nil && f.MaxTotal != nil && *f.MinTotal > *f.MaxTotal {
		return nil, apperr.Validation("minTotal cannot be greater than maxTotal")
	}
	orders, err := s.deps.Store.ListOrders(ctx, f)
	if err != nil {
		return nil, apperr.Internal("list orders", err)
	}
	return orders, nil
}

// CancelAllExpiredOrders cancels every pending order older than the
// verification window. It catches up on expiry jobs lost across restarts.
func (s *Service) CancelAllExpiredOrders(ctx context.Context) (int, error) {
	expired, err := s.deps.Store.FindPendingCreatedBefore(ctx, s.now().Add(-s.window))
	if err != nil {
		return 0, apperr.Internal("find expired orders", err)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })

	cancelled := 0
	for _, o := range expired {
		ok, err := s.CancelOrder(ctx, o.ID)
		if err != nil {
			log.Printf("[Orders] sweep: failed to cancel order #%d: %v", o.ID, err)
			continue
		}
		if ok {
			s.deps.Expiry.CancelOrderExpirationJob(ctx, o.ID)
			cancelled++
		}
	}
	if cancelled > 0 {
		log.Printf("[Orders] sweep cancelled %d expired orders", cancelled)
	}
	return cancelled, nil
}

func (s *Service) findOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.deps.Store.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.Internal("load order", err)
	}
	if order == nil {
		return nil, apperr.NotFound("Order")
	}
	return order, nil
}

// lock serializes state changes of one order across processes.
func (s *Service) lock(ctx context.Context, orderID int64) (func(), error) {
	key := rdx.OrderLockKey(orderID)
	token, ok, err := s.deps.Cache.AcquireLock(ctx, key, lockTTL)
	if err != nil {
		return nil, apperr.Internal("acquire order lock", err)
	}
	if !ok {
		return nil, apperr.Conflict("Order #%d is being processed, try again shortly", orderID)
	}
	return func() { s.deps.Cache.ReleaseLock(context.WithoutCancel(ctx), key, token) }, nil
}

func (s *Service) refund(ctx context.Context, userID int64, amount models.Money) {
	if _, err := s.deps.Balance.Add(ctx, userID, amount); err != nil {
		log.Printf("[Orders] failed to refund $%s to user %d: %v", amount, userID, err)
	}
}

func (s *Service) invalidate(ctx context.Context, order *models.Order) {
	if order.UserID != nil {
		s.deps.Cache.Del(ctx, rdx.UserOrdersKey(*order.UserID))
	}
}

func (s *Service) triggerCleanup(ctx context.Context, exhausted []models.ExhaustedProduct, orderID int64) {
	if len(exhausted) == 0 {
		return
	}
	if _, err := s.deps.Cleanup.QueueCartCleanup(ctx, exhausted, orderID); err != nil {
		log.Printf("[Orders] failed to queue cart cleanup after order #%d: %v", orderID, err)
	}
}

// sendInvoice emails the invoice. Failures never affect the order.
func (s *Service) sendInvoice(ctx context.Context, order *models.Order, user *models.User, balance models.Money) {
	pdf, err := s.deps.Invoices.Generate(order, user, balance)
	if err != nil {
		log.Printf("[Orders] invoice for order #%d not generated: %v", order.ID, err)
		pdf = nil
	}
	msg, err := mailer.OrderCompleted(user.Email, user.Name, order, balance, pdf)
	if err == nil {
		err = s.deps.Mailer.Send(ctx, msg)
	}
	if err != nil {
		log.Printf("[Orders] failed to send invoice email for order #%d: %v", order.ID, err)
	}
}
