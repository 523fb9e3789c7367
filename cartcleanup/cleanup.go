// Package cartcleanup strips sold-out products from every stored cart and
// tells the affected users what was removed.
package cartcleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"mercado/mailer"
	"mercado/models"
	"mercado/mq"
	"mercado/utils"
)

const (
	QueueName = "cart-cleanup"
	JobType   = "cleanup-out-of-stock"
)

type Payload struct {
	JobID    string                    `json:"jobId"`
	Products []models.ExhaustedProduct `json:"products"`
	OrderID  int64                     `json:"orderId,omitempty"`
}

// Trigger queues cleanup jobs.
type Trigger struct {
	queue *mq.Queue
}

func NewTrigger(queue *mq.Queue) *Trigger {
	return &Trigger{queue: queue}
}

// QueueCartCleanup queues one job for products whose stock reached zero.
// orderID is 0 when no order caused it. It returns the job id.
func (t *Trigger) QueueCartCleanup(ctx context.Context, products []models.ExhaustedProduct, orderID int64) (string, error) {
	if len(products) == 0 {
		log.Println("[CartCleanup] QueueCartCleanup called with no products")
		return "", nil
	}
	jobID := utils.GetUUID()
	payload := Payload{JobID: jobID, Products: products, OrderID: orderID}
	if _, _, err := t.queue.Enqueue(ctx, JobType, payload, mq.Options{JobID: jobID, Priority: 1}); err != nil {
		return "", fmt.Errorf("queue cart cleanup: %w", err)
	}
	log.Printf("[CartCleanup] job %s queued for %d product(s): %s%s", jobID, len(products), names(products), orderSuffix(orderID))
	return jobID, nil
}

type Carts interface {
	ScanUserIDs(ctx context.Context) ([]int64, error)
	Update(ctx context.Context, userID int64, fn func(c *models.Cart) error) (*models.Cart, error)
}

type Products interface {
	FindProductByID(ctx context.Context, id int64) (*models.Product, error)
}

type Users interface {
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
}

type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

type Cleaner struct {
	carts       Carts
	products    Products
	users       Users
	mail        Mailer
	productsURL string
	now         func() time.Time
}

func NewCleaner(carts Carts, products Products, users Users, mail Mailer, appURL string) *Cleaner {
	return &Cleaner{carts: carts, products: products, users: users, mail: mail, productsURL: appURL + "/products", now: time.Now}
}

type Result struct {
	Verified      []models.ExhaustedProduct
	CartsScanned  int
	CartsUpdated  int
	CartsDeleted  int
	UsersNotified int
}

var errUnchanged = errors.New("cart unchanged")

// Clean removes the still sold-out products among p.Products from all
// carts, then sends one email per affected user.
func (c *Cleaner) Clean(ctx context.Context, p Payload) (*Result, error) {
	tag := fmt.Sprintf("[CartCleanup] [%s]", p.JobID)
	res := &Result{}

	for _, candidate := range p.Products {
		prod, err := c.products.FindProductByID(ctx, candidate.ProductID)
		if err != nil {
			return nil, fmt.Errorf("verify product %d: %w", candidate.ProductID, err)
		}
		if prod == nil {
			log.Printf("%s product %d no longer exists, skipping", tag, candidate.ProductID)
			continue
		}
		if prod.Stock != 0 {
			log.Printf("%s product %d (%s) has stock again (%d), skipping", tag, prod.ID, prod.Name, prod.Stock)
			continue
		}
		res.Verified = append(res.Verified, candidate)
	}
	if len(res.Verified) == 0 {
		log.Printf("%s no products out of stock, nothing to do", tag)
		return res, nil
	}

	userIDs, err := c.carts.ScanUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	res.CartsScanned = len(userIDs)

	removedByUser := map[int64][]mailer.RemovedProduct{}
	for _, userID := range userIDs {
		var removed []mailer.RemovedProduct
		cart, err := c.carts.Update(ctx, userID, func(cart *models.Cart) error {
			removed = removed[:0]
			now := c.now()
			for _, sold := range res.Verified {
				if item, ok := cart.Remove(sold.ProductID, now); ok {
					removed = append(removed, mailer.RemovedProduct{
						ProductID:   sold.ProductID,
						ProductName: sold.ProductName,
						Quantity:    item.Quantity,
					})
				}
			}
			if len(removed) == 0 {
				return errUnchanged
			}
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			log.Printf("%s failed to update cart of user %d: %v", tag, userID, err)
			continue
		}
		if cart.IsEmpty() {
			res.CartsDeleted++
			log.Printf("%s cart of user %d is now empty, deleted", tag, userID)
		} else {
			res.CartsUpdated++
		}
		removedByUser[userID] = append([]mailer.RemovedProduct(nil), removed...)
	}

	affected := make([]int64, 0, len(removedByUser))
	for id := range removedByUser {
		affected = append(affected, id)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })

	for _, userID := range affected {
		if c.notify(ctx, tag, userID, removedByUser[userID]) {
			res.UsersNotified++
		}
	}

	log.Printf("%s done: %d product(s), %d cart(s) scanned, %d updated, %d deleted, %d user(s) notified%s",
		tag, len(res.Verified), res.CartsScanned, res.CartsUpdated, res.CartsDeleted, res.UsersNotified, orderSuffix(p.OrderID))
	return res, nil
}

func (c *Cleaner) notify(ctx context.Context, tag string, userID int64, removed []mailer.RemovedProduct) bool {
	user, err := c.users.FindUserByID(ctx, userID)
	if err != nil {
		log.Printf("%s lookup of user %d failed, skipping notification: %v", tag, userID, err)
		return false
	}
	if user == nil || user.Email == "" {
		log.Printf("%s user %d not found or has no email, skipping notification", tag, userID)
		return false
	}
	msg, err := mailer.ProductsOutOfStock(user.Email, user.Name, removed, c.productsURL)
	if err == nil {
		err = c.mail.Send(ctx, msg)
	}
	if err != nil {
		log.Printf("%s failed to queue email for user %d: %v", tag, userID, err)
		return false
	}
	return true
}

// Handler returns the cart-cleanup queue job handler.
func Handler(c *Cleaner) mq.Handler {
	return func(ctx context.Context, job *mq.Job) error {
		var p Payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.JobID == "" {
			p.JobID = job.ID
		}
		_, err := c.Clean(ctx, p)
		return err
	}
}

func names(products []models.ExhaustedProduct) string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.ProductName
	}
	return strings.Join(out, ", ")
}

func orderSuffix(orderID int64) string {
	if orderID == 0 {
		return ""
	}
	return fmt.Sprintf(" (order #%d)", orderID)
}
