// Package expiry schedules and runs the delayed check that cancels orders
// left unverified past the verification window.
package expiry

import (
	"context"
	"fmt"
	"log"
	"time"

	"mercado/apperr"
	"mercado/models"
	"mercado/mq"
)

const (
	QueueName = "order-expiration"
	JobType   = "check-expiration"
	jobIDFmt  = "order-expiration-%d"
)

type Payload struct {
	OrderID   int64     `json:"orderId"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

func JobID(orderID int64) string {
	return fmt.Sprintf(jobIDFmt, orderID)
}

type Scheduler struct {
	queue  *mq.Queue
	window time.Duration
	now    func() time.Time
}

func NewScheduler(queue *mq.Queue, window time.Duration) *Scheduler {
	return &Scheduler{queue: queue, window: window, now: time.Now}
}

// ScheduleOrderExpiration queues the check to fire one window after
// createdAt. Scheduling the same order twice keeps the first job.
func (s *Scheduler) ScheduleOrderExpiration(ctx context.Context, orderID, userID int64, createdAt time.Time) error {
	delay := createdAt.Add(s.window).Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	payload := Payload{OrderID: orderID, UserID: userID, CreatedAt: createdAt}
	_, created, err := s.queue.Enqueue(ctx, JobType, payload, mq.Options{JobID: JobID(orderID), Delay: delay})
	if err != nil {
		log.Printf("[OrderExpiration] failed to schedule expiration for order #%d: %v", orderID, err)
		return err
	}
	if created {
		log.Printf("[OrderExpiration] scheduled expiration check for order #%d in %s", orderID, delay.Round(time.Second))
	}
	return nil
}

// CancelOrderExpirationJob removes the pending check for orderID. A job that
// already ran or is running is left alone; its own status check makes it a
// no-op.
func (s *Scheduler) CancelOrderExpirationJob(ctx context.Context, orderID int64) {
	removed, err := s.queue.Remove(ctx, JobID(orderID))
	if err != nil {
		log.Printf("[OrderExpiration] failed to cancel expiration job for order #%d: %v", orderID, err)
		return
	}
	if removed {
		log.Printf("[OrderExpiration] cancelled expiration job for order #%d", orderID)
	}
}

// Orders is what the expiration worker needs from the order service.
type Orders interface {
	GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (bool, error)
}

// Handler returns the job handler for the expiration queue. Orders that are
// gone, no longer pending, or not yet past the window complete the job
// without side effects; only store failures are retried.
func Handler(orders Orders, window time.Duration, now func() time.Time) mq.Handler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, job *mq.Job) error {
		var p Payload
		if err := job.Decode(&p); err != nil {
			return err
		}

		order, err := orders.GetOrderByID(ctx, p.OrderID)
		if apperr.Is(err, apperr.KindNotFound) {
			log.Printf("[OrderExpiration] order #%d no longer exists, skipping", p.OrderID)
			return nil
		}
		if err != nil {
			return err
		}
		if order.Status != models.OrderPending {
			log.Printf("[OrderExpiration] order #%d is %s, skipping cancellation", p.OrderID, order.Status)
			return nil
		}
		elapsed := now().Sub(order.CreatedAt)
		if elapsed < window {
			log.Printf("[OrderExpiration] order #%d has not expired yet (%s elapsed), skipping", p.OrderID, elapsed.Round(time.Second))
			return nil
		}

		cancelled, err := orders.CancelOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if cancelled {
			log.Printf("[OrderExpiration] cancelled expired order #%d (%s elapsed)", p.OrderID, elapsed.Round(time.Second))
		}
		return nil
	}
}
