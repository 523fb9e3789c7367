package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mercado/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	id, err := s.nextID(ctx, "orders")
	if err != nil {
		return err
	}
	o.ID = id
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if _, err := s.OrderCollection.InsertOne(ctx, o); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

// FindOrderByID returns nil, nil when the order does not exist.
func (s *Store) FindOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var o models.Order
	err := s.OrderCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding order %d: %w", id, err)
	}
	return &o, nil
}

func (s *Store) FindOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.findOrders(ctx, bson.M{"userId": userID})
}

func (s *Store) CountPendingByUser(ctx context.Context, userID int64) (int64, error) {
	n, err := s.OrderCollection.CountDocuments(ctx, bson.M{"userId": userID, "status": models.OrderPending})
	if err != nil {
		return 0, fmt.Errorf("counting pending orders of user %d: %w", userID, err)
	}
	return n, nil
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	filter := bson.M{}
	if f.UserID != nil {
		filter["userId"] = *f.UserID
	}
	if f.Status != nil {
		filter["status"] = *f.Status
	}
	total := bson.M{}
	if f.MinTotal != nil {
		total["$gte"] = *f.MinTotal
	}
	if f.MaxTotal != nil {
		total["$lte"] = *f.MaxTotal
	}
	if len(total) > 0 {
		filter["total"] = total
	}
	return s.findOrders(ctx, filter)
}

func (s *Store) FindPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	return s.findOrders(ctx, bson.M{
		"status":    models.OrderPending,
		"createdAt": bson.M{"$lt": cutoff},
	})
}

func (s *Store) findOrders(ctx context.Context, filter bson.M) ([]models.Order, error) {
	cur, err := s.OrderCollection.Find(ctx, filter, options.Find().SetSort(bson.M{"createdAt": -1}))
	if err != nil {
		return nil, fmt.Errorf("finding orders: %w", err)
	}
	defer cur.Close(ctx)

	orders := []models.Order{}
	if err := cur.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("decoding orders: %w", err)
	}
	return orders, nil
}

// TransitionStatus moves the order from -> to only if it is still in from.
// It stamps completedAt or cancelledAt with at. Reaching completed this way
// means settlement has taken the stock.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus, at time.Time) (bool, error) {
	set := statusFields(to, at)
	if to == models.OrderCompleted {
		set["stockCommitted"] = true
	}
	res, err := s.OrderCollection.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("moving order %d to %s: %w", id, to, err)
	}
	return res.MatchedCount == 1, nil
}

// SetStatus is the unconditional admin override.
func (s *Store) SetStatus(ctx context.Context, id int64, status models.OrderStatus, at time.Time) error {
	_, err := s.OrderCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": statusFields(status, at)})
	if err != nil {
		return fmt.Errorf("setting status of order %d: %w", id, err)
	}
	return nil
}

func statusFields(status models.OrderStatus, at time.Time) bson.M {
	set := bson.M{"status": status}
	switch status {
	case models.OrderCompleted:
		set["completedAt"] = at
	case models.OrderCancelled:
		set["cancelledAt"] = at
	}
	return set
}

func (s *Store) ReplaceItems(ctx context.Context, id int64, items []models.OrderItem, total models.Money) error {
	_, err := s.OrderCollection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"items": items, "total": total}},
	)
	if err != nil {
		return fmt.Errorf("replacing items of order %d: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := s.OrderCollection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("deleting order %d: %w", id, err)
	}
	return nil
}
