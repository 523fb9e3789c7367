package models

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// OrderLine is a requested product and quantity, before prices are resolved.
type OrderLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// OrderItem snapshots the product price at the time the order was placed.
type OrderItem struct {
	ProductID   int64  `json:"productId" bson:"productId"`
	ProductName string `json:"productName" bson:"productName"`
	Quantity    int    `json:"quantity" bson:"quantity"`
	UnitPrice   Money  `json:"unitPrice" bson:"unitPrice"`
}

func (i OrderItem) Subtotal() Money {
	return i.UnitPrice.Mul(i.Quantity)
}

// Order belongs to a user; UserID is nil once that user has been removed.
type Order struct {
	ID          int64       `json:"id" bson:"_id"`
	UserID      *int64      `json:"userId" bson:"userId"`
	Items       []OrderItem `json:"items" bson:"items"`
	Total       Money       `json:"total" bson:"total"`
	Status      OrderStatus `json:"status" bson:"status"`
	CreatedAt   time.Time   `json:"createdAt" bson:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CancelledAt *time.Time  `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`

	// StockCommitted is set once the items' stock has been decremented, so
	// only those orders give stock back when edited or deleted.
	StockCommitted bool `json:"-" bson:"stockCommitted"`
}

func (o *Order) OwnedBy(userID int64) bool {
	return o.UserID != nil && *o.UserID == userID
}

// Lines returns the product/quantity pairs of the order's items.
func (o *Order) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, OrderLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

// OrderFilter narrows ListAllOrders. Nil fields are ignored.
type OrderFilter struct {
	UserID   *int64
	Status   *OrderStatus
	MinTotal *Money
	MaxTotal *Money
}
