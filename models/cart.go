package models

import "time"

// CartItem represents a single line in the user's cart.
type CartItem struct {
	ProductID int64     `json:"productId"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"addedAt"`
}

// Cart lives in Redis only; lines for the same product are merged.
type Cart struct {
	UserID    int64      `json:"userId"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// IndexOf returns the position of productID in the cart or -1.
func (c *Cart) IndexOf(productID int64) int {
	for i, it := range c.Items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}

// Remove drops the line for productID and reports what was removed.
func (c *Cart) Remove(productID int64, now time.Time) (CartItem, bool) {
	i := c.IndexOf(productID)
	if i < 0 {
		return CartItem{}, false
	}
	removed := c.Items[i]
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	c.UpdatedAt = now
	return removed, true
}

// Lines converts the cart into an order request.
func (c *Cart) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, OrderLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

// CartSummaryItem is a cart line joined with product details.
type CartSummaryItem struct {
	ProductID    int64  `json:"productId"`
	ProductName  string `json:"productName"`
	ProductPrice Money  `json:"productPrice"`
	Quantity     int    `json:"quantity"`
	Subtotal     Money  `json:"subtotal"`
}

type CartSummary struct {
	UserID    int64             `json:"userId"`
	Items     []CartSummaryItem `json:"items"`
	Total     Money             `json:"total"`
	ItemCount int               `json:"itemCount"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
