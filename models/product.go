package models

import "time"

// Product is a sellable item. Stock never goes below zero.
type Product struct {
	ID          int64     `json:"id" bson:"_id"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	Price       Money     `json:"price" bson:"price"`
	Stock       int       `json:"stock" bson:"stock"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ProductPatch lists the fields of a product update; nil fields are left
// untouched in storage.
type ProductPatch struct {
	Name        *string
	Description *string
	Price       *Money
	Stock       *int
}

// ExhaustedProduct identifies a product whose stock reached zero.
type ExhaustedProduct struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
}
