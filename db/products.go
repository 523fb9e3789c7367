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

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	id, err := s.nextID(ctx, "products")
	if err != nil {
		return err
	}
	now := time.Now()
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	if _, err := s.ProductCollection.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}
	return nil
}

// FindProductByID returns nil, nil when the product does not exist.
func (s *Store) FindProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var p models.Product
	err := s.ProductCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding product %d: %w", id, err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	cur, err := s.ProductCollection.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer cur.Close(ctx)

	products := []models.Product{}
	if err := cur.All(ctx, &products); err != nil {
		return nil, fmt.Errorf("decoding products: %w", err)
	}
	return products, nil
}

// UpdateProduct sets only the patched fields, so concurrent stock changes
// survive an edit of the other fields. It returns nil when no product matches.
func (s *Store) UpdateProduct(ctx context.Context, id int64, patch models.ProductPatch) (*models.Product, error) {
	set := bson.M{"updatedAt": time.Now()}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Price != nil {
		set["price"] = *patch.Price
	}
	if patch.Stock != nil {
		set["stock"] = *patch.Stock
	}

	var p models.Product
	err := s.ProductCollection.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating product %d: %w", id, err)
	}
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) (bool, error) {
	res, err := s.ProductCollection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("deleting product %d: %w", id, err)
	}
	return res.DeletedCount == 1, nil
}

// ProductReferenced reports whether any order item points at the product.
func (s *Store) ProductReferenced(ctx context.Context, id int64) (bool, error) {
	n, err := s.OrderCollection.CountDocuments(ctx, bson.M{"items.productId": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("checking references to product %d: %w", id, err)
	}
	return n > 0, nil
}

// DecrementStock takes qty units only if that many are available, so stock
// can never be driven below zero. ok is false otherwise.
func (s *Store) DecrementStock(ctx context.Context, productID int64, qty int) (int, bool, error) {
	var p models.Product
	err := s.ProductCollection.FindOneAndUpdate(ctx,
		bson.M{"_id": productID, "stock": bson.M{"$gte": qty}},
		bson.M{
			"$inc": bson.M{"stock": -qty},
			"$set": bson.M{"updatedAt": time.Now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrementing stock of product %d: %w", productID, err)
	}
	return p.Stock, true, nil
}

func (s *Store) IncrementStock(ctx context.Context, productID int64, qty int) error {
	_, err := s.ProductCollection.UpdateOne(ctx,
		bson.M{"_id": productID},
		bson.M{
			"$inc": bson.M{"stock": qty},
			"$set": bson.M{"updatedAt": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("restoring stock of product %d: %w", productID, err)
	}
	return nil
}
