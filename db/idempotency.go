package db

import (
	"context"
	"errors"
	"fmt"

	"mercado/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// InsertIdempotencyRecord returns created=false when the key already exists.
func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	_, err := s.IdempotencyCollection.InsertOne(ctx, rec)
	if err == nil {
		return true, nil
	}
	if isDuplicateKeyError(err) {
		return false, nil
	}
	return false, fmt.Errorf("inserting idempotency record: %w", err)
}

func (s *Store) FindIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.IdempotencyCollection.FindOne(ctx, bson.M{"key": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *Store) SaveIdempotencyResponse(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.IdempotencyCollection.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": bson.M{"response_status": status, "response_body": body}},
	)
	if err != nil {
		return fmt.Errorf("saving idempotency response: %w", err)
	}
	return nil
}

// DeleteIdempotencyRecord frees a key whose request failed, so it can be retried.
func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	if _, err := s.IdempotencyCollection.DeleteOne(ctx, bson.M{"key": key}); err != nil {
		return fmt.Errorf("deleting idempotency record: %w", err)
	}
	return nil
}
