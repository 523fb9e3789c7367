package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mercado/apperr"
	"mercado/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	id, err := s.nextID(ctx, "users")
	if err != nil {
		return err
	}
	u.ID = id
	u.Email = strings.ToLower(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if _, err := s.UserCollection.InsertOne(ctx, u); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("Email %s is already registered", u.Email)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// FindUserByID returns nil, nil when the user does not exist.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": strings.ToLower(email)})
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	err := s.UserCollection.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	cur, err := s.UserCollection.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer cur.Close(ctx)

	users := []models.User{}
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}
	return users, nil
}

func (s *Store) SetEmailVerified(ctx context.Context, email string) (bool, error) {
	res, err := s.UserCollection.UpdateOne(ctx,
		bson.M{"email": strings.ToLower(email)},
		bson.M{"$set": bson.M{"emailVerified": true}},
	)
	if err != nil {
		return false, fmt.Errorf("verifying email: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) SetNotifyBalanceUpdates(ctx context.Context, userID int64, notify bool) (bool, error) {
	res, err := s.UserCollection.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"notifyBalanceUpdates": notify}},
	)
	if err != nil {
		return false, fmt.Errorf("updating notification preference: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// DeleteUser removes the user and detaches their orders, which are kept.
func (s *Store) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	res, err := s.UserCollection.DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		return false, fmt.Errorf("deleting user: %w", err)
	}
	if res.DeletedCount == 0 {
		return false, nil
	}
	if _, err := s.OrderCollection.UpdateMany(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": bson.M{"userId": nil}},
	); err != nil {
		return true, fmt.Errorf("detaching orders of user %d: %w", userID, err)
	}
	return true, nil
}

// DeductBalance subtracts amount only if the balance covers it. ok is false
// when the user is missing or the balance is insufficient.
func (s *Store) DeductBalance(ctx context.Context, userID int64, amount models.Money) (models.Money, bool, error) {
	var u models.User
	err := s.UserCollection.FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "balance": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"balance": -amount}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("deducting balance: %w", err)
	}
	return u.Balance, true, nil
}

func (s *Store) AddBalance(ctx context.Context, userID int64, amount models.Money) (models.Money, bool, error) {
	var u models.User
	err := s.UserCollection.FindOneAndUpdate(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"balance": amount}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("adding balance: %w", err)
	}
	return u.Balance, true, nil
}
