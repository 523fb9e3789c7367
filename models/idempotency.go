package models

import "time"

// IdempotencyRecord represents an idempotency key record stored in Mongo.
type IdempotencyRecord struct {
	Key            string    `bson:"key" json:"key"`
	Method         string    `bson:"method" json:"method"`
	Path           string    `bson:"path" json:"path"`
	UserID         int64     `bson:"userid" json:"userid"`
	RequestHash    string    `bson:"request_hash" json:"request_hash"`
	ResponseStatus int       `bson:"response_status,omitempty" json:"response_status,omitempty"`
	ResponseBody   []byte    `bson:"response_body,omitempty" json:"response_body,omitempty"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt      time.Time `bson:"expires_at" json:"expires_at"`
}

// HasResponse reports whether the original request finished.
func (r *IdempotencyRecord) HasResponse() bool {
	return r.ResponseStatus != 0
}
