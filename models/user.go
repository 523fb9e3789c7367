package models

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is a registered customer or administrator.
type User struct {
	ID                   int64     `json:"id" bson:"_id"`
	Name                 string    `json:"name" bson:"name"`
	Email                string    `json:"email" bson:"email"`
	PasswordHash         string    `json:"-" bson:"passwordHash"`
	Balance              Money     `json:"balance" bson:"balance"`
	Role                 Role      `json:"role" bson:"role"`
	EmailVerified        bool      `json:"emailVerified" bson:"emailVerified"`
	NotifyBalanceUpdates bool      `json:"notifyBalanceUpdates" bson:"notifyBalanceUpdates"`
	CreatedAt            time.Time `json:"createdAt" bson:"createdAt"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
