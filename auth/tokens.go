// Package auth issues and verifies signed, purpose-scoped tokens. It knows
// nothing about orders or users beyond the claims it carries.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mercado/apperr"
	"mercado/models"
)

type Purpose string

const (
	PurposeAccess            Purpose = "access"
	PurposeOrderVerification Purpose = "order-verification"
	PurposeTrustedPayment    Purpose = "trusted-payment"
	PurposeTrustedDevice     Purpose = "trusted-device"
	PurposeTwoFactor         Purpose = "2fa-verification"
	PurposeEmailVerification Purpose = "email-verification"
	PurposeUnsubscribe       Purpose = "unsubscribe-notification"
)

const issuer = "mercado"

// Claims are shared by every token purpose; fields that do not apply to a
// purpose are left empty.
type Claims struct {
	UserID  int64       `json:"userId"`
	OrderID int64       `json:"orderId,omitempty"`
	Email   string      `json:"email,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	Purpose Purpose     `json:"purpose"`
	jwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret []byte) *Tokens {
	return &Tokens{secret: secret, now: time.Now}
}

// Issue signs claims valid for ttl.
func (t *Tokens) Issue(claims Claims, ttl time.Duration) (string, error) {
	if claims.Purpose == "" {
		return "", errors.New("token purpose is required")
	}
	now := t.now()
	claims.Issuer = issuer
	claims.Subject = strconv.FormatInt(claims.UserID, 10)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", claims.Purpose, err)
	}
	return signed, nil
}

// Verify parses token and checks its signature, expiry and purpose.
func (t *Tokens) Verify(token string, purpose Purpose) (*Claims, error) {
	if token == "" {
		return nil, apperr.Auth("Token is required")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, &apperr.Error{Kind: apperr.KindAuthentication, Message: "Token has expired", Err: ErrExpired}
	}
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindAuthentication, Message: "Invalid token", Err: err}
	}
	if claims.Purpose != purpose {
		return nil, apperr.Auth("Invalid token purpose")
	}
	return claims, nil
}

// ErrExpired is wrapped by Verify when the token was valid but is too old.
var ErrExpired = errors.New("token expired")
