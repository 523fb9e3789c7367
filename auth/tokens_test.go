package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercado/apperr"
	"mercado/models"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens([]byte("secret"))

	tok, err := tokens.Issue(Claims{UserID: 4, OrderID: 9, Purpose: PurposeOrderVerification}, 5*time.Minute)
	require.NoError(t, err)

	claims, err := tokens.Verify(tok, PurposeOrderVerification)
	require.NoError(t, err)
	assert.Equal(t, int64(4), claims.UserID)
	assert.Equal(t, int64(9), claims.OrderID)
	assert.Equal(t, "4", claims.Subject)
}

func TestVerifyRejectsOtherPurpose(t *testing.T) {
	tokens := NewTokens([]byte("secret"))
	tok, err := tokens.Issue(Claims{UserID: 4, Role: models.RoleUser, Purpose: PurposeAccess}, time.Hour)
	require.NoError(t, err)

	_, err = tokens.Verify(tok, PurposeTrustedPayment)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestVerifyExpired(t *testing.T) {
	tokens := NewTokens([]byte("secret"))
	issued := time.Now().Add(-10 * time.Minute)
	tokens.now = func() time.Time { return issued }
	tok, err := tokens.Issue(Claims{UserID: 1, OrderID: 2, Purpose: PurposeOrderVerification}, 5*time.Minute)
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(tok, PurposeOrderVerification)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExpired))
	assert.Equal(t, "Token has expired", apperr.PublicMessage(err))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	tok, err := NewTokens([]byte("other")).Issue(Claims{UserID: 1, Purpose: PurposeAccess}, time.Hour)
	require.NoError(t, err)

	_, err = NewTokens([]byte("secret")).Verify(tok, PurposeAccess)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{UserID: 1, Purpose: PurposeAccess}
	claims.Issuer = issuer
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, &claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokens([]byte("secret")).Verify(tok, PurposeAccess)
	assert.Error(t, err)
}

func TestIssueRequiresPurpose(t *testing.T) {
	_, err := NewTokens([]byte("secret")).Issue(Claims{UserID: 1}, time.Hour)
	assert.Error(t, err)
}
