package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercado/auth"
	"mercado/models"
	"mercado/storetest"
	"mercado/utils"
)

func whoAmI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	utils.RespondWithJSON(w, http.StatusOK, utils.M{
		"userId": utils.GetUserIDFromRequest(r),
		"role":   utils.GetRoleFromRequest(r),
	})
}

func TestChainRunsInOrder(t *testing.T) {
	var calls []string
	mark := func(name string) Middleware {
		return func(next httprouter.Handle) httprouter.Handle {
			return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
				calls = append(calls, name)
				next(w, r, ps)
			}
		}
	}
	h := Chain(mark("a"), mark("b"), mark("c"))(func(http.ResponseWriter, *http.Request, httprouter.Params) {
		calls = append(calls, "handler")
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, []string{"a", "b", "c", "handler"}, calls)
}

func TestAuthenticate(t *testing.T) {
	tokens := auth.NewTokens([]byte("secret"))
	a := NewAuth(tokens)
	h := a.Authenticate(whoAmI)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongPurpose, err := tokens.Issue(auth.Claims{UserID: 7, Purpose: auth.PurposeTrustedPayment}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+wrongPurpose)
	rec = httptest.NewRecorder()
	h(rec, req, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	access, err := tokens.Issue(auth.Claims{UserID: 7, Role: models.RoleAdmin, Purpose: auth.PurposeAccess}, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	h(rec, req, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":7,"role":"admin"}`, rec.Body.String())
}

func TestOptionalAuthPassesAnonymous(t *testing.T) {
	a := NewAuth(auth.NewTokens([]byte("secret")))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	a.OptionalAuth(whoAmI)(rec, req, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":0,"role":""}`, rec.Body.String())
}

func TestRequireRoles(t *testing.T) {
	tokens := auth.NewTokens([]byte("secret"))
	h := Chain(NewAuth(tokens).Authenticate, RequireRoles(models.RoleAdmin))(whoAmI)

	userToken, _ := tokens.Issue(auth.Claims{UserID: 1, Role: models.RoleUser, Purpose: auth.PurposeAccess}, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	h(rec, req, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken, _ := tokens.Issue(auth.Claims{UserID: 2, Role: models.RoleAdmin, Purpose: auth.PurposeAccess}, time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	h(rec, req, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	store := storetest.New()
	calls := 0
	h := Idempotency(store, time.Hour)(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		calls++
		utils.RespondWithJSON(w, http.StatusCreated, utils.M{"order": calls})
	})

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
		req.Header.Set(IdempotencyHeader, "abc")
		rec := httptest.NewRecorder()
		h(rec, req, nil)
		return rec
	}

	first := send(`{"items":[]}`)
	assert.Equal(t, http.StatusCreated, first.Code)
	second := send(`{"items":[]}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)

	different := send(`{"items":[1]}`)
	assert.Equal(t, http.StatusConflict, different.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	store := storetest.New()
	status := http.StatusInternalServerError
	calls := 0
	h := Idempotency(store, time.Hour)(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		calls++
		utils.RespondWithJSON(w, status, utils.M{})
	})
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(nil))
		req.Header.Set(IdempotencyHeader, "k")
		rec := httptest.NewRecorder()
		h(rec, req, nil)
		return rec.Code
	}

	assert.Equal(t, http.StatusInternalServerError, send())
	status = http.StatusOK
	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, 2, calls)
}

func TestIdempotencyInFlightConflict(t *testing.T) {
	store := storetest.New()
	_, err := store.InsertIdempotencyRecord(t.Context(), &models.IdempotencyRecord{
		Key:         "0:busy",
		RequestHash: computeRequestHash(httptest.NewRequest(http.MethodPost, "/x", nil), nil, 0),
	})
	require.NoError(t, err)

	h := Idempotency(store, time.Hour)(whoAmI)
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(IdempotencyHeader, "busy")
	rec := httptest.NewRecorder()
	h(rec, req, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CONFLICT", body["type"])
}
