package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercado/globals"
	"mercado/models"
	"mercado/rdx"
)

type noOrders struct{}

func (noOrders) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return []models.Order{}, nil
}

func asUser(r *http.Request, id int64, role models.Role) *http.Request {
	ctx := context.WithValue(r.Context(), globals.UserIDKey, id)
	ctx = context.WithValue(ctx, globals.RoleKey, role)
	return r.WithContext(ctx)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLoginHandlersSetTrustedDeviceCookie(t *testing.T) {
	f := newFixture(t)
	u := f.verified(t, "ana@example.com")
	h := NewHandlers(f.svc, noOrders{})
	router := httprouter.New()
	router.POST("/api/auth/login", h.Login)
	router.POST("/api/auth/login/verify", h.VerifyLogin)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"ana@example.com","password":"`+password+`"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, false, body["skipTwoFactor"])
	pending, _ := body["pendingAuthToken"].(string)
	require.NotEmpty(t, pending)

	code, _, err := f.cache.GetString(context.Background(), rdx.LoginCodeKey(u.ID))
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login/verify",
		strings.NewReader(`{"pendingAuthToken":"`+pending+`","code":"`+code+`","rememberDevice":true}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["accessToken"])

	var device *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == globals.TrustedDeviceCookie {
			device = c
		}
	}
	require.NotNil(t, device)
	assert.True(t, device.HttpOnly)
	assert.NotContains(t, rec.Body.String(), device.Value, "device token travels only in the cookie")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"ana@example.com","password":"`+password+`"}`))
	req.AddCookie(device)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["skipTwoFactor"])
	assert.NotEmpty(t, body["accessToken"])
}

func TestVerifyLoginRequiresCode(t *testing.T) {
	f := newFixture(t)
	h := NewHandlers(f.svc, noOrders{})
	rec := httptest.NewRecorder()
	h.VerifyLogin(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pendingAuthToken":"x"}`)), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminUserHandlers(t *testing.T) {
	f := newFixture(t)
	u := f.verified(t, "ana@example.com")
	h := NewHandlers(f.svc, noOrders{})
	router := httprouter.New()
	router.POST("/api/users/:id/balance", h.AddBalance)
	router.DELETE("/api/users/:id", h.DeleteUser)
	router.GET("/api/users/me", h.GetMe)

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/users/1/balance", strings.NewReader(`{"amount":12.5}`)), 99, models.RoleAdmin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 12.5, decode(t, rec)["balance"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/users/me", nil), u.ID, models.RoleUser))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":12.50`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodDelete, "/api/users/1", nil), u.ID, models.RoleAdmin))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "admins cannot delete themselves")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodDelete, "/api/users/1", nil), 99, models.RoleAdmin))
	assert.Equal(t, http.StatusOK, rec.Code)
}
