package users

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"mercado/apperr"
	"mercado/globals"
	"mercado/models"
	"mercado/utils"
)

type OrderLister interface {
	GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
}

type Handlers struct {
	svc    *Service
	orders OrderLister
}

func NewHandlers(svc *Service, orders OrderLister) *Handlers {
	return &Handlers{svc: svc, orders: orders}
}

// POST /api/auth/register
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in RegisterInput
	if err := utils.DecodeJSON(r, &in); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	u, err := h.svc.Register(r.Context(), in)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, utils.M{
		"message": "Registration successful. Please check your email to verify your account.",
		"userId":  u.ID,
	})
}

// GET /api/auth/verify-email?token=
func (h *Handlers) VerifyEmail(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.svc.VerifyEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"message": "Email verified successfully"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// POST /api/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body loginRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	var trusted string
	if c, err := r.Cookie(globals.TrustedDeviceCookie); err == nil {
		trusted = c.Value
	}
	res, err := h.svc.Login(r.Context(), body.Email, body.Password, trusted)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if !res.SkipTwoFactor {
		utils.RespondWithJSON(w, http.StatusOK, utils.M{
			"message":          "A sign-in code was sent to your email",
			"skipTwoFactor":    false,
			"pendingAuthToken": res.PendingAuthToken,
		})
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, res)
}

type verifyLoginRequest struct {
	PendingAuthToken string `json:"pendingAuthToken"`
	Code             string `json:"code"`
	RememberDevice   bool   `json:"rememberDevice"`
}

// POST /api/auth/login/verify
func (h *Handlers) VerifyLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body verifyLoginRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if body.Code == "" {
		utils.RespondWithAppError(w, apperr.Validation("Code is required"))
		return
	}
	sess, err := h.svc.VerifyLoginCode(r.Context(), body.PendingAuthToken, body.Code, body.RememberDevice)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if sess.TrustedDeviceToken != "" {
		setCookie(w, globals.TrustedDeviceCookie, sess.TrustedDeviceToken, h.svc.TrustedDeviceTTL())
	}
	utils.RespondWithJSON(w, http.StatusOK, sess)
}

// GET /api/auth/unsubscribe?token=
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.svc.Unsubscribe(r.Context(), r.URL.Query().Get("token")); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"message": "You will no longer receive balance update emails"})
}

// GET /api/users/me
func (h *Handlers) GetMe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID := utils.GetUserIDFromRequest(r)
	u, err := h.svc.GetUser(r.Context(), userID)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	orders, err := h.orders.GetUserOrders(r.Context(), userID)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"user": u, "orders": orders})
}

type preferencesRequest struct {
	NotifyBalanceUpdates *bool `json:"notifyBalanceUpdates"`
}

// PATCH /api/users/me
func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body preferencesRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if body.NotifyBalanceUpdates == nil {
		utils.RespondWithAppError(w, apperr.Validation("notifyBalanceUpdates is required"))
		return
	}
	u, err := h.svc.SetNotifyBalanceUpdates(r.Context(), utils.GetUserIDFromRequest(r), *body.NotifyBalanceUpdates)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, u)
}

// GET /api/users
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list, err := h.svc.ListUsers(r.Context())
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"users": list, "count": len(list)})
}

type balanceRequest struct {
	Amount models.Money `json:"amount"`
}

// POST /api/users/:id/balance
func (h *Handlers) AddBalance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	var body balanceRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	res, err := h.svc.AddBalance(r.Context(), id, body.Amount)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, res)
}

// DELETE /api/users/:id
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if id == utils.GetUserIDFromRequest(r) {
		utils.RespondWithAppError(w, apperr.Validation("You cannot delete your own account"))
		return
	}
	if err := h.svc.DeleteUser(r.Context(), id); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"message": "User deleted"})
}

func setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
