package orders

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"mercado/apperr"
	"mercado/auth"
	"mercado/globals"
	"mercado/models"
	"mercado/utils"
)

type TokenVerifier interface {
	Verify(token string, purpose auth.Purpose) (*auth.Claims, error)
}

// TrustedPayment reports whether the request carries a valid trusted
// payment cookie issued to userID.
func TrustedPayment(tokens TokenVerifier, r *http.Request, userID int64) bool {
	cookie, err := r.Cookie(globals.TrustedPaymentCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	claims, err := tokens.Verify(cookie.Value, auth.PurposeTrustedPayment)
	if err != nil {
		return false
	}
	return claims.UserID == userID
}

type Handlers struct {
	svc               *Service
	verifier          TokenVerifier
	issuer            TokenIssuer
	trustedPaymentTTL time.Duration
}

type Tokens interface {
	TokenVerifier
	TokenIssuer
}

func NewHandlers(svc *Service, tokens Tokens, trustedPaymentTTL time.Duration) *Handlers {
	return &Handlers{svc: svc, verifier: tokens, issuer: tokens, trustedPaymentTTL: trustedPaymentTTL}
}

type createOrderRequest struct {
	Items []models.OrderLine `json:"items"`
}

// POST /api/orders
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID := utils.GetUserIDFromRequest(r)
	var body createOrderRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}

	res, err := h.svc.CreateOrder(r.Context(), userID, body.Items, TrustedPayment(h.verifier, r, userID))
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, res)
}

// GET /api/orders/mine
func (h *Handlers) GetMyOrders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	orders, err := h.svc.GetUserOrders(r.Context(), utils.GetUserIDFromRequest(r))
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"orders": orders, "count": len(orders)})
}

// GET /api/orders/:id
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	var order *models.Order
	if utils.GetRoleFromRequest(r) == models.RoleAdmin {
		order, err = h.svc.GetOrderByID(r.Context(), id)
	} else {
		order, err = h.svc.GetOrderForUser(r.Context(), id, utils.GetUserIDFromRequest(r))
	}
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, order)
}

// POST /api/orders/:id/cancel
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	order, err := h.svc.CancelOrderByUser(r.Context(), id, utils.GetUserIDFromRequest(r))
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"message": "Order cancelled", "order": order})
}

// GET /api/orders/:id/invoice
func (h *Handlers) GetInvoice(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	admin := utils.GetRoleFromRequest(r) == models.RoleAdmin
	pdf, err := h.svc.Invoice(r.Context(), id, utils.GetUserIDFromRequest(r), admin)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=invoice-%d.pdf", id))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// GET /api/orders?userId=&status=&minTotal=&maxTotal=
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var f models.OrderFilter
	var err error
	if f.UserID, err = utils.ParseIntQuery(r, "userId"); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if f.MinTotal, err = utils.ParseMoneyQuery(r, "minTotal"); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if f.MaxTotal, err = utils.ParseMoneyQuery(r, "maxTotal"); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.OrderStatus(s)
		f.Status = &status
	}

	orders, err := h.svc.ListAllOrders(r.Context(), f)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"orders": orders, "count": len(orders)})
}

// PUT /api/orders/:id
func (h *Handlers) UpdateOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	var in UpdateInput
	if err := utils.DecodeJSON(r, &in); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if in.Status == nil && in.Items == nil {
		utils.RespondWithAppError(w, apperr.Validation("Nothing to update"))
		return
	}
	order, err := h.svc.UpdateOrder(r.Context(), id, in)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, order)
}

// DELETE /api/orders/:id
func (h *Handlers) DeleteOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := utils.ParseID(ps, "id")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if err := h.svc.DeleteOrder(r.Context(), id); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"message": "Order deleted"})
}

// GET /api/auth/verify-order?token=&remember=
//
// The link emailed for a pending order. With remember=true the browser also
// receives a trusted payment cookie so later orders skip verification.
func (h *Handlers) VerifyOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		utils.RespondWithAppError(w, apperr.Validation("Verification token is required"))
		return
	}

	claims, err := h.verifier.Verify(token, auth.PurposeOrderVerification)
	if errors.Is(err, auth.ErrExpired) {
		utils.RespondWithAppError(w, apperr.Auth(fmt.Sprintf(
			"This verification link has expired. Orders not verified within %d minutes are automatically cancelled; please place the order again.",
			int(h.svc.window.Minutes()))))
		return
	}
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}

	res, err := h.svc.CompleteOrderPayment(r.Context(), claims.OrderID, claims.UserID)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}

	trusted := false
	if q.Get("remember") == "true" {
		if err := h.setTrustedPayment(w, claims.UserID); err != nil {
			log.Printf("[Orders] order #%d paid but trusted payment cookie not issued: %v", claims.OrderID, err)
		} else {
			trusted = true
		}
	}

	utils.RespondWithJSON(w, http.StatusOK, utils.M{
		"message":          res.Message,
		"order":            res.Order,
		"alreadyCompleted": res.AlreadyCompleted,
		"trustedPayment":   trusted,
	})
}

func (h *Handlers) setTrustedPayment(w http.ResponseWriter, userID int64) error {
	token, err := h.issuer.Issue(auth.Claims{UserID: userID, Purpose: auth.PurposeTrustedPayment}, h.trustedPaymentTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     globals.TrustedPaymentCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.trustedPaymentTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
