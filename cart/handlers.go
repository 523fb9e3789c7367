package cart

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"mercado/apperr"
	"mercado/orders"
	"mercado/utils"
)

type Handlers struct {
	svc    *Service
	tokens orders.TokenVerifier
}

func NewHandlers(svc *Service, tokens orders.TokenVerifier) *Handlers {
	return &Handlers{svc: svc, tokens: tokens}
}

// GET /api/cart
func (h *Handlers) GetCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, err := h.svc.GetCart(r.Context(), utils.GetUserIDFromRequest(r))
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c)
}

// GET /api/cart/summary
func (h *Handlers) GetCartSummary(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	summary, err := h.svc.GetCartSummary(r.Context(), utils.GetUserIDFromRequest(r))
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, summary)
}

// POST /api/cart/items
func (h *Handlers) AddItem(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		ProductID int64 `json:"productId"`
		Quantity  int   `json:"quantity"`
	}
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	if body.ProductID <= 0 {
		utils.RespondWithAppError(w, apperr.Validation("Product ID must be a positive integer"))
		return
	}
	c, err := h.svc.AddItem(r.Context(), utils.GetUserIDFromRequest(r), body.ProductID, body.Quantity)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c)
}

// PUT /api/cart/items/:productId
func (h *Handlers) UpdateItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	productID, err := utils.ParseID(ps, "productId")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	c, err := h.svc.UpdateItemQuantity(r.Context(), utils.GetUserIDFromRequest(r), productID, body.Quantity)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c)
}

// DELETE /api/cart/items/:productId
func (h *Handlers) RemoveItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	productID, err := utils.ParseID(ps, "productId")
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	c, err := h.svc.RemoveItem(r.Context(), utils.GetUserIDFromRequest(r), productID)
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c)
}

// DELETE /api/cart
func (h *Handlers) ClearCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.svc.ClearCart(r.Context(), utils.GetUserIDFromRequest(r)); err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"message": "Cart cleared"})
}

// POST /api/cart/checkout
func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID := utils.GetUserIDFromRequest(r)
	res, err := h.svc.Checkout(r.Context(), userID, orders.TrustedPayment(h.tokens, r, userID))
	if err != nil {
		utils.RespondWithAppError(w, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+strconv.FormatInt(res.Order.ID, 10))
	utils.RespondWithJSON(w, http.StatusCreated, res)
}
