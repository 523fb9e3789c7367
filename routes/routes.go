package routes

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"mercado/cart"
	"mercado/middleware"
	"mercado/models"
	"mercado/orders"
	"mercado/products"
	"mercado/ratelim"
	"mercado/users"
)

// Deps carries the feature handlers and the shared middleware.
type Deps struct {
	Users    *users.Handlers
	Products *products.Handlers
	Cart     *cart.Handlers
	Orders   *orders.Handlers

	Auth        *middleware.Auth
	RateLimiter *ratelim.RateLimiter
	Idempotency middleware.Middleware
}

func (d *Deps) user() middleware.Middleware {
	return middleware.Chain(d.RateLimiter.Limit, d.Auth.Authenticate)
}

func (d *Deps) admin() middleware.Middleware {
	return middleware.Chain(d.RateLimiter.Limit, d.Auth.Authenticate, middleware.RequireRoles(models.RoleAdmin))
}

func AddAuthRoutes(router *httprouter.Router, d *Deps) {
	router.POST("/api/auth/register", d.RateLimiter.Limit(d.Users.Register))
	router.GET("/api/auth/verify-email", d.RateLimiter.Limit(d.Users.VerifyEmail))
	router.POST("/api/auth/login", d.RateLimiter.Limit(d.Users.Login))
	router.POST("/api/auth/login/verify", d.RateLimiter.Limit(d.Users.VerifyLogin))
	router.GET("/api/auth/verify-order", d.RateLimiter.Limit(d.Orders.VerifyOrder))
	router.GET("/api/auth/unsubscribe", d.RateLimiter.Limit(d.Users.Unsubscribe))
}

func AddUserRoutes(router *httprouter.Router, d *Deps) {
	router.GET("/api/users/me", d.user()(d.Users.GetMe))
	router.PATCH("/api/users/me", d.user()(d.Users.UpdatePreferences))
	router.GET("/api/users", d.admin()(d.Users.ListUsers))
	router.POST("/api/users/:id/balance", d.admin()(d.Users.AddBalance))
	router.DELETE("/api/users/:id", d.admin()(d.Users.DeleteUser))
}

func AddProductRoutes(router *httprouter.Router, d *Deps) {
	router.GET("/api/products", d.RateLimiter.Limit(d.Products.ListProducts))
	router.GET("/api/products/:id", d.RateLimiter.Limit(d.Products.GetProduct))
	router.POST("/api/products", d.admin()(d.Products.CreateProduct))
	router.PUT("/api/products/:id", d.admin()(d.Products.UpdateProduct))
	router.DELETE("/api/products/:id", d.admin()(d.Products.DeleteProduct))
}

func AddCartRoutes(router *httprouter.Router, d *Deps) {
	router.GET("/api/cart", d.user()(d.Cart.GetCart))
	router.GET("/api/cart/summary", d.user()(d.Cart.GetCartSummary))
	router.POST("/api/cart/items", d.user()(d.Cart.AddItem))
	router.PUT("/api/cart/items/:productId", d.user()(d.Cart.UpdateItem))
	router.DELETE("/api/cart/items/:productId", d.user()(d.Cart.RemoveItem))
	router.DELETE("/api/cart", d.user()(d.Cart.ClearCart))
	router.POST("/api/cart/checkout",
		middleware.Chain(
			d.RateLimiter.Limit,
			d.Auth.Authenticate,
			d.Idempotency,
		)(d.Cart.Checkout),
	)
}

func AddOrderRoutes(router *httprouter.Router, d *Deps) {
	router.POST("/api/orders",
		middleware.Chain(
			d.RateLimiter.Limit,
			d.Auth.Authenticate,
			d.Idempotency,
		)(d.Orders.CreateOrder),
	)
	router.GET("/api/orders/:id", d.user()(mineOr(d.Orders.GetMyOrders, d.Orders.GetOrder)))
	router.GET("/api/orders/:id/invoice", d.user()(d.Orders.GetInvoice))
	router.POST("/api/orders/:id/cancel", d.user()(d.Orders.CancelOrder))
	router.GET("/api/orders", d.admin()(d.Orders.ListOrders))
	router.PUT("/api/orders/:id", d.admin()(d.Orders.UpdateOrder))
	router.DELETE("/api/orders/:id", d.admin()(d.Orders.DeleteOrder))
}

// mineOr serves /api/orders/mine. httprouter does not allow a static
// segment next to :id under the same method.
func mineOr(mine, byID httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("id") == "mine" {
			mine(w, r, ps)
			return
		}
		byID(w, r, ps)
	}
}
