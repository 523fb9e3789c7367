package routes

import (
	"github.com/julienschmidt/httprouter"
)

func RoutesWrapper(router *httprouter.Router, d *Deps) {
	AddAuthRoutes(router, d)
	AddUserRoutes(router, d)
	AddProductRoutes(router, d)
	AddCartRoutes(router, d)
	AddOrderRoutes(router, d)
}
