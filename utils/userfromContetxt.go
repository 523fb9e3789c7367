package utils

import (
	"net/http"

	"mercado/globals"
	"mercado/models"
)

// GetUserIDFromRequest returns the authenticated user id, or 0.
func GetUserIDFromRequest(r *http.Request) int64 {
	id, ok := r.Context().Value(globals.UserIDKey).(int64)
	if !ok {
		return 0
	}
	return id
}

func GetRoleFromRequest(r *http.Request) models.Role {
	role, _ := r.Context().Value(globals.RoleKey).(models.Role)
	return role
}
