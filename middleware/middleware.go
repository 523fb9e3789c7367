package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/julienschmidt/httprouter"

	"mercado/apperr"
	"mercado/auth"
	"mercado/globals"
	"mercado/models"
	"mercado/utils"
)

type Middleware func(httprouter.Handle) httprouter.Handle

// Chain applies mws so that the first one runs first.
func Chain(mws ...Middleware) Middleware {
	return func(final httprouter.Handle) httprouter.Handle {
		for i := len(mws) - 1; i >= 0; i-- {
			final = mws[i](final)
		}
		return final
	}
}

type TokenVerifier interface {
	Verify(token string, purpose auth.Purpose) (*auth.Claims, error)
}

type Auth struct {
	tokens TokenVerifier
}

func NewAuth(tokens TokenVerifier) *Auth {
	return &Auth{tokens: tokens}
}

// Authenticate requires a Bearer access token and stores the user id and
// role in the request context.
func (a *Auth) Authenticate(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		tokenString, ok := bearerToken(r)
		if !ok {
			utils.RespondWithAppError(w, apperr.Auth("Missing or malformed Authorization header"))
			return
		}
		claims, err := a.tokens.Verify(tokenString, auth.PurposeAccess)
		if err != nil {
			utils.RespondWithAppError(w, err)
			return
		}
		next(w, r.WithContext(withClaims(r.Context(), claims)), ps)
	}
}

// OptionalAuth sets the user in context when a valid token is present and
// proceeds regardless.
func (a *Auth) OptionalAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if tokenString, ok := bearerToken(r); ok {
			if claims, err := a.tokens.Verify(tokenString, auth.PurposeAccess); err == nil {
				r = r.WithContext(withClaims(r.Context(), claims))
			}
		}
		next(w, r, ps)
	}
}

// RequireRoles must run after Authenticate.
func RequireRoles(roles ...models.Role) Middleware {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			if !slices.Contains(roles, utils.GetRoleFromRequest(r)) {
				utils.RespondWithAppError(w, apperr.Forbidden("You do not have permission to perform this action"))
				return
			}
			next(w, r, ps)
		}
	}
}

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, globals.UserIDKey, claims.UserID)
	return context.WithValue(ctx, globals.RoleKey, claims.Role)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 8 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[7:]), true
}
