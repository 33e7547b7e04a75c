// Package middleware contains HTTP middleware for the Bindery application.
//
// Middleware functions follow the standard Go pattern of wrapping
// http.Handler and are composed with Stack.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/bindery-app/bindery/internal/auth"
	"github.com/bindery-app/bindery/internal/handler"
)

// IdentityCookieName is the cookie the web client stores its identity token
// in. API clients send the same token as a bearer credential instead.
const IdentityCookieName = "bindery_identity"

// AuthMiddleware resolves the requesting user from an identity token.
type AuthMiddleware struct {
	verifier auth.Verifier
	logger   *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(verifier auth.Verifier, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

// WithUser attempts to resolve the user id from the request's identity token
// and stores it in the context. The request proceeds regardless of whether a
// valid token was found; use RequireUser to enforce authentication.
func (m *AuthMiddleware) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identityToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.Debug("identity token rejected", "error", err, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

// RequireUser rejects requests that carry no authenticated user.
// Must run after WithUser in the middleware chain.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.UserID(r.Context()) == "" {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identityToken extracts the identity token from the Authorization header or,
// failing that, the identity cookie.
func identityToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(IdentityCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
