package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bindery-app/bindery/internal/auth"
)

func newTestAuth(t *testing.T) (*AuthMiddleware, *auth.HMACVerifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	verifier := auth.NewHMACVerifier("test-secret")
	return NewAuthMiddleware(verifier, logger), verifier
}

func mintToken(t *testing.T, v *auth.HMACVerifier, subject string) string {
	t.Helper()
	token, err := v.Mint(subject, time.Hour)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	return token
}

// echoUser writes the resolved user id, or "-" when absent.
func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		if userID == "" {
			userID = "-"
		}
		w.Write([]byte(userID))
	})
}

// =============================================================================
// WithUser Tests
// =============================================================================

func TestWithUser_BearerToken(t *testing.T) {
	mw, verifier := newTestAuth(t)
	handler := mw.WithUser(echoUser())

	req := httptest.NewRequest("GET", "/api/user-status", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, verifier, "user_2abc"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Body.String() != "user_2abc" {
		t.Errorf("expected user_2abc, got %q", rec.Body.String())
	}
}

func TestWithUser_IdentityCookie(t *testing.T) {
	mw, verifier := newTestAuth(t)
	handler := mw.WithUser(echoUser())

	req := httptest.NewRequest("GET", "/api/user-status", nil)
	req.AddCookie(&http.Cookie{Name: IdentityCookieName, Value: mintToken(t, verifier, "user_2abc")})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Body.String() != "user_2abc" {
		t.Errorf("expected user_2abc, got %q", rec.Body.String())
	}
}

func TestWithUser_HeaderTakesPrecedenceOverCookie(t *testing.T) {
	mw, verifier := newTestAuth(t)
	handler := mw.WithUser(echoUser())

	req := httptest.NewRequest("GET", "/api/user-status", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, verifier, "header_user"))
	req.AddCookie(&http.Cookie{Name: IdentityCookieName, Value: mintToken(t, verifier, "cookie_user")})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Body.String() != "header_user" {
		t.Errorf("expected header_user, got %q", rec.Body.String())
	}
}

func TestWithUser_NoToken(t *testing.T) {
	mw, _ := newTestAuth(t)
	handler := mw.WithUser(echoUser())

	req := httptest.NewRequest("GET", "/api/plans", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Request proceeds anonymously
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "-" {
		t.Errorf("expected no user, got %q", rec.Body.String())
	}
}

func TestWithUser_InvalidTokenProceedsAnonymously(t *testing.T) {
	mw, _ := newTestAuth(t)
	handler := mw.WithUser(echoUser())

	tests := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"garbage bearer token", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer garbage")
		}},
		{"wrong scheme", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		}},
		{"forged cookie", func(r *http.Request) {
			other, _ := auth.NewHMACVerifier("other-secret").Mint("user_2abc", time.Hour)
			r.AddCookie(&http.Cookie{Name: IdentityCookieName, Value: other})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/user-status", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Body.String() != "-" {
				t.Errorf("invalid token must not resolve a user, got %q", rec.Body.String())
			}
		})
	}
}

// =============================================================================
// RequireUser Tests
// =============================================================================

func TestRequireUser_RejectsAnonymous(t *testing.T) {
	mw, _ := newTestAuth(t)
	handler := Stack(mw.WithUser, mw.RequireUser)(echoUser())

	req := httptest.NewRequest("POST", "/api/merge", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error body, got content type %q", ct)
	}
}

func TestRequireUser_PassesAuthenticated(t *testing.T) {
	mw, verifier := newTestAuth(t)
	handler := Stack(mw.WithUser, mw.RequireUser)(echoUser())

	req := httptest.NewRequest("POST", "/api/merge", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, verifier, "user_2abc"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "user_2abc" {
		t.Errorf("expected user_2abc, got %q", rec.Body.String())
	}
}

// =============================================================================
// Stack Tests
// =============================================================================

func TestStack_AppliesInOrder(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Stack(tag("outer"), tag("inner"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Errorf("unexpected execution order %v", order)
	}
}
