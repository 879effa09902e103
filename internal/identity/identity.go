// Package identity provides anonymous per-device client identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName     = "rooster_client_id"
	HeaderName     = "X-Rooster-Client-ID"
	cookieMaxAge   = 30 * 24 * time.Hour
	anonymousLabel = "anonymous"
)

type contextKey int

const clientIDKey contextKey = iota

// ClientIDFromContext extracts the client ID from the request context.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return anonymousLabel
}

// WithClientID returns a context carrying id.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// NewClientID returns a fresh client ID.
func NewClientID() string {
	return uuid.NewString()
}

func isValidClientID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func setCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// clientIDFromRequest prefers the header sent by non-browser clients, then
// the cookie, and mints a new ID otherwise.
func clientIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if id := r.Header.Get(HeaderName); isValidClientID(id) {
		return id
	}
	if c, err := r.Cookie(CookieName); err == nil && isValidClientID(c.Value) {
		setCookie(w, c.Value, isDev)
		return c.Value
	}
	id := NewClientID()
	setCookie(w, id, isDev)
	return id
}

// Middleware injects an anonymous per-device client ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := clientIDFromRequest(w, r, isDev)
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
