package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/nobat/internal/uuid"
)

type contextKey int

const workspaceKey contextKey = iota

const (
	deviceCookieName = "nobat_device"
	deviceCookieTTL  = 365 * 24 * time.Hour
)

// DeviceMiddleware attaches the caller's device workspace to the request
// context, creating one for first-time callers.
func (a *API) DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := a.workspaceFor(w, r)
		ctx := context.WithValue(r.Context(), workspaceKey, ws)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func workspaceFromContext(ctx context.Context) *workspace {
	ws, _ := ctx.Value(workspaceKey).(*workspace)
	return ws
}

func deviceIDFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(deviceCookieName)
	if err != nil || !uuid.Valid(cookie.Value) {
		return "", false
	}
	return strings.ToLower(cookie.Value), true
}

func writeDeviceCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(deviceCookieTTL),
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
