package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	sessionCookieName = "werewolf_session"
	userIDHeader      = "X-User-ID"
	maxIdentityLen    = 128
)

type identityKey struct{}

// identityFromRequest reads the caller's opaque identity: the X-User-ID header
// wins over the session cookie.
func identityFromRequest(r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.Header.Get(userIDHeader)); id != "" {
		return id, len(id) <= maxIdentityLen
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(cookie.Value)
	return id, id != "" && len(id) <= maxIdentityLen
}

func withIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFrom returns the identity stored by the identity middlewares, or "".
func identityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}

// requireIdentity rejects requests without an identity.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFromRequest(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: ReasonNoIdentity, Message: "missing or invalid identity"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// optionalIdentity stores the identity when present. Callers without one are
// spectators.
func optionalIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := identityFromRequest(r); ok {
			r = r.WithContext(withIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleSession issues a session identity unless the caller already has one.
func handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromRequest(r)
	if !ok {
		id = uuid.NewString()
		setSessionCookie(w, id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": id})
}

func handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
