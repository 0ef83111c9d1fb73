package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/openkiosk/lockerd/pkg/gateway/api/handlers"
)

// Authenticator verifies the caller of a state-modifying request.
// Session management is deliberately out of scope here; deployments
// plug in whatever their SSO provides. The default is a static bearer
// token shared with the panel and the kiosks.
type Authenticator interface {
	// Authenticate returns the acting staff identity, or an error
	// message suitable for a 401 body.
	Authenticate(r *http.Request) (string, error)
}

// StaticTokenAuthenticator matches a single shared bearer token.
type StaticTokenAuthenticator struct {
	Token string
}

type authError string

func (e authError) Error() string { return string(e) }

// Authenticate checks the Authorization header. An empty configured
// token disables authentication, for closed kiosk networks.
func (a *StaticTokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a.Token == "" {
		return "anonymous", nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", authError("missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return "", authError("invalid token")
	}
	return "staff", nil
}

const (
	csrfCookie = "lockerd_csrf"
	csrfHeader = "X-CSRF-Token"
)

// requireAuth gates a route group behind the authenticator.
func requireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.Authenticate(r); err != nil {
				handlers.Unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireCSRF enforces the double-submit check on state-modifying
// requests: the CSRF cookie must match the CSRF header. The token is
// issued by GET /csrf; a browser on a foreign origin can neither read
// the cookie nor set the header to match it.
func requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookie)
		if err != nil || cookie.Value == "" {
			handlers.Forbidden(w, "missing CSRF cookie")
			return
		}
		header := r.Header.Get(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			handlers.Forbidden(w, "CSRF token mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// issueCSRF handles GET /csrf: set the token cookie and return the
// value for the client to echo in the header.
func issueCSRF(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		handlers.InternalServerError(w, "entropy unavailable")
		return
	}
	token := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: false, // the client script must read it back
		SameSite: http.SameSiteStrictMode,
	})
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}
