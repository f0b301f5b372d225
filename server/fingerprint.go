package server

import (
	"net/http"

	"github.com/google/uuid"
)

const fingerprintCookie = "fingerprintId"

// ensureFingerprint returns the browser's fingerprint id, minting one when
// the cookie is missing. The id only scopes the short-lived verification
// mark to a browser; it is not a credential.
func (s *Server) ensureFingerprint(w http.ResponseWriter, r *http.Request) string {
	if id := fingerprintFromRequest(r); id != "" {
		return id
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     fingerprintCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   365 * 24 * 3600,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func fingerprintFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(fingerprintCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
