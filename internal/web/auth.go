package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// guard rejects other methods and, when a token is configured, requests
// without it. Websocket clients pass the token as ?token=.
func (s *Server) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		if !s.authorized(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	for _, candidate := range []string{
		strings.TrimSpace(r.URL.Query().Get("token")),
		bearerToken(r.Header.Get("Authorization")),
	} {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Token)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
