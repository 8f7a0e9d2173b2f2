package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the Bearer token when one is configured. An empty
// configured token leaves the API open, matching local-tool usage.
// The health endpoint never calls this.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		// SSE clients cannot always set headers.
		token = r.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}
