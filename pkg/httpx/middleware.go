package httpx

import (
	"net/http"
	"strings"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed is the outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// BearerToken extracts the credential from an "Authorization: Bearer <token>"
// style header. The header name is configurable on the client side so it is
// configurable here too.
func BearerToken(r *http.Request, header string) (string, bool) {
	if header == "" {
		header = "Authorization"
	}
	v := r.Header.Get(header)
	if !strings.HasPrefix(v, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	return token, token != ""
}
