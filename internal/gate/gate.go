// Package gate implements the request-authorization middleware that fronts
// every route of the gateway.
package gate

import (
	"crypto/subtle"
	"net/http"

	"github.com/book-expert/edge-tts-api/internal/config"
	"github.com/book-expert/edge-tts-api/internal/httputil"
)

const unauthorizedMessage = "unauthorized"

// publicPaths are exempt from the credential check when the health-public
// flag is set.
var publicPaths = map[string]struct{}{
	"/":       {},
	"/health": {},
}

// Middleware returns a handler wrapper that admits or rejects each request
// before it reaches the route handler.
//
// CORS preflight requests are always admitted. The root and health routes
// bypass the check when gate.HealthPublic is set. With no API key configured
// the gate runs in open mode and admits everything. Otherwise the configured
// header must carry the exact secret, compared in constant time; any mismatch
// or absence short-circuits with 401 and the wrapped handler is never invoked.
func Middleware(gate config.GateSettings) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if admit(gate, r) {
				next.ServeHTTP(w, r)

				return
			}

			httputil.ErrorJSON(w, http.StatusUnauthorized, unauthorizedMessage)
		})
	}
}

func admit(gate config.GateSettings, r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}

	if gate.HealthPublic {
		if _, public := publicPaths[r.URL.Path]; public {
			return true
		}
	}

	if !gate.APIKeyRequired() {
		return true
	}

	// Header lookup is case-insensitive via Go's canonical header form.
	received := r.Header.Get(gate.APIKeyHeader)
	if received == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(received), []byte(gate.APIKey)) == 1
}
