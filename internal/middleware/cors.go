// Package middleware provides HTTP middleware for the control API.
package middleware

import "net/http"

const (
	controlMethods  = "GET, POST, PUT, OPTIONS"
	controlHeaders  = "Content-Type, X-Request-Id"
	preflightMaxAge = "600"
)

// CORS admits browser callers of the control API, such as a local dashboard
// polling /api/status or editing /api/settings. Requests without an Origin
// header (scripts, curl) pass through untouched. An entry of "*" admits any
// origin but never with credentials. Preflights from other origins get 403.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			allowed, explicit := matchOrigin(allowedOrigins, origin)
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", controlMethods)
				w.Header().Set("Access-Control-Allow-Headers", controlHeaders)
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin reports whether origin is admitted and whether it was listed
// by name rather than through "*".
func matchOrigin(allowedOrigins []string, origin string) (allowed, explicit bool) {
	for _, o := range allowedOrigins {
		switch o {
		case origin:
			return true, true
		case "*":
			allowed = true
		}
	}
	return allowed, false
}
