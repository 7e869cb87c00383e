package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/dfarias/inspectflow/internal/api/response"
)

// ChannelToken guards the push notification endpoint. Drive echoes back the
// token supplied at channel registration; anything else is noise or probing.
func ChannelToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Goog-Channel-Token")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid channel token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CronSecret guards the scheduled endpoints. The scheduler authenticates
// with a shared secret, carried as a Bearer token, the X-Cron-Secret
// header, or a ?secret= query parameter for schedulers that cannot set
// headers.
func CronSecret(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractBearerToken(r)
			if got == "" {
				got = r.Header.Get("X-Cron-Secret")
			}
			if got == "" {
				got = r.URL.Query().Get("secret")
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid cron secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
