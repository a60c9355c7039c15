package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	headerAPIKey     = "X-API-Key"
	headerCronSecret = "X-Cron-Secret"
	headerAdminToken = "X-Admin-Token"
)

// requireVendorKey admits requests carrying the API key of the vendor named
// in the path. Unknown vendors and vendors without a key are rejected the
// same way as a wrong key.
func (h *Handlers) requireVendorKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vendorID := chi.URLParam(r, "vendorID")
		presented := credential(r, headerAPIKey)
		if presented == "" {
			h.respondError(w, http.StatusUnauthorized, "missing api key")
			return
		}

		vendor, err := h.vendors.GetVendor(r.Context(), vendorID)
		if err != nil {
			h.logger.Error("failed to load vendor for auth", "vendor_id", vendorID, "error", err)
			h.respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if vendor == nil || vendor.APIKey == nil || !secretEqual(*vendor.APIKey, presented) {
			h.logger.Warn("rejected api key", "vendor_id", vendorID, "remote_addr", r.RemoteAddr)
			h.respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireSecret gates a route on a shared secret. An unset secret disables
// the route.
func (h *Handlers) requireSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				h.respondError(w, http.StatusForbidden, "endpoint is not configured")
				return
			}
			if !secretEqual(secret, credential(r, header)) {
				h.respondError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit throttles per key. The vendor id is the key on vendor routes,
// otherwise the client address.
func (h *Handlers) rateLimit(next http.Handler) http.Handler {
	if h.opts.RateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "addr:" + clientAddr(r)
		if vendorID := chi.URLParam(r, "vendorID"); vendorID != "" {
			key = "vendor:" + vendorID
		}
		if !h.opts.RateLimiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			h.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credential reads header, falling back to a bearer token.
func credential(r *http.Request, header string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func secretEqual(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func clientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
