package httpserver

import (
	"net/http"
	"strings"

	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/origin"
)

// originMiddleware rejects browser requests from origins that may not drive
// the keyboard. Allowed cross-origin requests get CORS headers and preflights
// are answered here.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !origin.Allowed(originHeader, r.Host, s.cfg.AllowedOrigins) {
				s.opts.Metrics.Inc(metrics.HTTPOriginRejected)
				WriteJSON(w, http.StatusForbidden, map[string]any{"code": "forbidden_origin", "message": "origin not allowed"})
				return
			}

			normalized, _, _ := origin.Normalize(originHeader)
			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
					w.Header().Set("Access-Control-Allow-Headers", requested)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
