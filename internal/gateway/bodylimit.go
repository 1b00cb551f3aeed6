package gateway

import (
	"net/http"

	"github.com/AlexKimmel/docgate/internal/routing"
)

// BodyLimit caps request bodies. Upload routes get uploadMax instead of
// maxBytes; either cap is disabled when <= 0. A declared Content-Length over
// the cap is rejected up front rather than cut off mid-stream.
func BodyLimit(maxBytes, uploadMax int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := maxBytes
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.Upload {
				limit = uploadMax
			}
			if limit > 0 && r.Body != nil {
				if r.ContentLength > limit {
					writeJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body exceeds the allowed size")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
