package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/docgate/internal/auth"
	"github.com/AlexKimmel/docgate/internal/quota"
	"github.com/AlexKimmel/docgate/internal/routing"
)

// QuotaChecker is implemented by *quota.Guard.
type QuotaChecker interface {
	Check(ctx context.Context, departmentID string, incomingSize int64) (quota.Result, error)
}

// QuotaGate runs the department quota check on upload routes before the
// request reaches the document service. The declared Content-Length is the
// incoming size, so uploads must not be chunked.
func QuotaGate(g QuotaChecker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := routing.RouteFrom(r)
			if !ok || rt == nil || !rt.Upload {
				next.ServeHTTP(w, r)
				return
			}

			dept, ok := auth.DepartmentFrom(r.Context())
			if !ok {
				writeJSON(w, http.StatusForbidden, "department_required", "Uploads require a key bound to a department")
				return
			}
			if r.ContentLength < 0 {
				writeJSON(w, http.StatusLengthRequired, "length_required", "Uploads must declare Content-Length")
				return
			}

			res, err := g.Check(r.Context(), dept, r.ContentLength)
			if err != nil {
				if errors.Is(err, quota.ErrInvalidSize) {
					writeJSON(w, http.StatusBadRequest, "invalid_size", err.Error())
					return
				}
				hlog.FromRequest(r).Error().Err(err).Str("department", dept).Msg("quota check failed")
				writeJSON(w, http.StatusServiceUnavailable, "quota_unavailable", "Storage quota could not be checked")
				return
			}

			switch {
			case res.Allowed:
				next.ServeHTTP(w, r)
			case res.Reason == quota.ReasonNotFound:
				writeJSON(w, http.StatusNotFound, "department_not_found", "Department "+dept+" does not exist")
			default:
				writeError(w, http.StatusRequestEntityTooLarge, errorDetail{
					Code:      "quota_exceeded",
					Message:   "Department storage quota exceeded",
					Current:   &res.Current,
					Allocated: &res.Allocated,
					Required:  &res.Required,
				})
			}
		})
	}
}
