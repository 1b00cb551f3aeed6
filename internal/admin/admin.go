// Package admin is the operator API for rate limit policies and department
// allocations. It is mounted under /admin and guarded by its own keys.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/docgate/internal/quota"
	"github.com/AlexKimmel/docgate/internal/ratelimit"
)

type Limiter interface {
	SetPolicy(ctx context.Context, endpoint string, p ratelimit.Policy) error
	Policy(ctx context.Context, endpoint string) ratelimit.Resolved
	Reset(ctx context.Context, endpoint, identifier string) error
}

type Quotas interface {
	Check(ctx context.Context, departmentID string, incomingSize int64) (quota.Result, error)
	SetAllocation(ctx context.Context, departmentID string, bytes int64) error
}

type Options struct {
	Header string
	Keys   []string
	Logger zerolog.Logger
}

type handler struct {
	lim    Limiter
	quotas Quotas
	log    zerolog.Logger
}

// New returns the admin router. With no keys configured every request is
// refused.
func New(lim Limiter, quotas Quotas, opts Options) http.Handler {
	h := &handler{lim: lim, quotas: quotas, log: opts.Logger.With().Str("component", "admin").Logger()}
	header := opts.Header
	if header == "" {
		header = "X-Admin-Key"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireKey(header, opts.Keys))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/policies/{endpoint}", h.getPolicy)
		r.Put("/policies/{endpoint}", h.putPolicy)
		r.Delete("/limits/{endpoint}/{identifier}", h.resetLimit)
		r.Get("/departments/{id}/quota", h.getQuota)
		r.Put("/departments/{id}/quota", h.putQuota)
	})
	return r
}

func requireKey(header string, keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get(header)))
			for _, k := range keys {
				if len(got) > 0 && subtle.ConstantTimeCompare(got, []byte(k)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "admin key required in "+header)
		})
	}
}

type policyBody struct {
	Endpoint    string `json:"endpoint,omitempty"`
	MaxRequests int    `json:"max_requests"`
	WindowMS    int64  `json:"window_ms"`
	Default     bool   `json:"default,omitempty"`
}

func (h *handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	endpoint := param(r, "endpoint")
	p := h.lim.Policy(r.Context(), endpoint)
	writeJSON(w, http.StatusOK, policyBody{
		Endpoint:    endpoint,
		MaxRequests: p.MaxRequests,
		WindowMS:    p.WindowMS,
		Default:     p.Default,
	})
}

func (h *handler) putPolicy(w http.ResponseWriter, r *http.Request) {
	endpoint := param(r, "endpoint")
	var body policyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	err := h.lim.SetPolicy(r.Context(), endpoint, ratelimit.Policy{MaxRequests: body.MaxRequests, WindowMS: body.WindowMS})
	switch {
	case errors.Is(err, ratelimit.ErrInvalidConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
	case err != nil:
		h.log.Error().Err(err).Str("endpoint", endpoint).Msg("set policy failed")
		writeError(w, http.StatusInternalServerError, "internal", "policy could not be stored")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handler) resetLimit(w http.ResponseWriter, r *http.Request) {
	endpoint, identifier := param(r, "endpoint"), param(r, "identifier")
	if err := h.lim.Reset(r.Context(), endpoint, identifier); err != nil {
		h.log.Error().Err(err).Str("endpoint", endpoint).Str("identifier", identifier).Msg("reset failed")
		writeError(w, http.StatusServiceUnavailable, "counter_store_unavailable", "counter could not be reset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getQuota(w http.ResponseWriter, r *http.Request) {
	dept := param(r, "id")
	var size int64
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_size", "size must be a non-negative integer")
			return
		}
		size = n
	}

	res, err := h.quotas.Check(r.Context(), dept, size)
	if err != nil {
		h.log.Error().Err(err).Str("department", dept).Msg("quota check failed")
		writeError(w, http.StatusServiceUnavailable, "quota_unavailable", "quota could not be checked")
		return
	}
	if res.Reason == quota.ReasonNotFound {
		writeError(w, http.StatusNotFound, "department_not_found", "department "+dept+" does not exist")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type allocationBody struct {
	AllocatedBytes *int64 `json:"allocated_bytes"`
}

func (h *handler) putQuota(w http.ResponseWriter, r *http.Request) {
	dept := param(r, "id")
	var body allocationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if body.AllocatedBytes == nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "allocated_bytes is required")
		return
	}

	err := h.quotas.SetAllocation(r.Context(), dept, *body.AllocatedBytes)
	switch {
	case errors.Is(err, quota.ErrInvalidConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
	case errors.Is(err, quota.ErrDepartmentNotFound):
		writeError(w, http.StatusNotFound, "department_not_found", "department "+dept+" does not exist")
	case err != nil:
		h.log.Error().Err(err).Str("department", dept).Msg("set allocation failed")
		writeError(w, http.StatusInternalServerError, "internal", "allocation could not be stored")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
