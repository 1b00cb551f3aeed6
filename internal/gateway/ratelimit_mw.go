package gateway

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AlexKimmel/docgate/internal/auth"
	"github.com/AlexKimmel/docgate/internal/ratelimit"
	"github.com/AlexKimmel/docgate/internal/routing"
)

// AnonymousIdentifier is used when a request has neither a user nor an address.
const AnonymousIdentifier = "anonymous"

// Checker is the admission decision RateLimit needs; *ratelimit.Limiter implements it.
type Checker interface {
	Check(ctx context.Context, endpoint, identifier string) ratelimit.Decision
}

// IdentifyFunc names the entity a request is counted against.
type IdentifyFunc func(r *http.Request) string

// Identify prefers the authenticated user id, then the client address, then
// AnonymousIdentifier. X-Forwarded-For and X-Real-IP are only read when
// trustProxy is set.
func Identify(trustProxy bool) IdentifyFunc {
	return func(r *http.Request) string {
		if id, ok := auth.UserIDFrom(r.Context()); ok {
			return "user:" + id
		}
		if ip := clientIP(r, trustProxy); ip != "" {
			return "ip:" + ip
		}
		return AnonymousIdentifier
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RateLimit admits or rejects each request against the policy of its
// route's endpoint. Admitted responses still carry the remaining budget.
func RateLimit(lim Checker, identify IdentifyFunc) Middleware {
	if identify == nil {
		identify = Identify(false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := routing.EndpointFrom(r)
			dec := lim.Check(r.Context(), endpoint, identify(r))

			// a failed-open decision has no trustworthy budget to report
			if !dec.FailedOpen && dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
			}

			if dec.Limited {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.ResetAt, time.Now())))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(reset, now time.Time) int {
	s := int(math.Ceil(reset.Sub(now).Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
