package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/docgate/internal/auth"
	"github.com/AlexKimmel/docgate/internal/routing"
)

// Headers set on every forwarded request so the document service knows who
// was admitted. Client-supplied values are overwritten.
const (
	HeaderUser       = "X-Docgate-User"
	HeaderDepartment = "X-Docgate-Department"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler returns a handler that proxies to the upstream of the matched route.
func Handler(tr http.RoundTripper) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok || rt == nil || rt.UpUrl == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":"no_route_ctx","message":"route not in context"}}`))
			return
		}

		principal, _ := auth.PrincipalFrom(r.Context())
		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(rt.UpUrl)
				pr.SetXForwarded()
				pr.Out.Header.Del(HeaderUser)
				pr.Out.Header.Del(HeaderDepartment)
				if principal.UserID != "" {
					pr.Out.Header.Set(HeaderUser, principal.UserID)
				}
				if principal.DepartmentID != "" {
					pr.Out.Header.Set(HeaderDepartment, principal.DepartmentID)
				}
			},
			Transport: tr,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				code := http.StatusBadGateway
				if errors.Is(err, context.DeadlineExceeded) {
					code = http.StatusGatewayTimeout
				}
				hlog.FromRequest(r).Error().Err(err).Str("route", rt.ID).Msg("upstream error")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"error":{"code":"upstream_error","message":"document service unavailable"}}`))
			},
		}
		// per-route timeout
		ctx := r.Context()
		if rt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
			defer cancel()
		}
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}
