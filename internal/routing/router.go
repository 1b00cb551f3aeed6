// Package routing maps incoming requests to the logical endpoints of the
// document service. An endpoint name such as "files:upload" or
// "settings:get" is the unit rate limit policies and metrics are keyed by;
// several path prefixes may share one name.
package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UnknownEndpoint is the endpoint name of requests that carry no route.
const UnknownEndpoint = "unknown"

// Route maps a method set and path prefix to an endpoint. ID is the
// endpoint name, conventionally "<resource>:<action>".
type Route struct {
	ID      string
	Methods map[string]struct{}
	Prefix  string
	UpUrl   *url.URL
	Timeout time.Duration
	// Upload marks routes that write new files and must pass the quota check.
	Upload bool
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Serves reports whether any route is named endpoint.
func (r *Router) Serves(endpoint string) bool {
	for _, rt := range r.routes {
		if rt.ID == endpoint {
			return true
		}
	}
	return false
}

// Match returns the first route, in insertion order, whose method set and
// path prefix accept the request. An empty prefix matches every path, and
// "/files" matches "/files" and "/files/..." but not "/filesystem".
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if _, ok := rt.Methods[m]; !ok {
			continue
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	rt, ok := r.Context().Value(keyRoute).(*Route)
	return rt, ok && rt != nil
}

// EndpointFrom names the endpoint the request is counted against, or
// UnknownEndpoint when no named route is in the context.
func EndpointFrom(r *http.Request) string {
	if rt, ok := RouteFrom(r); ok && rt.ID != "" {
		return rt.ID
	}
	return UnknownEndpoint
}
