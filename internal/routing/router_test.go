package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func methods(ms ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		out[m] = struct{}{}
	}
	return out
}

func TestMatch(t *testing.T) {
	rr := New()
	rr.Add(&Route{ID: "files:upload", Methods: methods("POST"), Prefix: "/files/"})
	rr.Add(&Route{ID: "files:read", Methods: methods("GET"), Prefix: "/files"})
	rr.Add(&Route{ID: "catch-all", Methods: methods("GET")})

	tests := []struct {
		method, path string
		want         string
	}{
		{"post", "/files", "files:upload"},
		{"POST", "/files/abc", "files:upload"},
		{"GET", "/files/abc", "files:read"},
		{"GET", "/filesystem", "catch-all"},
		{"GET", "/", "catch-all"},
	}
	for _, tt := range tests {
		rt, ok := rr.Match(tt.method, tt.path)
		require.True(t, ok, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.want, rt.ID, "%s %s", tt.method, tt.path)
	}

	_, ok := rr.Match("DELETE", "/files")
	assert.False(t, ok)
	assert.Len(t, rr.Routes(), 3)
}

func TestRouteContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := RouteFrom(r)
	assert.False(t, ok)

	rt := &Route{ID: "x"}
	got, ok := RouteFrom(WithRoute(r, rt))
	assert.True(t, ok)
	assert.Same(t, rt, got)
}

func TestEndpointNaming(t *testing.T) {
	rr := New()
	rr.Add(&Route{ID: "files:upload", Methods: methods("POST"), Prefix: "/api/files"})
	rr.Add(&Route{ID: "files:upload", Methods: methods("PUT"), Prefix: "/api/v2/files"})
	assert.True(t, rr.Serves("files:upload"))
	assert.False(t, rr.Serves("auth:login"))

	r := httptest.NewRequest(http.MethodPost, "/api/files", nil)
	assert.Equal(t, UnknownEndpoint, EndpointFrom(r))
	assert.Equal(t, UnknownEndpoint, EndpointFrom(WithRoute(r, nil)))
	assert.Equal(t, UnknownEndpoint, EndpointFrom(WithRoute(r, &Route{})))

	rt, ok := rr.Match(http.MethodPut, "/api/v2/files/7")
	require.True(t, ok)
	assert.Equal(t, "files:upload", EndpointFrom(WithRoute(r, rt)), "prefixes can share an endpoint")
}
