package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// KeyResolver derives the bucket key for a request. An empty key means the
// request is not subject to limiting.
type KeyResolver interface {
	Resolve(r *http.Request, routeID string) string
}

// Resolvers indexes the configured resolver instances by name.
type Resolvers struct {
	byName map[string]KeyResolver
}

// ResolverSpec declares one resolver instance.
type ResolverSpec struct {
	Name   string
	Type   string
	Header string
}

// NewResolvers builds the resolver registry. Unknown types are rejected here
// so a bad config fails at startup, not per request.
func NewResolvers(specs []ResolverSpec) (*Resolvers, error) {
	byName := make(map[string]KeyResolver, len(specs))
	for _, spec := range specs {
		var r KeyResolver
		switch spec.Type {
		case "client-ip":
			r = clientIPResolver{}
		case "header":
			if spec.Header == "" {
				return nil, fmt.Errorf("key resolver %q: header type requires a header name", spec.Name)
			}
			r = headerResolver{header: spec.Header}
		case "route-name":
			r = routeNameResolver{}
		case "route-path":
			r = routePathResolver{}
		default:
			return nil, fmt.Errorf("key resolver %q: unknown type %q", spec.Name, spec.Type)
		}
		byName[spec.Name] = r
	}
	return &Resolvers{byName: byName}, nil
}

// Get returns the resolver registered under name.
func (rs *Resolvers) Get(name string) (KeyResolver, bool) {
	r, ok := rs.byName[name]
	return r, ok
}

// clientIPResolver keys on the caller address: the leftmost public entry in
// X-Forwarded-For, or the socket peer when the header carries none.
type clientIPResolver struct{}

func (clientIPResolver) Resolve(r *http.Request, _ string) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			candidate := strings.TrimSpace(part)
			addr, err := netip.ParseAddr(candidate)
			if err != nil {
				continue
			}
			if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
				continue
			}
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type headerResolver struct {
	header string
}

func (h headerResolver) Resolve(r *http.Request, _ string) string {
	return strings.TrimSpace(r.Header.Get(h.header))
}

type routeNameResolver struct{}

func (routeNameResolver) Resolve(_ *http.Request, routeID string) string {
	return routeID
}

type routePathResolver struct{}

func (routePathResolver) Resolve(r *http.Request, _ string) string {
	return r.URL.Path
}
