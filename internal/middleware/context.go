package middleware

import "context"

type routeIDKey struct{}

// routeIDHolder lets outer filters observe the route id even though route
// matching happens further down the chain. The chain runs on one goroutine,
// so a plain field is enough.
type routeIDHolder struct {
	id string
}

// WithRouteIDHolder installs an empty route id slot on the context. An
// existing holder is reused so nested wrappers observe the same slot.
func WithRouteIDHolder(ctx context.Context) context.Context {
	if _, ok := ctx.Value(routeIDKey{}).(*routeIDHolder); ok {
		return ctx
	}
	return context.WithValue(ctx, routeIDKey{}, &routeIDHolder{})
}

// SetRouteID records the matched route id, if a holder is present.
func SetRouteID(ctx context.Context, id string) {
	if h, ok := ctx.Value(routeIDKey{}).(*routeIDHolder); ok {
		h.id = id
	}
}

// RouteID returns the recorded route id, or "" when no route matched.
func RouteID(ctx context.Context) string {
	if h, ok := ctx.Value(routeIDKey{}).(*routeIDHolder); ok {
		return h.id
	}
	return ""
}
