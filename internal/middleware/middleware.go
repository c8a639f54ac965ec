package middleware

import (
	"net/http"
	"sort"
)

// Middleware is a function that wraps an http.Handler. A middleware that does
// not call its next handler short-circuits the chain; the access-log wrapper
// runs outermost so short-circuited responses are still logged.
type Middleware func(http.Handler) http.Handler

// Filter chain positions. Filters run in ascending order; lower values wrap
// outer.
const (
	OrderAccessLog      = -100
	OrderJWT            = 0
	OrderClientAccess   = 100
	OrderBodyValidation = 200
	OrderRateLimit      = 300
	OrderResponseCache  = 350
	OrderRewrite        = 400
	OrderDispatch       = 1000
)

// Ordered pairs a middleware with its chain position and a name for
// diagnostics.
type Ordered struct {
	Name  string
	Order int
	Wrap  Middleware
}

// Chain represents an ordered chain of middlewares.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain. Middlewares apply in the given
// order, first outermost.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Assemble sorts the filters by ascending order (stable, so equal orders keep
// their registration sequence) and returns the resulting chain.
func Assemble(filters []Ordered) *Chain {
	sorted := make([]Ordered, len(filters))
	copy(sorted, filters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	mws := make([]Middleware, len(sorted))
	for i, f := range sorted {
		mws[i] = f.Wrap
	}
	return NewChain(mws...)
}

// Then chains the middlewares and returns the final handler.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	// Apply in reverse so the first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc chains the middlewares with an http.HandlerFunc.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append adds middlewares to the chain and returns a new chain.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	merged := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	merged = append(merged, c.middlewares...)
	merged = append(merged, middlewares...)
	return &Chain{middlewares: merged}
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}
