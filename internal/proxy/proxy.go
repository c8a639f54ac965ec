// Package proxy dispatches requests to route upstreams. Each route gets its
// own circuit breaker; an open breaker or an upstream timeout produces the
// fallback 503.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/route"
	"go.uber.org/zap"
)

const (
	// breakerWindow is the request count the failure ratio is judged over.
	breakerWindow = 20
	// breakerRatio trips the breaker once half the window has failed.
	breakerRatio = 0.5
	// halfOpenPermits bounds probes while the breaker recovers.
	halfOpenPermits = 5
	// openWait is how long the breaker stays open before probing.
	openWait = 5 * time.Second
	// callTimeout bounds each upstream call.
	callTimeout = 5 * time.Second
)

// hop-by-hop headers stripped before forwarding.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Dispatcher forwards requests to upstreams over a shared transport.
type Dispatcher struct {
	client   *http.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher with a pooled transport.
func NewDispatcher() *Dispatcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Dispatcher{
		client:   &http.Client{Transport: transport},
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		logger:   logging.Named("proxy"),
	}
}

func (d *Dispatcher) breakerFor(routeID string) *gobreaker.CircuitBreaker[*http.Response] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[routeID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        routeID,
		MaxRequests: halfOpenPermits,
		Timeout:     openWait,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= breakerWindow &&
				float64(c.TotalFailures)/float64(c.Requests) >= breakerRatio
		},
	})
	d.breakers[routeID] = cb
	return cb
}

// upstreamStatusError carries a 5xx upstream response through the breaker as
// a failure while keeping the response relayable.
type upstreamStatusError struct {
	resp *http.Response
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.resp.StatusCode)
}

// Handler builds the innermost chain handler for a route.
func (d *Dispatcher) Handler(rt *route.CompiledRoute) http.Handler {
	cb := d.breakerFor(rt.ID)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
		defer cancel()

		resp, err := cb.Execute(func() (*http.Response, error) {
			return d.forward(ctx, rt, r)
		})
		if err != nil {
			if se, ok := err.(*upstreamStatusError); ok {
				defer se.resp.Body.Close()
				relay(w, se.resp)
				return
			}
			d.logger.Warn("upstream dispatch failed",
				zap.String("route", rt.ID),
				zap.String("upstream", rt.Upstream.Host),
				zap.Error(err))
			errors.ErrServiceUnavailable.WriteJSON(w)
			return
		}
		defer resp.Body.Close()
		relay(w, resp)
	})
}

func (d *Dispatcher) forward(ctx context.Context, rt *route.CompiledRoute, r *http.Request) (*http.Response, error) {
	out := r.Clone(ctx)
	out.URL.Scheme = rt.Upstream.Scheme
	out.URL.Host = rt.Upstream.Host
	if base := strings.TrimSuffix(rt.Upstream.Path, "/"); base != "" {
		out.URL.Path = base + out.URL.Path
	}
	out.RequestURI = ""
	out.Host = rt.Upstream.Host
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := d.client.Do(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return nil, &upstreamStatusError{resp: resp}
	}
	return resp, nil
}

func relay(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for name, vals := range resp.Header {
		for _, v := range vals {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// FallbackHandler serves the /fallback surface: a fixed 503 for any method.
func FallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrServiceUnavailable.WriteJSON(w)
	})
}
