// Package accesslog emits one structured log line per request. It is the
// outermost filter so the recorded status and latency cover the whole chain,
// including early rejections.
package accesslog

import (
	"net/http"
	"strings"
	"time"

	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/middleware"
	"go.uber.org/zap"
)

// DefaultSkipHeaders are never captured unless the skip list overrides them.
var DefaultSkipHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key"}

// Logger is the compiled access-log filter.
type Logger struct {
	requestHeaders  bool
	responseHeaders bool
	requestSkip     map[string]bool
	responseSkip    map[string]bool
	captureBody     bool
	bodyMaxSize     int
	bodySkipRoutes  map[string]bool
	logger          *zap.Logger
}

// New compiles the access-log config.
func New(cfg config.AccessLogConfig) *Logger {
	l := &Logger{
		requestHeaders:  cfg.RequestHeaders.Enabled,
		responseHeaders: cfg.ResponseHeaders.Enabled,
		requestSkip:     skipSet(cfg.RequestHeaders.SkipHeaders),
		responseSkip:    skipSet(cfg.ResponseHeaders.SkipHeaders),
		captureBody:     cfg.ResponseBody.Enabled,
		bodyMaxSize:     cfg.ResponseBody.MaxSize,
		bodySkipRoutes:  make(map[string]bool, len(cfg.ResponseBody.SkipForRoutes)),
		logger:          logging.Named("accesslog"),
	}
	if l.bodyMaxSize <= 0 {
		l.bodyMaxSize = 4096
	}
	for _, route := range cfg.ResponseBody.SkipForRoutes {
		l.bodySkipRoutes[route] = true
	}
	return l
}

func skipSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names)+len(DefaultSkipHeaders))
	for _, h := range DefaultSkipHeaders {
		set[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range names {
		set[http.CanonicalHeaderKey(h)] = true
	}
	return set
}

// Middleware returns the access-log filter.
func (l *Logger) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r = r.WithContext(middleware.WithRouteIDHolder(r.Context()))

			rec := NewBodyRecorder(w, l.bodyMaxSize)
			// One line per request, even if the handler panics upstream of
			// the recovery filter and nothing was written.
			logged := false
			defer func() {
				if logged {
					return
				}
				logged = true
				l.emit(r, rec, time.Since(start))
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

func (l *Logger) emit(r *http.Request, rec *ResponseRecorder, elapsed time.Duration) {
	routeID := middleware.RouteID(r.Context())
	if routeID == "" {
		routeID = "UNKNOWN"
	}
	status := rec.Status()

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("uri", r.URL.RequestURI()),
		zap.String("route", routeID),
		zap.Int("status", status),
		zap.Int64("latency_ms", elapsed.Milliseconds()),
		zap.String("remote", r.RemoteAddr),
	}

	if l.requestHeaders {
		fields = append(fields, zap.Any("request_headers", captureHeaders(r.Header, l.requestSkip)))
	}
	if l.responseHeaders {
		fields = append(fields, zap.Any("response_headers", captureHeaders(rec.Header(), l.responseSkip)))
	}
	if l.captureBody && status >= 400 && !l.bodySkipRoutes[routeID] {
		if textLike(rec.Header().Get("Content-Type")) {
			fields = append(fields,
				zap.String("response_body", rec.Body()),
				zap.Bool("body_truncated", rec.Truncated()))
		}
	}

	l.logger.Info("access", fields...)
}

func captureHeaders(h http.Header, skip map[string]bool) map[string]string {
	result := make(map[string]string, len(h))
	for name, vals := range h {
		canonical := http.CanonicalHeaderKey(name)
		if skip[canonical] {
			continue
		}
		result[canonical] = strings.Join(vals, ", ")
	}
	return result
}

// textLike gates body capture to content types safe to put in a log line.
func textLike(contentType string) bool {
	ct := strings.ToLower(contentType)
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", ct == "application/xml", ct == "application/problem+json":
		return true
	}
	return false
}
