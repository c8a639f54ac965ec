package accesslog

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
)

// ResponseRecorder wraps an http.ResponseWriter and records the status code,
// optionally teeing the body into a capped buffer. All writes pass through to
// the wrapped writer unchanged.
type ResponseRecorder struct {
	http.ResponseWriter
	status    int
	committed bool

	body      *bytes.Buffer // nil when only the status is wanted
	limit     int
	truncated bool
}

// NewStatusRecorder records only the status code. Request instrumentation
// uses this form; it never buffers body bytes.
func NewStatusRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// NewBodyRecorder records the status code and up to limit body bytes.
func NewBodyRecorder(w http.ResponseWriter, limit int) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		status:         http.StatusOK,
		body:           &bytes.Buffer{},
		limit:          limit,
	}
}

// WriteHeader records the first status code written; later calls keep the
// recorded value and still forward, matching net/http's superfluous-call
// behavior.
func (r *ResponseRecorder) WriteHeader(code int) {
	if !r.committed {
		r.status = code
		r.committed = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Write tees up to the configured limit into the buffer and forwards
// everything to the wrapped writer.
func (r *ResponseRecorder) Write(b []byte) (int, error) {
	r.committed = true
	if r.body != nil {
		if room := r.limit - r.body.Len(); room > 0 {
			n := len(b)
			if n > room {
				n = room
				r.truncated = true
			}
			r.body.Write(b[:n])
		} else if len(b) > 0 {
			r.truncated = true
		}
	}
	return r.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (r *ResponseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (r *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Status returns the recorded status code, 200 if nothing was written.
func (r *ResponseRecorder) Status() int {
	return r.status
}

// Body returns the recorded body bytes as a string. Empty for a status-only
// recorder.
func (r *ResponseRecorder) Body() string {
	if r.body == nil {
		return ""
	}
	return r.body.String()
}

// Truncated reports whether the body exceeded the recorder's limit.
func (r *ResponseRecorder) Truncated() bool {
	return r.truncated
}
