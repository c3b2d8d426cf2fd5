package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/MrBurberry/huginn/internal/idgen"
	"github.com/MrBurberry/huginn/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// instrument tags every request with a request id, then logs and times it.
// The route pattern is logged instead of the path, which may carry a feed
// secret.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = idgen.RequestID()
		}
		w.Header().Set(requestIDHeader, id)
		req := r.WithContext(observability.WithRequestID(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		elapsed := time.Since(start)

		s.Metrics.HTTPRequest(r.Method, strconv.Itoa(rec.status), elapsed)
		s.logger().InfoContext(req.Context(), "http request",
			"method", r.Method,
			"route", req.Pattern,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
