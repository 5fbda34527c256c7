package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/schema"
)

// statusWriter records the response status and byte count for the
// request log. It forwards Flush so SSE streaming keeps working behind
// the middleware.
type statusWriter struct {
	status int
	bytes  int64
	writer http.ResponseWriter
}

func (w *statusWriter) Header() http.Header {
	return w.writer.Header()
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.writer.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.writer.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.writer.(http.Flusher); ok {
		f.Flush()
	}
}

type sessionLookupFunc func(*http.Request) (userID schema.UserID, httpSession string)

func withRequestLogging(next http.Handler, lookup sessionLookupFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var userID schema.UserID
		var httpSession string
		if lookup != nil {
			userID, httpSession = lookup(r)
		}
		rec := &statusWriter{writer: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if r.URL.RawQuery != "" {
			path = path + "?" + r.URL.RawQuery
		}
		logger := pslog.Ctx(r.Context()).With("remote", clientIP(r))
		if userID != "" {
			logger = logger.With("user", userID)
		}
		if httpSession != "" {
			logger = logger.With("http_session", httpSession)
		}
		logger.Info("http request", "method", r.Method, "path", path, "status", status, "bytes", rec.bytes, "duration_ms", time.Since(start).Milliseconds())
		logger.Debug("http request details", "ua", r.UserAgent())
	})
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return r.RemoteAddr
}
