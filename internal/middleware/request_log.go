package middleware

import (
	"net/http"
	"time"

	"github.com/convo/internal/logger"
)

// RequestLog reports slow requests and server errors through the async
// logger. The query string is left out since it may carry a token.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		if wrap.status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s -> %d in %v", r.Method, r.URL.Path, wrap.status, time.Since(start))
		}
	})
}
