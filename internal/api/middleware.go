package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// requestLogger attaches a request-scoped entry to the context and logs
// each request once it completes.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			entry := logger.WithFields(logrus.Fields{
				"method":     req.Method,
				"path":       req.URL.Path,
				"remote_ip":  req.RemoteAddr,
				"request_id": middleware.GetReqID(req.Context()),
			})
			req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, entry))

			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)

			entry.WithFields(logrus.Fields{
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			}).Debug("Request handled")
		})
	}
}

// loggerFrom returns the request entry, or a discard entry outside a
// request.
func loggerFrom(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
		return entry
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
