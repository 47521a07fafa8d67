package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/internal/shared"
)

const (
	// RequestIDHeader carries the request id back to the caller
	RequestIDHeader = "X-Request-ID"
	// TraceIDHeader is an optional upstream trace id attached to request logs
	TraceIDHeader = "X-Trace-ID"
)

// RequestContext stores the request id in the context used by handlers and
// services. The id assigned by chi's RequestID middleware wins; a uuid is
// generated when that middleware is not installed.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := chimw.GetReqID(r.Context())
		if requestID == "" {
			requestID = r.Header.Get(RequestIDHeader)
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := shared.WithRequestID(r.Context(), requestID)
		if traceID := r.Header.Get(TraceIDHeader); traceID != "" {
			ctx = shared.WithTraceID(ctx, traceID)
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs one line per request once the handler returns.
// Streaming responses are logged when the stream ends.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				log := observability.WithContext(r.Context(), logger)
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				}
				if status >= http.StatusInternalServerError {
					log.Warn("request completed", fields...)
					return
				}
				log.Info("request completed", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
