package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/api/key"
	"go.opentelemetry.io/otel/api/trace"

	"github.com/tridentcache/trident/internal/util/tracing"
)

// Trace wraps management handlers in a request span
func Trace(serverName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			r, span := tracing.PrepareRequest(r, "Request")
			defer func() {
				then := time.Now()
				span.End(trace.WithEndTime(then))
			}()
			span.AddEventWithTimestamp(
				r.Context(),
				time.Now(),
				"Starting Parent Span",
				key.String("serverName", serverName),
				key.String("path", r.URL.Path),
			)

			next.ServeHTTP(w, r)
		})
	}
}
