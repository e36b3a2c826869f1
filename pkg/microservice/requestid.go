// Package microservice provides the HTTP surface of broker processes: a
// health-checked server and request correlation for inbound requests.
package microservice

import (
	"net/http"

	"github.com/illmade-knight/go-messagebroker/pkg/requestctx"
	"github.com/rs/zerolog"
)

// RequestIDHeader is read from inbound requests and echoed on responses.
const RequestIDHeader = "X-Request-Id"

// RequestIDMiddleware places the caller's X-Request-Id, or a generated id,
// into the request context so that events published while serving the request
// carry it as request_id.
func RequestIDMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = requestctx.NewRequestID()
			}
			ctx := requestctx.WithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, requestID)

			logger.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Received request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
