package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID stamps every request with an ID, honoring one supplied by the
// client, and puts it on the context for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := logger.ContextWithQueryID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
