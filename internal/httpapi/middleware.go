package httpapi

import (
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"
)

// requestIDMiddleware stamps every response with an X-Request-ID header,
// generating one if the caller didn't supply one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts a handler panic into a 500 instead of tearing
// down the whole relay process with it.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.L().ErrorContext(r.Context(), "http handler panic",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
