package api

import "net/http"

const headerUserID = "X-User-Id"

// userMiddleware copies the X-User-Id header into the request context.
// The ID is only used to attribute transactions; requests without it are
// anonymous.
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithUserID(r.Context(), r.Header.Get(headerUserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
