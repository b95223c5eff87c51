// Package reqid attaches a correlation ID to every router and replica
// request, grounded on FastGoLink's internal/middleware.RequestID: reuse
// an inbound X-Request-ID header when it is well-formed, otherwise mint
// a new uuid.v4, echo it on the response, and stash it in the request
// context so handlers can log it and the router can forward it on to
// replicas.
package reqid

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// HeaderName is the header carrying the correlation ID on both inbound
// client requests and outbound router-to-replica calls.
const HeaderName = "X-Request-ID"

const maxLength = 128

var validPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

type contextKey struct{}

// Middleware wraps next, attaching a correlation ID to the request
// context and echoing it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderName)
		if !valid(id) {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

// FromContext returns the request's correlation ID, or "" if none was set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Attach sets the correlation ID carried by ctx on an outbound request,
// so a replica call started from within a router handler is traceable
// back to the client request that triggered it.
func Attach(ctx context.Context, req *http.Request) {
	if id := FromContext(ctx); id != "" {
		req.Header.Set(HeaderName, id)
	}
}

func valid(id string) bool {
	return id != "" && len(id) <= maxLength && validPattern.MatchString(id)
}
