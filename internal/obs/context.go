package obs

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type routePatternKey struct{}

// WithRoutePattern pins the route label for requests served outside chi.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns a pinned route label.
func RoutePatternFromContext(ctx context.Context) string {
	v, _ := ctx.Value(routePatternKey{}).(string)
	return v
}

// routeLabels reports the matched route and the {provider} URL parameter.
// chi fills its route context while routing, so call it after next has run.
func routeLabels(r *http.Request, fallback string) (route, provider string) {
	route = RoutePatternFromContext(r.Context())
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if route == "" {
			route = rc.RoutePattern()
		}
		provider = rc.URLParam("provider")
	}
	if route == "" {
		route = fallback
	}
	return route, provider
}
