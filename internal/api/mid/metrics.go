package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/ahrav/scanline/pkg/web"
)

// RequestMetrics records per-request counters.
type RequestMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	AddInFlight(ctx context.Context, delta int64)
}

// Metrics updates request counters. The route pattern is used as the path
// label so IDs do not explode cardinality. Open event streams count as in
// flight until they end.
func Metrics(m RequestMetrics) web.MidFunc {
	mw := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			m.AddInFlight(ctx, 1)
			resp := next(ctx, r)
			m.AddInFlight(ctx, -1)

			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			m.IncRequestsTotal(ctx, r.Method, route, statusOf(resp))
			m.ObserveRequestDuration(ctx, r.Method, route, time.Since(web.GetTime(ctx)))

			return resp
		}

		return h
	}

	return mw
}
