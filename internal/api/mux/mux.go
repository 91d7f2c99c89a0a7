// Package mux assembles the HTTP handler with all routes and middleware.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/api"
	"github.com/ahrav/scanline/internal/api/health"
	"github.com/ahrav/scanline/internal/api/mid"
	"github.com/ahrav/scanline/internal/app/rules"
	scanApp "github.com/ahrav/scanline/internal/app/scanning"
	"github.com/ahrav/scanline/internal/app/streaming"
	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/pkg/common/logger"
	"github.com/ahrav/scanline/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	corsOrigin []string
}

// WithCORS provides configuration options for CORS.
func WithCORS(origins []string) func(opts *Options) {
	return func(opts *Options) {
		opts.corsOrigin = origins
	}
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build   string
	Log     *logger.Logger
	DB      health.Pinger
	Tracer  trace.Tracer
	Metrics api.APIMetrics

	Jobs        scanning.JobRepository
	Dispatcher  *scanApp.Dispatcher
	Tracker     *scanApp.ProgressTracker
	Coordinator *scanApp.CancellationCoordinator
	Broker      *streaming.Broker
	Rules       *rules.Catalog

	WorkerToken string
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) http.Handler {
	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	mw := []web.MidFunc{
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
	}
	if cfg.Metrics != nil {
		mw = append(mw, mid.Metrics(cfg.Metrics))
	}
	mw = append(mw, mid.Errors(cfg.Log), mid.Panics())

	app := web.NewApp(logger, cfg.Tracer, mw...)

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if len(opts.corsOrigin) > 0 {
		app.EnableCORS(opts.corsOrigin)
	}

	routeAdder.Add(app, cfg)

	return app
}
