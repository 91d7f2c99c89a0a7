// Package routes binds every endpoint the API serves.
package routes

import (
	"github.com/ahrav/scanline/internal/api/health"
	"github.com/ahrav/scanline/internal/api/mux"
	ruleRoutes "github.com/ahrav/scanline/internal/api/rules"
	"github.com/ahrav/scanline/internal/api/scanning"
	"github.com/ahrav/scanline/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		DB:    cfg.DB,
	})

	ruleRoutes.Routes(app, ruleRoutes.Config{
		Catalog: cfg.Rules,
	})

	var metrics scanning.RequestMetrics
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	scanning.Routes(app, scanning.Config{
		Log:         cfg.Log,
		Jobs:        cfg.Jobs,
		Dispatcher:  cfg.Dispatcher,
		Tracker:     cfg.Tracker,
		Coordinator: cfg.Coordinator,
		Broker:      cfg.Broker,
		Metrics:     metrics,
		WorkerToken: cfg.WorkerToken,
	})
}
