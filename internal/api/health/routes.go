// Package health binds the liveness and readiness checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ahrav/scanline/pkg/common/logger"
	"github.com/ahrav/scanline/pkg/web"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// DB is optional; without it readiness only reports the process is up.
	DB Pinger
}

// Routes binds all the health check endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFuncNoMid(http.MethodGet, version, "/liveness", liveness(cfg))
	app.HandlerFuncNoMid(http.MethodGet, version, "/readiness", readiness(cfg))
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
	status int
}

// Encode implements the web.Encoder interface.
func (hr healthResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(hr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the web.HTTPStatusSetter interface.
func (hr healthResponse) HTTPStatus() int {
	if hr.status == 0 {
		return http.StatusOK
	}
	return hr.status
}

func liveness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		return healthResponse{
			Status: "ok",
			Build:  cfg.Build,
		}
	}
}

func readiness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		if cfg.DB == nil {
			return healthResponse{Status: "ready"}
		}

		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		if err := cfg.DB.Ping(ctx); err != nil {
			cfg.Log.Info(ctx, "readiness failure", "status", "db not ready", "error", err)
			return healthResponse{Status: "db not ready", status: http.StatusServiceUnavailable}
		}

		return healthResponse{Status: "ready"}
	}
}
