// Package rules exposes the rule catalog CUSTOM scans choose from.
package rules

import (
	"context"
	"net/http"

	"github.com/ahrav/scanline/internal/api/envelope"
	"github.com/ahrav/scanline/internal/app/rules"
	"github.com/ahrav/scanline/pkg/web"
)

// Config contains the dependencies needed by the rule handlers.
type Config struct {
	Catalog *rules.Catalog
}

// Routes binds the rule catalog endpoint.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFunc(http.MethodGet, version, "/rules", list(cfg))
}

type catalogResponse struct {
	Categories         []rules.Category `json:"categories"`
	SupportedLanguages []string         `json:"supported_languages"`
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		return envelope.OK(catalogResponse{
			Categories:         cfg.Catalog.Categories(),
			SupportedLanguages: cfg.Catalog.SupportedLanguages(),
		})
	}
}
