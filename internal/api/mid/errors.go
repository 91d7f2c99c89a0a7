package mid

import (
	"context"
	"net/http"
	"path"

	"github.com/ahrav/scanline/internal/api/errs"
	"github.com/ahrav/scanline/pkg/common/logger"
	"github.com/ahrav/scanline/pkg/web"
)

// Errors handles errors coming out of the call chain. Domain errors are
// mapped to their API error; anything unexpected becomes an opaque 500.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err := isError(resp)
			if err == nil {
				return resp
			}

			appErr := errs.FromDomain(err)

			log.Error(ctx, "handled error during request",
				"err", err,
				"code", appErr.Code.String(),
				"source_err_file", path.Base(appErr.FileName),
				"source_err_func", path.Base(appErr.FuncName))

			return appErr
		}

		return h
	}

	return m
}
