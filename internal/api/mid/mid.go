// Package mid provides app level middleware support.
package mid

import (
	"net/http"

	"github.com/ahrav/scanline/pkg/web"
)

// isError tests if the Encoder has an error inside of it.
func isError(e web.Encoder) error {
	err, isError := e.(error)
	if isError {
		return err
	}
	return nil
}

// statusOf reports the status Respond will write for resp.
func statusOf(resp web.Encoder) int {
	if resp == nil {
		return http.StatusNoContent
	}
	if s, ok := resp.(web.HTTPStatusSetter); ok {
		return s.HTTPStatus()
	}
	if isError(resp) != nil {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
