package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NoResponse tells Respond to not respond to the request. In these cases
// the handler wrote the response itself.
type NoResponse struct{}

// Encode implements the Encoder interface.
func (NoResponse) Encode() ([]byte, string, error) {
	return nil, "", nil
}

// StatusResponse writes only a status code.
type StatusResponse int

// Encode implements the Encoder interface.
func (StatusResponse) Encode() ([]byte, string, error) { return nil, "", nil }

// HTTPStatus implements the HTTPStatusSetter interface.
func (s StatusResponse) HTTPStatus() int { return int(s) }

// Respond sends a response to the client.
func Respond(ctx context.Context, w http.ResponseWriter, dataModel Encoder) error {
	if _, ok := dataModel.(NoResponse); ok {
		return nil
	}

	// If the context has been canceled, it means the client is no longer
	// waiting for a response.
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrClientDisconnected
		}
	}

	var statusCode = http.StatusOK

	switch v := dataModel.(type) {
	case HTTPStatusSetter:
		statusCode = v.HTTPStatus()

	case error:
		statusCode = http.StatusInternalServerError

	default:
		if dataModel == nil {
			statusCode = http.StatusNoContent
		}
	}

	setStatusCode(ctx, statusCode)

	if statusCode == http.StatusNoContent || dataModel == nil {
		w.WriteHeader(statusCode)
		return nil
	}

	data, contentType, err := dataModel.Encode()
	if err != nil {
		return fmt.Errorf("respond: encode: %w", err)
	}

	if len(data) == 0 {
		w.WriteHeader(statusCode)
		return nil
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("respond: write: %w", err)
	}

	return nil
}
