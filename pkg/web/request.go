package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies read by Decode.
const maxBodyBytes = 1 << 20

// Decode reads the body of an HTTP request looking for a JSON document. An
// empty body leaves val untouched when allowEmpty is set.
func Decode(r *http.Request, val any, allowEmpty bool) error {
	d := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	d.DisallowUnknownFields()

	if err := d.Decode(val); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	return nil
}
