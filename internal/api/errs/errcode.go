package errs

import (
	"fmt"
	"net/http"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value int
}

// Value returns the integer value of the error code.
func (ec ErrCode) Value() int {
	return ec.value
}

// String returns the wire name of the error code.
func (ec ErrCode) String() string {
	return codeNames[ec]
}

// MarshalText implements the encoding.TextMarshaler interface.
func (ec ErrCode) MarshalText() ([]byte, error) {
	return []byte(ec.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (ec *ErrCode) UnmarshalText(data []byte) error {
	errName := string(data)

	v, exists := codeNumbers[errName]
	if !exists {
		return fmt.Errorf("err code %q does not exist", errName)
	}

	*ec = v
	return nil
}

// HTTPStatus maps the code to its HTTP status.
func (ec ErrCode) HTTPStatus() int {
	if s, ok := httpStatus[ec]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// The set of error codes the API returns.
var (
	InvalidArgument  = ErrCode{value: 1}
	NotFound         = ErrCode{value: 2}
	Conflict         = ErrCode{value: 3}
	Unauthenticated  = ErrCode{value: 4}
	PermissionDenied = ErrCode{value: 5}
	Unavailable      = ErrCode{value: 6}
	Internal         = ErrCode{value: 7}
)

var codeNames = map[ErrCode]string{
	InvalidArgument:  "VALIDATION_ERROR",
	NotFound:         "NOT_FOUND",
	Conflict:         "CONFLICT",
	Unauthenticated:  "UNAUTHENTICATED",
	PermissionDenied: "PERMISSION_DENIED",
	Unavailable:      "UNAVAILABLE",
	Internal:         "INTERNAL_ERROR",
}

var codeNumbers = func() map[string]ErrCode {
	m := make(map[string]ErrCode, len(codeNames))
	for code, name := range codeNames {
		m[name] = code
	}
	return m
}()

var httpStatus = map[ErrCode]int{
	InvalidArgument:  http.StatusBadRequest,
	NotFound:         http.StatusNotFound,
	Conflict:         http.StatusConflict,
	Unauthenticated:  http.StatusUnauthorized,
	PermissionDenied: http.StatusForbidden,
	Unavailable:      http.StatusServiceUnavailable,
	Internal:         http.StatusInternalServerError,
}
