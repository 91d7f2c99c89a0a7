// Package errs provides types and support related to web error functionality.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/api/envelope"
	"github.com/ahrav/scanline/internal/domain/scanning"
)

// Error represents an error in the system.
type Error struct {
	Code     ErrCode
	Message  string
	Details  map[string]any
	FuncName string
	FileName string
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  err.Error(),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Newf constructs an error based on a error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, v...),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// WithDetail attaches a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(envelope.Response{
		Success: false,
		Error: &envelope.ErrorBody{
			Code:    e.Code.String(),
			Message: e.Message,
			Details: e.Details,
		},
	})
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the web.HTTPStatusSetter interface.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Equal provides support for the go-cmp package and testing.
func (e *Error) Equal(e2 *Error) bool {
	return e.Code == e2.Code && e.Message == e2.Message
}

// IsError tests the concrete error is of the Error type.
func IsError(err error) bool {
	var er *Error
	return errors.As(err, &er)
}

// GetError returns a copy of the Error pointer.
func GetError(err error) *Error {
	var er *Error
	if !errors.As(err, &er) {
		return nil
	}
	return er
}

// FromDomain maps a scan-domain error to its API error.
func FromDomain(err error) *Error {
	if e := GetError(err); e != nil {
		return e
	}

	var (
		verr     *scanning.ValidationError
		conflict *scanning.ActiveJobConflictError
		dispatch *scanning.DispatchError
	)
	switch {
	case errors.As(err, &verr):
		e := New(InvalidArgument, err)
		if verr.Field != "" {
			e.WithDetail(verr.Field, verr.Reason)
		}
		return e
	case errors.As(err, &conflict):
		e := New(Conflict, scanning.ErrActiveJobExists)
		if conflict.ActiveJobID != uuid.Nil {
			e.WithDetail("active_job_id", conflict.ActiveJobID.String())
		}
		return e
	case errors.Is(err, scanning.ErrJobTerminal):
		return New(Conflict, scanning.ErrJobTerminal)
	case errors.Is(err, scanning.ErrJobNotFound):
		return New(NotFound, scanning.ErrJobNotFound)
	case errors.Is(err, scanning.ErrRepositoryNotFound):
		return New(NotFound, scanning.ErrRepositoryNotFound)
	case errors.As(err, &dispatch):
		return Newf(Unavailable, "scan worker unavailable")
	default:
		return Newf(Internal, "internal server error")
	}
}
