package web

import (
	"context"
	"net/http"
	"time"
)

type ctxKey int

const (
	valuesKey ctxKey = iota + 1
	writerKey
)

// Values represent state for each request.
type Values struct {
	TraceID    string
	Now        time.Time
	StatusCode int
}

// GetValues returns the values from the context.
func GetValues(ctx context.Context) *Values {
	v, ok := ctx.Value(valuesKey).(*Values)
	if !ok {
		return &Values{
			TraceID: "00000000-0000-0000-0000-000000000000",
			Now:     time.Now(),
		}
	}

	return v
}

// GetTraceID returns the trace id from the context.
func GetTraceID(ctx context.Context) string {
	return GetValues(ctx).TraceID
}

// GetTime returns the time from the context.
func GetTime(ctx context.Context) time.Time {
	return GetValues(ctx).Now
}

func setStatusCode(ctx context.Context, statusCode int) {
	if v, ok := ctx.Value(valuesKey).(*Values); ok {
		v.StatusCode = statusCode
	}
}

func setValues(ctx context.Context, v *Values) context.Context {
	return context.WithValue(ctx, valuesKey, v)
}

// GetWriter returns the underlying writer for the request. Handlers that
// stream their own response, such as server-sent events, use it and return
// NoResponse.
func GetWriter(ctx context.Context) http.ResponseWriter {
	v, ok := ctx.Value(writerKey).(http.ResponseWriter)
	if !ok {
		return nil
	}

	return v
}

func setWriter(ctx context.Context, w http.ResponseWriter) context.Context {
	return context.WithValue(ctx, writerKey, w)
}
