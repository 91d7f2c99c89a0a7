package mid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/scanline/internal/api/errs"
	"github.com/ahrav/scanline/pkg/web"
)

type recordedRequest struct {
	method, path string
	status       int
}

type recordingMetrics struct {
	mu        sync.Mutex
	requests  []recordedRequest
	durations int
	inFlight  int64
	peak      int64
}

func (m *recordingMetrics) IncRequestsTotal(_ context.Context, method, path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, path, status})
}

func (m *recordingMetrics) ObserveRequestDuration(context.Context, string, string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recordingMetrics) AddInFlight(_ context.Context, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight += delta
	m.peak = max(m.peak, m.inFlight)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler web.HandlerFunc
		pattern string
		want    recordedRequest
	}{
		{
			name:    "no content",
			handler: func(context.Context, *http.Request) web.Encoder { return nil },
			pattern: "GET /v1/scans/{id}",
			want:    recordedRequest{http.MethodGet, "GET /v1/scans/{id}", http.StatusNoContent},
		},
		{
			name: "app error",
			handler: func(context.Context, *http.Request) web.Encoder {
				return errs.Newf(errs.NotFound, "missing")
			},
			want: recordedRequest{http.MethodGet, "/v1/scans/abc", http.StatusNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := new(recordingMetrics)
			r := httptest.NewRequest(http.MethodGet, "/v1/scans/abc", nil)
			r.Pattern = tt.pattern

			Metrics(m)(tt.handler)(context.Background(), r)

			assert.Equal(t, []recordedRequest{tt.want}, m.requests)
			assert.Equal(t, 1, m.durations)
			assert.Zero(t, m.inFlight)
			assert.Equal(t, int64(1), m.peak)
		})
	}
}
