package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition_ValidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current JobStatus
		target  JobStatus
	}{
		{JobStatusPending, JobStatusQueued},
		{JobStatusPending, JobStatusRunning},
		{JobStatusPending, JobStatusFailed},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusQueued, JobStatusRunning},
		{JobStatusQueued, JobStatusFailed},
		{JobStatusQueued, JobStatusCancelled},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.target), func(t *testing.T) {
			t.Parallel()
			assert.NoError(t, tt.current.ValidateTransition(tt.target))
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current JobStatus
		target  JobStatus
	}{
		{JobStatusPending, JobStatusPending},
		{JobStatusPending, JobStatusCompleted},
		{JobStatusQueued, JobStatusPending},
		{JobStatusQueued, JobStatusCompleted},
		{JobStatusRunning, JobStatusQueued},
		{JobStatusRunning, JobStatusRunning},
		{JobStatusCompleted, JobStatusRunning},
		{JobStatusCompleted, JobStatusCancelled},
		{JobStatusFailed, JobStatusQueued},
		{JobStatusCancelled, JobStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.target), func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.current.ValidateTransition(tt.target), ErrInvalidTransition)
		})
	}
}

func TestJobStatusClassification(t *testing.T) {
	t.Parallel()

	for _, s := range ActiveStatuses {
		assert.True(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, JobStatusCancelled, ParseJobStatus("canceled"))
	assert.Equal(t, JobStatusRunning, ParseJobStatus(" running "))
	assert.Equal(t, JobStatus(""), ParseJobStatus("unknown"))
}

func TestParseScanType(t *testing.T) {
	t.Parallel()

	st, err := ParseScanType("")
	assert.NoError(t, err)
	assert.Equal(t, ScanTypeFull, st)

	st, err = ParseScanType("custom")
	assert.NoError(t, err)
	assert.Equal(t, ScanTypeCustom, st)

	_, err = ParseScanType("deep")
	assert.Error(t, err)
}
