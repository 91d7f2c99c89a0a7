package errs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

func TestFromDomain_ActiveJobConflict(t *testing.T) {
	t.Parallel()

	activeID := uuid.New()

	tests := []struct {
		name        string
		activeID    uuid.UUID
		wantDetails map[string]any
	}{
		{
			name:        "known active job",
			activeID:    activeID,
			wantDetails: map[string]any{"active_job_id": activeID.String()},
		},
		{
			name:     "active job unknown",
			activeID: uuid.Nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := FromDomain(&scanning.ActiveJobConflictError{
				RepositoryID: uuid.New(),
				Branch:       "main",
				ActiveJobID:  tt.activeID,
			})
			require.NotNil(t, e)
			assert.Equal(t, Conflict, e.Code)
			assert.Equal(t, tt.wantDetails, e.Details)
		})
	}
}
