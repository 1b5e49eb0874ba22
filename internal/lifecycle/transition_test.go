package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/models"
)

func TestValidateTransition_AllPairs(t *testing.T) {
	tests := []struct {
		from    models.Status
		to      models.Status
		wantErr bool
	}{
		{models.StatusOpen, models.StatusOpen, false},
		{models.StatusOpen, models.StatusInProgress, false},
		{models.StatusOpen, models.StatusDone, true},
		{models.StatusInProgress, models.StatusOpen, false},
		{models.StatusInProgress, models.StatusInProgress, false},
		{models.StatusInProgress, models.StatusDone, false},
		{models.StatusDone, models.StatusOpen, false},
		{models.StatusDone, models.StatusInProgress, false},
		{models.StatusDone, models.StatusDone, false},
	}

	failures := 0
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			failures++
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))

			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, models.StatusOpen, ite.From)
			assert.Equal(t, models.StatusDone, ite.To)
			assert.Contains(t, err.Error(), "in_progress first")
		})
	}
	assert.Equal(t, 1, failures, "exactly one pair must be rejected")
}

func TestAllowedTargets(t *testing.T) {
	assert.Equal(t, []models.Status{models.StatusOpen, models.StatusInProgress}, AllowedTargets(models.StatusOpen))
	assert.Equal(t, models.Statuses, AllowedTargets(models.StatusInProgress))
	assert.Equal(t, models.Statuses, AllowedTargets(models.StatusDone))
}
