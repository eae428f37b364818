package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to JobStatus }{
		{JobPending, JobRunning},
		{JobPending, JobFailed},
		{JobPending, JobRevoked},
		{JobRunning, JobSuccess},
		{JobRunning, JobFailed},
		{JobRunning, JobRevoked},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	illegal := []struct{ from, to JobStatus }{
		{JobPending, JobSuccess},
		{JobRunning, JobPending},
		{JobSuccess, JobRunning},
		{JobSuccess, JobFailed},
		{JobFailed, JobRunning},
		{JobRevoked, JobSuccess},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(JobPending, JobRunning))

	err := ValidateTransition(JobSuccess, JobFailed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobSuccess.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobRevoked.Terminal())
}
