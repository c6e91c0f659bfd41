package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	r, err = ParseRole("user")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, r)

	_, err = ParseRole("root")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestWithdrawalStatusTransitions(t *testing.T) {
	assert.True(t, WithdrawalPending.CanMoveTo(WithdrawalProcessing))
	assert.True(t, WithdrawalPending.CanMoveTo(WithdrawalRejected))
	assert.True(t, WithdrawalProcessing.CanMoveTo(WithdrawalCompleted))
	assert.False(t, WithdrawalProcessing.CanMoveTo(WithdrawalPending))
	assert.False(t, WithdrawalRejected.CanMoveTo(WithdrawalCompleted))
	assert.False(t, WithdrawalCompleted.CanMoveTo(WithdrawalRejected))
}
