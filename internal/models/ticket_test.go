package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTicketStatus_CanTransitionTo(t *testing.T) {
	t.Run("forward transitions", func(t *testing.T) {
		assert.True(t, StatusOpen.CanTransitionTo(StatusInProgress))
		assert.True(t, StatusOpen.CanTransitionTo(StatusResolved))
		assert.True(t, StatusInProgress.CanTransitionTo(StatusResolved))
		assert.True(t, StatusResolved.CanTransitionTo(StatusClosed))
	})

	t.Run("no reopening", func(t *testing.T) {
		assert.False(t, StatusResolved.CanTransitionTo(StatusOpen))
		assert.False(t, StatusClosed.CanTransitionTo(StatusOpen))
		assert.False(t, StatusClosed.CanTransitionTo(StatusInProgress))
		assert.False(t, StatusResolved.CanTransitionTo(StatusInProgress))
	})

	t.Run("self transition is a no-op", func(t *testing.T) {
		assert.True(t, StatusOpen.CanTransitionTo(StatusOpen))
		assert.True(t, StatusClosed.CanTransitionTo(StatusClosed))
	})
}

func TestTicketType_Valid(t *testing.T) {
	assert.True(t, TypeTopupRequest.Valid())
	assert.True(t, TypeSupport.Valid())
	assert.False(t, TicketType("refund").Valid())
}

func TestTransactionKind_Valid(t *testing.T) {
	assert.True(t, KindAdminAssign.Valid())
	assert.True(t, KindTopupApproved.Valid())
	assert.True(t, KindUsage.Valid())
	assert.True(t, KindRefund.Valid())
	assert.False(t, TransactionKind("bonus").Valid())
}
