package withdrawal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/pkg/db"
)

func setup(t *testing.T, balance int64) (*Service, *db.Database, string) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, database.CreateUser(ctx, domain.User{ID: id, Email: id + "@example.com", PasswordHash: "x", CreatedAt: now, UpdatedAt: now}))
	_, err = database.ApplyBalanceDelta(ctx, domain.BalanceChange{UserID: id, Kind: domain.EntryAdminAdjust, Amount: decimal.NewFromInt(balance)})
	require.NoError(t, err)
	return NewService(database, events.NewBus(), nil), database, id
}

func TestRequestDebitsAndRejectRefunds(t *testing.T) {
	svc, database, user := setup(t, 100)
	ctx := context.Background()

	w, bal, err := svc.Request(ctx, Request{UserID: user, Amount: decimal.NewFromInt(60), Address: " 0xabc ", Network: "erc20"})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Equal(t, "0xabc", w.Address)
	assert.Equal(t, "ERC20", w.Network)
	assert.True(t, bal.Equal(decimal.NewFromInt(40)))

	_, err = svc.UpdateStatus(ctx, w.ID, domain.WithdrawalProcessing)
	require.NoError(t, err)
	w, err = svc.UpdateStatus(ctx, w.ID, domain.WithdrawalRejected)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, w.Status)

	balance, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))

	_, err = svc.UpdateStatus(ctx, w.ID, domain.WithdrawalCompleted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRequestValidation(t *testing.T) {
	svc, _, user := setup(t, 10)
	ctx := context.Background()

	_, _, err := svc.Request(ctx, Request{UserID: user, Amount: decimal.NewFromInt(11), Address: "0xabc"})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, _, err = svc.Request(ctx, Request{UserID: user, Amount: decimal.Zero, Address: "0xabc"})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, _, err = svc.Request(ctx, Request{UserID: user, Amount: decimal.NewFromInt(1), Address: "  "})
	require.ErrorIs(t, err, domain.ErrInvalidAddress)
	require.NotErrorIs(t, err, domain.ErrInvalidAmount)

	list, err := svc.List(ctx, user, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("Completed")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalCompleted, st)
	_, err = ParseStatus("cancelled")
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}
