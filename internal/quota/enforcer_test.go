package quota

import (
	"context"
	"testing"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/storage"
	"github.com/maneesh/drivebridge/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveConfirm(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	enf := NewEnforcer(repo, storagetest.NewFakeQueue())
	ctx := context.Background()

	res, err := enf.Reserve(ctx, 1, 1000)
	require.NoError(t, err)
	res.Confirm()
	res.Cancel(ctx) // no-op after Confirm

	acct, err := enf.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.UsedBytes)
}

func TestReserveCancelReturnsBytes(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	enf := NewEnforcer(repo, storagetest.NewFakeQueue())
	ctx := context.Background()

	res, err := enf.Reserve(ctx, 1, 1000)
	require.NoError(t, err)
	res.Cancel(ctx)

	acct, err := enf.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, acct.UsedBytes)
}

func TestReserveOverLimit(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	repo.DefaultLimit = 500
	enf := NewEnforcer(repo, storagetest.NewFakeQueue())
	ctx := context.Background()

	_, err := enf.Reserve(ctx, 1, 501)
	assert.ErrorIs(t, err, bridgerr.ErrQuotaExceeded)

	// The failed reservation must not leak into usage.
	acct, err := enf.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, acct.UsedBytes)
}

func TestReserveExactLimit(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	repo.DefaultLimit = 500
	enf := NewEnforcer(repo, storagetest.NewFakeQueue())

	_, err := enf.Reserve(context.Background(), 1, 500)
	assert.NoError(t, err, "reservation filling the budget exactly is allowed")
}

func TestReserveNegative(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	enf := NewEnforcer(repo, storagetest.NewFakeQueue())

	_, err := enf.Reserve(context.Background(), 1, -1)
	assert.ErrorIs(t, err, bridgerr.ErrInvalidOperation)
}

func TestReleaseClampsAtZero(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	enf := NewEnforcer(repo, storagetest.NewFakeQueue())
	ctx := context.Background()

	res, err := enf.Reserve(ctx, 1, 100)
	require.NoError(t, err)
	res.Confirm()

	// Releasing more than was ever used clamps rather than going
	// negative.
	enf.Release(ctx, 1, 500)
	acct, err := enf.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, acct.UsedBytes)
}

func TestReleaseFailureEnqueuesReconciliation(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	repo.CASQuotaErr = bridgerr.ErrBackendUnavailable
	queue := storagetest.NewFakeQueue()
	enf := NewEnforcer(repo, queue)

	enf.Release(context.Background(), 1, 100)
	assert.Equal(t, []string{storage.JobBlobResync}, queue.Kinds())
}
