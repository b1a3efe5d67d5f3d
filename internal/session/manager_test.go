package session

import (
	"context"
	"testing"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(repo *storagetest.FakeRepo, at time.Time) *Manager {
	m := NewManager(repo, 5, 30*time.Minute)
	m.now = func() time.Time { return at }
	return m
}

func TestAdmitUpToCeiling(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mgr := newManager(repo, now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
		require.NoError(t, err)
	}

	// Sixth concurrent admission fails; nothing is auto-evicted.
	_, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
	assert.ErrorIs(t, err, bridgerr.ErrConcurrencyLimitExceeded)
	assert.Len(t, repo.Sessions, 5)
}

func TestAdmitAfterIdleTimeout(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mgr := newManager(repo, now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
		require.NoError(t, err)
	}

	// Time passes beyond the idle timeout; stale sessions are evicted
	// lazily on the next admission.
	mgr.now = func() time.Time { return now.Add(31 * time.Minute) }
	rec, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SessionID)
	assert.Len(t, repo.Sessions, 1)
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mgr := newManager(repo, now)
	ctx := context.Background()

	rec, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
	require.NoError(t, err)

	// Activity at minute 20 pushes the idle window forward.
	mgr.now = func() time.Time { return now.Add(20 * time.Minute) }
	require.NoError(t, mgr.Touch(ctx, rec.SessionID))

	// At minute 40 the session is 20 minutes idle, still live.
	mgr.now = func() time.Time { return now.Add(40 * time.Minute) }
	_, err = mgr.Admit(ctx, 1, 10, "10.0.0.2", "other")
	require.NoError(t, err)
	assert.Len(t, repo.Sessions, 2)
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mgr := newManager(repo, now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
		require.NoError(t, err)
	}

	// A different owner is not affected by owner 1's ceiling.
	_, err := mgr.Admit(ctx, 2, 20, "10.0.0.9", "client")
	assert.NoError(t, err)
}

func TestRelease(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mgr := newManager(repo, now)
	ctx := context.Background()

	rec, err := mgr.Admit(ctx, 1, 10, "10.0.0.1", "client")
	require.NoError(t, err)
	require.NoError(t, mgr.Release(ctx, rec.SessionID))
	assert.Empty(t, repo.Sessions)
}

func TestTouchUnknownSession(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	mgr := newManager(repo, time.Now().UTC())

	err := mgr.Touch(context.Background(), "missing")
	assert.ErrorIs(t, err, bridgerr.ErrNotFound)
}
