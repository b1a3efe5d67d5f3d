package vfolder

import (
	"context"
	"testing"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertDeleted(t *testing.T, repo *storagetest.FakeRepo, ownerID int64, path string, deletedAt time.Time) *models.FileRecord {
	t.Helper()
	rec := &models.FileRecord{
		OwnerID: ownerID, Path: path, ContentKey: "k-" + path,
		SizeBytes: 10, UploadedAt: deletedAt.Add(-time.Hour), ModifiedAt: deletedAt,
	}
	require.NoError(t, repo.Insert(context.Background(), rec))
	require.NoError(t, repo.MarkDeleted(context.Background(), ownerID, rec.ID, deletedAt))
	return rec
}

func TestListTrashDisambiguates(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// Two files deleted from different folders under the same base
	// name, plus one unrelated file.
	insertDeleted(t, repo, 1, "/docs/notes.txt", base)
	insertDeleted(t, repo, 1, "/archive/notes.txt", base.Add(time.Minute))
	insertDeleted(t, repo, 1, "/photo.jpg", base.Add(2*time.Minute))

	provider := NewProvider(repo)
	entries, err := provider.ListTrash(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "notes.txt", entries[0].Name, "earliest deletion keeps the plain name")
	assert.Equal(t, "notes (1).txt", entries[1].Name)
	assert.Equal(t, "photo.jpg", entries[2].Name)
}

func TestResolveTrashEntryStable(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	first := insertDeleted(t, repo, 1, "/docs/notes.txt", base)
	second := insertDeleted(t, repo, 1, "/archive/notes.txt", base.Add(time.Minute))

	provider := NewProvider(repo)
	ctx := context.Background()

	got, err := provider.ResolveTrashEntry(ctx, 1, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = provider.ResolveTrashEntry(ctx, 1, "notes (1).txt")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = provider.ResolveTrashEntry(ctx, 1, "missing.txt")
	assert.ErrorIs(t, err, bridgerr.ErrNotFound)
}

func TestTrashIsOwnerScoped(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	insertDeleted(t, repo, 1, "/docs/notes.txt", time.Now().UTC())

	provider := NewProvider(repo)
	entries, err := provider.ListTrash(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTagRootAndView(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	ctx := context.Background()
	now := time.Now().UTC()

	a := &models.FileRecord{OwnerID: 1, Path: "/a/beach.jpg", ContentKey: "ka", UploadedAt: now, ModifiedAt: now}
	b := &models.FileRecord{OwnerID: 1, Path: "/b/beach.jpg", ContentKey: "kb", UploadedAt: now, ModifiedAt: now}
	require.NoError(t, repo.Insert(ctx, a))
	require.NoError(t, repo.Insert(ctx, b))
	require.NoError(t, repo.BindTag(ctx, 1, a.ID, "vacation"))
	require.NoError(t, repo.BindTag(ctx, 1, b.ID, "vacation"))

	provider := NewProvider(repo)

	roots, err := provider.ListTagRoot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "vacation", roots[0].Name)
	assert.Equal(t, models.EntryFolder, roots[0].Kind)

	view, err := provider.ListTagView(ctx, 1, "vacation")
	require.NoError(t, err)
	require.Len(t, view, 2)
	assert.Equal(t, "beach.jpg", view[0].Name)
	assert.Equal(t, "beach (1).jpg", view[1].Name)
}

func TestUnbindLeavesFileAlone(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.FileRecord{OwnerID: 1, Path: "/a/beach.jpg", ContentKey: "ka", UploadedAt: now, ModifiedAt: now}
	require.NoError(t, repo.Insert(ctx, rec))
	require.NoError(t, repo.BindTag(ctx, 1, rec.ID, "vacation"))

	provider := NewProvider(repo)
	require.NoError(t, provider.Unbind(ctx, 1, "vacation", "beach.jpg"))

	// The binding is gone; the record is still live.
	view, err := provider.ListTagView(ctx, 1, "vacation")
	require.NoError(t, err)
	assert.Empty(t, view)
	got, err := repo.FindByOwnerAndPath(ctx, 1, "/a/beach.jpg")
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestTagViewExcludesDeleted(t *testing.T) {
	repo := storagetest.NewFakeRepo()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.FileRecord{OwnerID: 1, Path: "/a/beach.jpg", ContentKey: "ka", UploadedAt: now, ModifiedAt: now}
	require.NoError(t, repo.Insert(ctx, rec))
	require.NoError(t, repo.BindTag(ctx, 1, rec.ID, "vacation"))
	require.NoError(t, repo.MarkDeleted(ctx, 1, rec.ID, now))

	provider := NewProvider(repo)
	view, err := provider.ListTagView(ctx, 1, "vacation")
	require.NoError(t, err)
	assert.Empty(t, view)
}
