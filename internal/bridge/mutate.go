package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/naming"
	"github.com/maneesh/drivebridge/internal/pathresolve"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Delete removes a location. The semantics depend on where it points:
// a normal file or folder is soft-deleted into the trash with its
// quota still counted, a trash entry is destroyed permanently, the
// trash root empties the whole trash, a tag view is dropped as a view
// and a tag entry is merely unbound. Deletes never fail on quota.
func (c *Coordinator) Delete(ctx context.Context, ownerID int64, loc pathresolve.Location) error {
	ctx, span := tracer.Start(ctx, "bridge.delete",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	switch loc.Kind {
	case pathresolve.KindNormal:
		return c.softDelete(ctx, ownerID, loc)
	case pathresolve.KindTrashRoot:
		return c.emptyTrash(ctx, ownerID)
	case pathresolve.KindTrashEntry:
		rec, err := c.vfolders.ResolveTrashEntry(ctx, ownerID, loc.EntryName)
		if err != nil {
			span.RecordError(err)
			return err
		}
		return c.destroy(ctx, rec)
	case pathresolve.KindTagRoot:
		return fmt.Errorf("cannot delete the tag root: %w", bridgerr.ErrInvalidOperation)
	case pathresolve.KindTagView:
		return c.repo.DeleteTag(ctx, ownerID, loc.TagName)
	case pathresolve.KindTagEntry:
		return c.vfolders.Unbind(ctx, ownerID, loc.TagName, loc.EntryName)
	}
	return bridgerr.ErrInvalidOperation
}

// softDelete moves a file, or every record under a folder, into the
// trash. Quota stays counted until the entry is destroyed.
func (c *Coordinator) softDelete(ctx context.Context, ownerID int64, loc pathresolve.Location) error {
	now := c.now().UTC()
	if rec, err := c.resolver.Resolve(ctx, ownerID, loc); err == nil {
		log.Printf("Soft-deleting %s (file %d)", rec.Path, rec.ID)
		return c.repo.MarkDeleted(ctx, ownerID, rec.ID, now)
	}

	if pathresolve.IsRoot(loc.Path) {
		return fmt.Errorf("cannot delete the namespace root: %w", bridgerr.ErrInvalidOperation)
	}
	records, err := c.repo.ListByOwnerAndPrefix(ctx, ownerID, loc.Path+"/")
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%s: %w", loc.Path, bridgerr.ErrNotFound)
	}
	log.Printf("Soft-deleting folder %s (%d records)", loc.Path, len(records))
	for _, rec := range records {
		if err := c.repo.MarkDeleted(ctx, ownerID, rec.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// destroy permanently removes a soft-deleted record: blob first, then
// the metadata row, then the quota release. A failed blob delete
// defers the whole destruction to the orphan cleanup job so metadata
// never outlives content accounting.
func (c *Coordinator) destroy(ctx context.Context, rec *models.FileRecord) error {
	if err := c.blobs.Delete(ctx, rec.ContentKey); err != nil {
		log.Printf("Blob delete failed for file %d (key %s), deferring: %v", rec.ID, rec.ContentKey, err)
		c.enqueueJob(ctx, storage.JobOrphanCleanup, map[string]any{
			"owner_id":    rec.OwnerID,
			"file_id":     rec.ID,
			"content_key": rec.ContentKey,
		})
		return fmt.Errorf("destroy %s: %w", rec.Path, bridgerr.ErrBackendUnavailable)
	}
	if err := c.repo.Purge(ctx, rec.OwnerID, rec.ID); err != nil {
		return err
	}
	c.quota.Release(ctx, rec.OwnerID, rec.SizeBytes)
	log.Printf("Destroyed file %d (%d bytes returned to owner %d)", rec.ID, rec.SizeBytes, rec.OwnerID)
	return nil
}

// emptyTrash destroys every entry in the owner's trash. The first
// failure stops the sweep; already-destroyed entries stay destroyed.
func (c *Coordinator) emptyTrash(ctx context.Context, ownerID int64) error {
	records, err := c.repo.FindDeletedByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	log.Printf("Emptying trash for owner %d (%d entries)", ownerID, len(records))
	for _, rec := range records {
		if err := c.destroy(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Move relocates src to dst and returns the committed destination
// path, re-disambiguated when the target name was taken. Crossing a
// virtual boundary changes the meaning: into the trash is a soft
// delete, out of the trash is a restore, onto a tag view binds the
// tag; those report no destination path. Plain moves are metadata
// only; bytes never move.
func (c *Coordinator) Move(ctx context.Context, ownerID int64, src, dst pathresolve.Location) (string, error) {
	ctx, span := tracer.Start(ctx, "bridge.move",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	switch {
	case src.Kind == pathresolve.KindNormal && dst.Kind == pathresolve.KindNormal:
		return c.moveNormal(ctx, ownerID, src, dst)
	case src.Kind == pathresolve.KindNormal && (dst.Kind == pathresolve.KindTrashRoot || dst.Kind == pathresolve.KindTrashEntry):
		return "", c.softDelete(ctx, ownerID, src)
	case src.Kind == pathresolve.KindTrashEntry && dst.Kind == pathresolve.KindNormal:
		return c.restoreTo(ctx, ownerID, src.EntryName, dst.Path)
	case src.Kind == pathresolve.KindNormal && (dst.Kind == pathresolve.KindTagView || dst.Kind == pathresolve.KindTagEntry):
		rec, err := c.resolver.Resolve(ctx, ownerID, src)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		return "", c.repo.BindTag(ctx, ownerID, rec.ID, dst.TagName)
	default:
		return "", fmt.Errorf("unsupported move: %w", bridgerr.ErrInvalidOperation)
	}
}

// moveNormal renames a file, or re-parents a folder subtree, with
// commit-time re-disambiguation of the target name.
func (c *Coordinator) moveNormal(ctx context.Context, ownerID int64, src, dst pathresolve.Location) (string, error) {
	if pathresolve.IsRoot(src.Path) || pathresolve.IsRoot(dst.Path) {
		return "", fmt.Errorf("cannot move the namespace root: %w", bridgerr.ErrInvalidOperation)
	}

	if rec, err := c.resolver.Resolve(ctx, ownerID, src); err == nil {
		return c.renameRecord(ctx, ownerID, rec, dst.Path)
	}

	// Folder move: every record under the prefix is re-parented.
	records, err := c.repo.ListByOwnerAndPrefix(ctx, ownerID, src.Path+"/")
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%s: %w", src.Path, bridgerr.ErrNotFound)
	}
	exists, err := c.resolver.ResolveFolder(ctx, ownerID, dst)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%s already exists: %w", dst.Path, bridgerr.ErrConflict)
	}
	log.Printf("Moving folder %s -> %s (%d records)", src.Path, dst.Path, len(records))
	for _, rec := range records {
		newPath := dst.Path + strings.TrimPrefix(rec.Path, src.Path)
		if err := c.repo.UpdatePath(ctx, ownerID, rec.ID, newPath); err != nil {
			return "", err
		}
	}
	c.enqueueJob(ctx, storage.JobBlobResync, map[string]any{
		"owner_id": ownerID,
		"prefix":   dst.Path,
	})
	return dst.Path, nil
}

// renameRecord updates a single record's path, re-disambiguating the
// target name on each conflicting attempt.
func (c *Coordinator) renameRecord(ctx context.Context, ownerID int64, rec *models.FileRecord, dstPath string) (string, error) {
	name := naming.Sanitize(pathresolve.BaseName(dstPath))
	if name == "" || naming.IsHidden(name) {
		return "", fmt.Errorf("refused name %q: %w", name, bridgerr.ErrInvalidOperation)
	}
	parent := pathresolve.Parent(dstPath)

	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		taken, terr := c.siblingNames(ctx, ownerID, parent)
		if terr != nil {
			return "", terr
		}
		if pathresolve.Parent(rec.Path) == parent {
			// A rename in place must not collide with itself.
			delete(taken, rec.Name())
		}
		target := pathresolve.Join(parent, naming.NextAvailableName(taken, name))
		err = c.repo.UpdatePath(ctx, ownerID, rec.ID, target)
		if err == nil {
			log.Printf("Moved %s -> %s (file %d)", rec.Path, target, rec.ID)
			c.enqueueJob(ctx, storage.JobBlobResync, map[string]any{
				"owner_id":    ownerID,
				"file_id":     rec.ID,
				"content_key": rec.ContentKey,
			})
			return target, nil
		}
		if !errors.Is(err, bridgerr.ErrConflict) {
			return "", err
		}
	}
	return "", fmt.Errorf("move to %s: %w", dstPath, bridgerr.ErrConflict)
}

// restoreTo brings a trash entry back as a live record at an explicit
// destination, falling back to a numbered variant when the target is
// taken.
func (c *Coordinator) restoreTo(ctx context.Context, ownerID int64, entryName, dstPath string) (string, error) {
	rec, err := c.vfolders.ResolveTrashEntry(ctx, ownerID, entryName)
	if err != nil {
		return "", err
	}
	name := naming.Sanitize(pathresolve.BaseName(dstPath))
	if name == "" {
		return "", fmt.Errorf("refused name %q: %w", name, bridgerr.ErrInvalidOperation)
	}
	parent := pathresolve.Parent(dstPath)

	for attempt := 0; attempt < commitAttempts; attempt++ {
		taken, terr := c.siblingNames(ctx, ownerID, parent)
		if terr != nil {
			return "", terr
		}
		target := pathresolve.Join(parent, naming.NextAvailableName(taken, name))
		err = c.repo.ClearDeleted(ctx, ownerID, rec.ID, target)
		if err == nil {
			log.Printf("Restored file %d to %s", rec.ID, target)
			return target, nil
		}
		if !errors.Is(err, bridgerr.ErrConflict) {
			return "", err
		}
	}
	return "", fmt.Errorf("restore to %s: %w", dstPath, bridgerr.ErrConflict)
}

// Copy duplicates src at dst with a server-side blob copy and a fresh
// quota reservation, returning the committed destination path. Folder
// copies duplicate every record under the prefix.
func (c *Coordinator) Copy(ctx context.Context, ownerID int64, src, dst pathresolve.Location) (string, error) {
	ctx, span := tracer.Start(ctx, "bridge.copy",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	if src.Kind != pathresolve.KindNormal || dst.Kind != pathresolve.KindNormal {
		return "", fmt.Errorf("copy crosses a virtual boundary: %w", bridgerr.ErrInvalidOperation)
	}

	if rec, err := c.resolver.Resolve(ctx, ownerID, src); err == nil {
		return c.copyRecord(ctx, ownerID, rec, dst.Path)
	}

	records, err := c.repo.ListByOwnerAndPrefix(ctx, ownerID, src.Path+"/")
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%s: %w", src.Path, bridgerr.ErrNotFound)
	}
	log.Printf("Copying folder %s -> %s (%d records)", src.Path, dst.Path, len(records))
	for _, rec := range records {
		newPath := dst.Path + strings.TrimPrefix(rec.Path, src.Path)
		if _, err := c.copyRecord(ctx, ownerID, rec, newPath); err != nil {
			return "", err
		}
	}
	return dst.Path, nil
}

// copyRecord runs the copy sequence for a single record: reserve,
// server-side blob copy, metadata commit, confirm. Compensation
// mirrors Upload.
func (c *Coordinator) copyRecord(ctx context.Context, ownerID int64, rec *models.FileRecord, dstPath string) (string, error) {
	reservation, err := c.quota.Reserve(ctx, ownerID, rec.SizeBytes)
	if err != nil {
		return "", err
	}
	defer reservation.Cancel(ctx)

	contentKey := pathresolve.StorageKey(ownerID, uuid.New().String())
	if err := c.blobs.Copy(ctx, rec.ContentKey, contentKey); err != nil {
		return "", err
	}

	name := naming.Sanitize(pathresolve.BaseName(dstPath))
	copied, err := c.commitRecord(ctx, ownerID, pathresolve.Parent(dstPath), name, contentKey, rec.ChecksumSHA, UploadRequest{
		SizeBytes:    rec.SizeBytes,
		MimeType:     rec.MimeType,
		OriginalTime: rec.OriginalTime,
	})
	if err != nil {
		c.compensateBlob(ctx, ownerID, contentKey)
		return "", err
	}
	reservation.Confirm()
	log.Printf("Copied file %d -> %d (%s)", rec.ID, copied.ID, copied.Path)
	return copied.Path, nil
}

// SetTag binds a tag to the file at path; the tag is created on first
// use.
func (c *Coordinator) SetTag(ctx context.Context, ownerID int64, path, tag string) error {
	loc, err := pathresolve.Classify(path)
	if err != nil {
		return err
	}
	rec, err := c.resolver.Resolve(ctx, ownerID, loc)
	if err != nil {
		return err
	}
	return c.repo.BindTag(ctx, ownerID, rec.ID, tag)
}

// RemoveTag unbinds a tag from the file at path.
func (c *Coordinator) RemoveTag(ctx context.Context, ownerID int64, path, tag string) error {
	loc, err := pathresolve.Classify(path)
	if err != nil {
		return err
	}
	rec, err := c.resolver.Resolve(ctx, ownerID, loc)
	if err != nil {
		return err
	}
	return c.repo.UnbindTag(ctx, ownerID, rec.ID, tag)
}
