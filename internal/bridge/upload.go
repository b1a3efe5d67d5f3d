package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/naming"
	"github.com/maneesh/drivebridge/internal/pathresolve"
	"github.com/maneesh/drivebridge/internal/quota"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UploadRequest carries one inbound file write.
type UploadRequest struct {
	Path         string
	Body         io.Reader
	SizeBytes    int64
	MimeType     string
	OriginalTime time.Time
}

// Upload runs the write sequence. A live record already holding the
// exact target path is replaced in place; otherwise a new record
// commits beside its siblings, disambiguated on name collision. Any
// failure after the blob write deletes the blob and cancels the
// reservation; a compensating delete that itself fails is handed to
// the orphan cleanup job.
func (c *Coordinator) Upload(ctx context.Context, ownerID int64, req UploadRequest) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "bridge.upload",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("size_bytes", req.SizeBytes),
		),
	)
	defer span.End()

	loc, err := pathresolve.Classify(req.Path)
	if err != nil {
		return nil, err
	}
	if loc.Kind != pathresolve.KindNormal {
		return nil, fmt.Errorf("cannot write into a virtual folder: %w", bridgerr.ErrInvalidOperation)
	}
	name := naming.Sanitize(pathresolve.BaseName(loc.Path))
	if name == "" || naming.IsHidden(name) {
		return nil, fmt.Errorf("refused name %q: %w", name, bridgerr.ErrInvalidOperation)
	}
	if req.SizeBytes < 0 {
		return nil, fmt.Errorf("upload size must be declared: %w", bridgerr.ErrInvalidOperation)
	}

	rec, err := c.writeContent(ctx, ownerID, loc, name, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// writeContent dispatches a validated write: replace when the exact
// path is live, create otherwise.
func (c *Coordinator) writeContent(ctx context.Context, ownerID int64, loc pathresolve.Location, name string, req UploadRequest) (*models.FileRecord, error) {
	if existing, err := c.resolver.Resolve(ctx, ownerID, loc); err == nil {
		return c.replaceContent(ctx, ownerID, existing, req)
	}
	return c.createContent(ctx, ownerID, pathresolve.Parent(loc.Path), name, req)
}

// createContent commits a new record: quota reserve, blob write,
// metadata commit, quota confirm.
func (c *Coordinator) createContent(ctx context.Context, ownerID int64, parent, name string, req UploadRequest) (*models.FileRecord, error) {
	reservation, err := c.quota.Reserve(ctx, ownerID, req.SizeBytes)
	if err != nil {
		return nil, err
	}
	defer reservation.Cancel(ctx)

	contentKey := pathresolve.StorageKey(ownerID, uuid.New().String())
	log.Printf("Uploading %s for owner %d (%d bytes)", pathresolve.Join(parent, name), ownerID, req.SizeBytes)
	checksum, err := c.blobs.Put(ctx, contentKey, req.Body, req.SizeBytes, req.MimeType)
	if err != nil {
		return nil, err
	}

	rec, err := c.commitRecord(ctx, ownerID, parent, name, contentKey, checksum, req)
	if err != nil {
		c.compensateBlob(ctx, ownerID, contentKey)
		return nil, err
	}
	reservation.Confirm()

	c.enqueueJob(ctx, storage.JobThumbnail, map[string]any{
		"owner_id":    ownerID,
		"file_id":     rec.ID,
		"content_key": rec.ContentKey,
		"mime_type":   rec.MimeType,
	})
	log.Printf("Upload committed: %s (file %d)", rec.Path, rec.ID)
	return rec, nil
}

// replaceContent swaps a live record's bytes in place: new blob first,
// then the content columns move over, then the old blob goes away.
// Quota shifts by the size difference only, so a same-size overwrite
// near the limit still succeeds.
func (c *Coordinator) replaceContent(ctx context.Context, ownerID int64, existing *models.FileRecord, req UploadRequest) (*models.FileRecord, error) {
	var reservation *quota.Reservation
	if delta := req.SizeBytes - existing.SizeBytes; delta > 0 {
		var err error
		reservation, err = c.quota.Reserve(ctx, ownerID, delta)
		if err != nil {
			return nil, err
		}
		defer reservation.Cancel(ctx)
	}

	contentKey := pathresolve.StorageKey(ownerID, uuid.New().String())
	log.Printf("Replacing content of %s for owner %d (%d -> %d bytes)",
		existing.Path, ownerID, existing.SizeBytes, req.SizeBytes)
	checksum, err := c.blobs.Put(ctx, contentKey, req.Body, req.SizeBytes, req.MimeType)
	if err != nil {
		return nil, err
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = existing.MimeType
	}
	now := c.now().UTC()
	if err := c.repo.UpdateContent(ctx, ownerID, existing.ID, contentKey, req.SizeBytes, checksum, mimeType, now); err != nil {
		c.compensateBlob(ctx, ownerID, contentKey)
		return nil, err
	}
	if reservation != nil {
		reservation.Confirm()
	}
	if shrink := existing.SizeBytes - req.SizeBytes; shrink > 0 {
		c.quota.Release(ctx, ownerID, shrink)
	}

	if err := c.blobs.Delete(ctx, existing.ContentKey); err != nil {
		log.Printf("Failed to remove replaced blob %s: %v", existing.ContentKey, err)
		c.enqueueJob(ctx, storage.JobOrphanCleanup, map[string]any{
			"owner_id":    ownerID,
			"content_key": existing.ContentKey,
		})
	}

	updated := *existing
	updated.ContentKey = contentKey
	updated.SizeBytes = req.SizeBytes
	updated.ChecksumSHA = checksum
	updated.MimeType = mimeType
	updated.ModifiedAt = now

	c.enqueueJob(ctx, storage.JobThumbnail, map[string]any{
		"owner_id":    ownerID,
		"file_id":     updated.ID,
		"content_key": updated.ContentKey,
		"mime_type":   updated.MimeType,
	})
	log.Printf("Content replaced: %s (file %d)", updated.Path, updated.ID)
	return &updated, nil
}

// commitRecord inserts the metadata row, re-disambiguating the name at
// each attempt so a race for the same target converges instead of
// failing spuriously.
func (c *Coordinator) commitRecord(ctx context.Context, ownerID int64, parent, name, contentKey, checksum string, req UploadRequest) (*models.FileRecord, error) {
	now := c.now().UTC()
	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		taken, terr := c.siblingNames(ctx, ownerID, parent)
		if terr != nil {
			return nil, terr
		}
		rec := &models.FileRecord{
			OwnerID:      ownerID,
			Path:         pathresolve.Join(parent, naming.NextAvailableName(taken, name)),
			ContentKey:   contentKey,
			SizeBytes:    req.SizeBytes,
			ChecksumSHA:  checksum,
			MimeType:     req.MimeType,
			UploadedAt:   now,
			ModifiedAt:   now,
			OriginalTime: req.OriginalTime,
		}
		err = c.repo.Insert(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, bridgerr.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("commit %s under %s: %w", name, parent, bridgerr.ErrConflict)
}

// compensateBlob removes a blob written by a failed sequence. If the
// delete fails too the key is queued for orphan cleanup.
func (c *Coordinator) compensateBlob(ctx context.Context, ownerID int64, contentKey string) {
	if err := c.blobs.Delete(ctx, contentKey); err != nil {
		log.Printf("Compensating blob delete failed for %s: %v", contentKey, err)
		c.enqueueJob(ctx, storage.JobOrphanCleanup, map[string]any{
			"owner_id":    ownerID,
			"content_key": contentKey,
		})
	}
}

// MakeCollection creates a folder by inserting its zero-byte marker
// record. The parent must exist; an existing folder or file at the
// path is a Conflict.
func (c *Coordinator) MakeCollection(ctx context.Context, ownerID int64, path string) error {
	ctx, span := tracer.Start(ctx, "bridge.make_collection")
	defer span.End()

	loc, err := pathresolve.Classify(path)
	if err != nil {
		return err
	}
	if loc.Kind != pathresolve.KindNormal || pathresolve.IsRoot(loc.Path) {
		return fmt.Errorf("cannot create collection here: %w", bridgerr.ErrInvalidOperation)
	}

	parent := pathresolve.Parent(loc.Path)
	parentLoc := pathresolve.Location{Kind: pathresolve.KindNormal, Path: parent}
	exists, err := c.resolver.ResolveFolder(ctx, ownerID, parentLoc)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("parent %s does not exist: %w", parent, bridgerr.ErrConflict)
	}

	if _, err := c.resolver.Resolve(ctx, ownerID, loc); err == nil {
		return fmt.Errorf("%s exists as a file: %w", loc.Path, bridgerr.ErrConflict)
	}
	exists, err = c.resolver.ResolveFolder(ctx, ownerID, loc)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s already exists: %w", loc.Path, bridgerr.ErrConflict)
	}

	now := c.now().UTC()
	rec := &models.FileRecord{
		OwnerID:    ownerID,
		Path:       pathresolve.Join(loc.Path, naming.FolderMarker),
		ContentKey: pathresolve.StorageKey(ownerID, uuid.New().String()),
		UploadedAt: now,
		ModifiedAt: now,
	}
	if err := c.repo.Insert(ctx, rec); err != nil {
		span.RecordError(err)
		return err
	}
	log.Printf("Collection created: %s (owner %d)", loc.Path, ownerID)
	return nil
}
