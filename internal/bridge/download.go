package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/pathresolve"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DownloadResult is either a stream through the bridge or a presigned
// redirect, never both.
type DownloadResult struct {
	Record      *models.FileRecord
	Body        io.ReadCloser
	RedirectURL string
}

// Download resolves a readable location and returns its content. Files
// at or above the presign threshold redirect to the blob store
// directly; smaller ones stream through the bridge. Reads are never
// refused for an over-quota owner.
func (c *Coordinator) Download(ctx context.Context, ownerID int64, loc pathresolve.Location) (*DownloadResult, error) {
	ctx, span := tracer.Start(ctx, "bridge.download",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	var rec *models.FileRecord
	var err error
	switch loc.Kind {
	case pathresolve.KindNormal:
		rec, err = c.resolver.Resolve(ctx, ownerID, loc)
	case pathresolve.KindTrashEntry:
		rec, err = c.vfolders.ResolveTrashEntry(ctx, ownerID, loc.EntryName)
	case pathresolve.KindTagEntry:
		rec, err = c.vfolders.ResolveTagEntry(ctx, ownerID, loc.TagName, loc.EntryName)
	default:
		return nil, fmt.Errorf("cannot read a folder: %w", bridgerr.ErrInvalidOperation)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("size_bytes", rec.SizeBytes))

	if rec.SizeBytes >= c.opts.PresignThresholdBytes {
		url, err := c.blobs.Presign(ctx, rec.ContentKey, rec.Name(), c.opts.PresignTTL)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return &DownloadResult{Record: rec, RedirectURL: url}, nil
	}

	body, err := c.blobs.Get(ctx, rec.ContentKey)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, bridgerr.ErrNotFound) {
			// Metadata says the file exists but the blob is gone.
			// Queue a resync and report the backend, not the file,
			// as the problem.
			log.Printf("Blob missing for file %d (key %s), queuing resync", rec.ID, rec.ContentKey)
			c.enqueueJob(ctx, storage.JobBlobResync, map[string]any{
				"owner_id":    ownerID,
				"file_id":     rec.ID,
				"content_key": rec.ContentKey,
			})
			return nil, fmt.Errorf("content for %s unavailable: %w", rec.Path, bridgerr.ErrBackendUnavailable)
		}
		return nil, err
	}
	return &DownloadResult{Record: rec, Body: body}, nil
}
