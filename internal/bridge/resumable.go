package bridge

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"
	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/naming"
	"github.com/maneesh/drivebridge/internal/pathresolve"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResumableThreshold returns the declared size at which uploads must
// take the resumable path.
func (c *Coordinator) ResumableThreshold() int64 {
	return c.opts.ResumableThresholdBytes
}

// BeginResumable opens a resumable upload for a declared size. The
// state lives only in the ephemeral store; when that store is down the
// upload is refused rather than silently degraded to a single-shot
// transfer the client cannot resume.
func (c *Coordinator) BeginResumable(ctx context.Context, ownerID int64, path string, declaredBytes int64) (*models.PartialUploadState, error) {
	ctx, span := tracer.Start(ctx, "bridge.begin_resumable",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.Int64("declared_bytes", declaredBytes),
		),
	)
	defer span.End()

	loc, err := pathresolve.Classify(path)
	if err != nil {
		return nil, err
	}
	if loc.Kind != pathresolve.KindNormal {
		return nil, fmt.Errorf("cannot write into a virtual folder: %w", bridgerr.ErrInvalidOperation)
	}
	if declaredBytes <= 0 {
		return nil, fmt.Errorf("resumable upload needs a declared size: %w", bridgerr.ErrInvalidOperation)
	}

	// Check the budget up front so a client does not stream gigabytes
	// of chunks into an upload that can never commit. The real
	// reservation happens at completion.
	acct, err := c.quota.Usage(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if declaredBytes > acct.AvailableBytes() {
		return nil, fmt.Errorf("declared %d bytes, %d available: %w", declaredBytes, acct.AvailableBytes(), bridgerr.ErrQuotaExceeded)
	}

	uploadID := uuid.New().String()
	st := &models.PartialUploadState{
		OwnerID:       ownerID,
		UploadID:      uploadID,
		TargetPath:    loc.Path,
		DeclaredBytes: declaredBytes,
		StagingPrefix: fmt.Sprintf("stage/%d/%s", ownerID, uploadID),
		ExpiresAt:     c.now().UTC().Add(c.opts.UploadTTL),
	}
	if err := c.ephemeral.PutState(ctx, st, c.opts.UploadTTL); err != nil {
		span.RecordError(err)
		return nil, err
	}
	log.Printf("Resumable upload opened: %s -> %s (%d bytes declared)", uploadID, loc.Path, declaredBytes)
	return st, nil
}

// AppendResumable stages one chunk and advances the upload state.
// Expired or unknown uploads fail with PartialUploadExpired and the
// client restarts from zero.
func (c *Coordinator) AppendResumable(ctx context.Context, ownerID int64, uploadID string, body io.Reader, sizeBytes int64) (*models.PartialUploadState, error) {
	ctx, span := tracer.Start(ctx, "bridge.append_resumable",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	st, err := c.ephemeral.GetState(ctx, ownerID, uploadID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if st.ReceivedBytes+sizeBytes > st.DeclaredBytes {
		return nil, fmt.Errorf("chunk overruns declared size: %w", bridgerr.ErrInvalidOperation)
	}

	if _, err := c.stager.StageChunk(ctx, st.StagingPrefix, st.ChunkCount, body, sizeBytes); err != nil {
		span.RecordError(err)
		return nil, err
	}
	st, err = c.ephemeral.AppendChunk(ctx, ownerID, uploadID, sizeBytes)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return st, nil
}

// CompleteResumable assembles the staged chunks into the final blob
// and commits it like a single-shot upload. Staged chunks and state
// are discarded only after the commit holds.
func (c *Coordinator) CompleteResumable(ctx context.Context, ownerID int64, uploadID, mimeType string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "bridge.complete_resumable",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	st, err := c.ephemeral.GetState(ctx, ownerID, uploadID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if st.ReceivedBytes != st.DeclaredBytes {
		return nil, fmt.Errorf("received %d of %d declared bytes: %w", st.ReceivedBytes, st.DeclaredBytes, bridgerr.ErrInvalidOperation)
	}

	loc := pathresolve.Location{Kind: pathresolve.KindNormal, Path: st.TargetPath}
	name := naming.Sanitize(pathresolve.BaseName(st.TargetPath))
	assembled := c.stager.Assemble(ctx, st.StagingPrefix, st.ChunkCount)
	rec, err := c.writeContent(ctx, ownerID, loc, name, UploadRequest{
		Path:      st.TargetPath,
		Body:      assembled,
		SizeBytes: st.DeclaredBytes,
		MimeType:  mimeType,
	})
	assembled.Close()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := c.stager.Discard(ctx, st.StagingPrefix, st.ChunkCount); err != nil {
		log.Printf("Failed to discard staged chunks for upload %s: %v", uploadID, err)
		c.enqueueJob(ctx, storage.JobOrphanCleanup, map[string]any{
			"owner_id":       ownerID,
			"staging_prefix": st.StagingPrefix,
			"chunk_count":    st.ChunkCount,
		})
	}
	if err := c.ephemeral.DeleteState(ctx, ownerID, uploadID); err != nil {
		log.Printf("Failed to delete upload state %s: %v", uploadID, err)
	}

	log.Printf("Resumable upload committed: %s -> %s (file %d)", uploadID, rec.Path, rec.ID)
	return rec, nil
}

// AbortResumable drops the staged chunks and the upload state.
func (c *Coordinator) AbortResumable(ctx context.Context, ownerID int64, uploadID string) error {
	ctx, span := tracer.Start(ctx, "bridge.abort_resumable",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	st, err := c.ephemeral.GetState(ctx, ownerID, uploadID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := c.stager.Discard(ctx, st.StagingPrefix, st.ChunkCount); err != nil {
		c.enqueueJob(ctx, storage.JobOrphanCleanup, map[string]any{
			"owner_id":       ownerID,
			"staging_prefix": st.StagingPrefix,
			"chunk_count":    st.ChunkCount,
		})
	}
	return c.ephemeral.DeleteState(ctx, ownerID, uploadID)
}
