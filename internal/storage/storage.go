package storage

import (
	"context"
	"io"
	"time"

	"github.com/maneesh/drivebridge/internal/models"
)

// MetadataRepository is the authoritative store for file records,
// tags, quota counters, sessions and credentials. Every query is
// owner-scoped by construction; no method accepts a cross-owner
// filter.
type MetadataRepository interface {
	// File records. Find/List methods see live (non-deleted) records
	// only unless named otherwise.
	FindByOwnerAndPath(ctx context.Context, ownerID int64, path string) (*models.FileRecord, error)
	ListByOwnerAndPrefix(ctx context.Context, ownerID int64, prefix string) ([]*models.FileRecord, error)
	FindDeletedByOwner(ctx context.Context, ownerID int64) ([]*models.FileRecord, error)
	FindByOwnerAndTag(ctx context.Context, ownerID int64, tag string) ([]*models.FileRecord, error)
	Insert(ctx context.Context, rec *models.FileRecord) error
	UpdatePath(ctx context.Context, ownerID, fileID int64, newPath string) error
	// UpdateContent swaps a live record's content columns in place;
	// path and identity stay untouched.
	UpdateContent(ctx context.Context, ownerID, fileID int64, contentKey string, sizeBytes int64, checksum, mimeType string, at time.Time) error
	MarkDeleted(ctx context.Context, ownerID, fileID int64, at time.Time) error
	ClearDeleted(ctx context.Context, ownerID, fileID int64, restoredPath string) error
	Purge(ctx context.Context, ownerID, fileID int64) error

	// Tags.
	ListTags(ctx context.Context, ownerID int64) ([]*models.TagBinding, error)
	BindTag(ctx context.Context, ownerID, fileID int64, tag string) error
	UnbindTag(ctx context.Context, ownerID, fileID int64, tag string) error
	DeleteTag(ctx context.Context, ownerID int64, tag string) error

	// Quota. CASQuota applies delta atomically; with enforceLimit it
	// refuses the update when used+delta would exceed the limit.
	// Negative deltas clamp at zero.
	CASQuota(ctx context.Context, ownerID, delta int64, enforceLimit bool) error
	GetQuota(ctx context.Context, ownerID int64) (*models.QuotaAccount, error)

	// Sessions. InsertSessionIfUnder creates the record only while the
	// owner's live count is below ceiling, atomically.
	InsertSessionIfUnder(ctx context.Context, rec *models.SessionRecord, ceiling int) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteIdleSessions(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error)

	// Credentials (validation only; issuance is external).
	FindCredentialByUsername(ctx context.Context, username string) (*models.Credential, error)
}

// BlobStore is the content-addressed object store. Keys are opaque and
// independent of virtual paths.
type BlobStore interface {
	// Put streams content under key and returns its hex SHA256.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Presign issues a time-limited direct download URL so large
	// transfers bypass the bridge.
	Presign(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
}

// EphemeralStore holds PartialUploadState with TTL expiry. Absence of
// a record means the upload must restart from zero.
type EphemeralStore interface {
	PutState(ctx context.Context, st *models.PartialUploadState, ttl time.Duration) error
	GetState(ctx context.Context, ownerID int64, uploadID string) (*models.PartialUploadState, error)
	AppendChunk(ctx context.Context, ownerID int64, uploadID string, bytes int64) (*models.PartialUploadState, error)
	DeleteState(ctx context.Context, ownerID int64, uploadID string) error
}

// JobEnqueuer hands work to background collaborators. Fire-and-forget:
// the bridge never waits on job completion.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// Job kinds consumed by the background workers.
const (
	JobThumbnail     = "thumbnail"
	JobBlobResync    = "blob_resync"
	JobOrphanCleanup = "orphan_cleanup"
	JobTrashSweep    = "trash_sweep"
)
