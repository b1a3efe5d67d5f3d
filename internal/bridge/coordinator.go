// Package bridge is the transaction coordinator. Every multi-store
// operation runs here as an ordered sequence of steps with explicit
// compensation, so a failure at any step leaves no user-visible
// half-state: at worst an orphaned blob or an over-counted quota
// remains, and both are repaired by background jobs.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/chunker"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/naming"
	"github.com/maneesh/drivebridge/internal/pathresolve"
	"github.com/maneesh/drivebridge/internal/quota"
	"github.com/maneesh/drivebridge/internal/storage"
	"github.com/maneesh/drivebridge/internal/vfolder"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("drivebridge-bridge")

// commitAttempts bounds the disambiguation retry when concurrent
// writers race for the same target name.
const commitAttempts = 3

// Options tune the coordinator's transfer behavior. Zero values select
// the defaults.
type Options struct {
	// PresignThresholdBytes switches downloads at or above this size
	// from streaming through the bridge to a presigned redirect.
	PresignThresholdBytes int64
	// PresignTTL is the lifetime of presigned download URLs.
	PresignTTL time.Duration
	// ResumableThresholdBytes is the declared size at or above which an
	// upload must go through the resumable path.
	ResumableThresholdBytes int64
	// UploadTTL is how long partial upload state survives without
	// progress.
	UploadTTL time.Duration
}

const (
	defaultPresignThreshold   = 32 << 20
	defaultPresignTTL         = 15 * time.Minute
	defaultResumableThreshold = 64 << 20
	defaultUploadTTL          = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.PresignThresholdBytes <= 0 {
		o.PresignThresholdBytes = defaultPresignThreshold
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = defaultPresignTTL
	}
	if o.ResumableThresholdBytes <= 0 {
		o.ResumableThresholdBytes = defaultResumableThreshold
	}
	if o.UploadTTL <= 0 {
		o.UploadTTL = defaultUploadTTL
	}
	return o
}

// Coordinator sequences operations across the metadata repository, the
// blob store, the ephemeral store and the job queue.
type Coordinator struct {
	repo      storage.MetadataRepository
	blobs     storage.BlobStore
	ephemeral storage.EphemeralStore
	queue     storage.JobEnqueuer
	quota     *quota.Enforcer
	vfolders  *vfolder.Provider
	stager    *chunker.Stager
	resolver  *pathresolve.Resolver
	opts      Options
	now       func() time.Time
}

// NewCoordinator wires the coordinator over its collaborators.
func NewCoordinator(
	repo storage.MetadataRepository,
	blobs storage.BlobStore,
	ephemeral storage.EphemeralStore,
	queue storage.JobEnqueuer,
	enforcer *quota.Enforcer,
	opts Options,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		blobs:     blobs,
		ephemeral: ephemeral,
		queue:     queue,
		quota:     enforcer,
		vfolders:  vfolder.NewProvider(repo),
		stager:    chunker.NewStager(blobs),
		resolver:  pathresolve.NewResolver(repo),
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// Quota returns the owner's current account for reporting.
func (c *Coordinator) Quota(ctx context.Context, ownerID int64) (*models.QuotaAccount, error) {
	return c.quota.Usage(ctx, ownerID)
}

// Stat describes a single location: a file entry, a synthesized folder
// entry, or NotFound.
func (c *Coordinator) Stat(ctx context.Context, ownerID int64, loc pathresolve.Location) (*models.Entry, error) {
	switch loc.Kind {
	case pathresolve.KindNormal:
		if rec, err := c.resolver.Resolve(ctx, ownerID, loc); err == nil {
			if rec.Name() == naming.FolderMarker {
				return folderEntry(pathresolve.BaseName(pathresolve.Parent(rec.Path)), rec.ModifiedAt), nil
			}
			return fileEntry(rec.Name(), rec), nil
		}
		exists, err := c.resolver.ResolveFolder(ctx, ownerID, loc)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%s: %w", loc.Path, bridgerr.ErrNotFound)
		}
		return folderEntry(pathresolve.BaseName(loc.Path), time.Time{}), nil
	case pathresolve.KindTrashRoot:
		return folderEntry(pathresolve.BaseName(pathresolve.TrashRoot), time.Time{}), nil
	case pathresolve.KindTrashEntry:
		rec, err := c.vfolders.ResolveTrashEntry(ctx, ownerID, loc.EntryName)
		if err != nil {
			return nil, err
		}
		return fileEntry(loc.EntryName, rec), nil
	case pathresolve.KindTagRoot:
		return folderEntry(pathresolve.BaseName(pathresolve.TagRoot), time.Time{}), nil
	case pathresolve.KindTagView:
		tags, err := c.repo.ListTags(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		for _, tag := range tags {
			if tag.Name == loc.TagName {
				return folderEntry(tag.Name, tag.CreatedAt), nil
			}
		}
		return nil, fmt.Errorf("tag %s: %w", loc.TagName, bridgerr.ErrNotFound)
	case pathresolve.KindTagEntry:
		rec, err := c.vfolders.ResolveTagEntry(ctx, ownerID, loc.TagName, loc.EntryName)
		if err != nil {
			return nil, err
		}
		return fileEntry(loc.EntryName, rec), nil
	}
	return nil, bridgerr.ErrInvalidOperation
}

// List returns the depth-1 children of a location. The namespace root
// additionally carries the two virtual folders; hidden platform
// sentinels never appear.
func (c *Coordinator) List(ctx context.Context, ownerID int64, loc pathresolve.Location) ([]*models.Entry, error) {
	ctx, span := tracer.Start(ctx, "bridge.list")
	defer span.End()

	switch loc.Kind {
	case pathresolve.KindNormal:
		entries, err := c.listFolder(ctx, ownerID, loc.Path)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if pathresolve.IsRoot(loc.Path) {
			entries = append(entries,
				folderEntry(pathresolve.BaseName(pathresolve.TrashRoot), time.Time{}),
				folderEntry(pathresolve.BaseName(pathresolve.TagRoot), time.Time{}),
			)
		}
		return entries, nil
	case pathresolve.KindTrashRoot:
		return c.vfolders.ListTrash(ctx, ownerID)
	case pathresolve.KindTagRoot:
		return c.vfolders.ListTagRoot(ctx, ownerID)
	case pathresolve.KindTagView:
		return c.vfolders.ListTagView(ctx, ownerID, loc.TagName)
	default:
		return nil, fmt.Errorf("cannot list location: %w", bridgerr.ErrInvalidOperation)
	}
}

func (c *Coordinator) listFolder(ctx context.Context, ownerID int64, path string) ([]*models.Entry, error) {
	prefix := "/"
	if !pathresolve.IsRoot(path) {
		exists, err := c.resolver.ResolveFolder(ctx, ownerID, pathresolve.Location{Kind: pathresolve.KindNormal, Path: path})
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%s: %w", path, bridgerr.ErrNotFound)
		}
		prefix = path + "/"
	}

	records, err := c.repo.ListByOwnerAndPrefix(ctx, ownerID, prefix)
	if err != nil {
		return nil, err
	}

	var entries []*models.Entry
	folders := make(map[string]time.Time)
	for _, rec := range records {
		rel := strings.TrimPrefix(rec.Path, prefix)
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			name := rel[:idx]
			if rec.ModifiedAt.After(folders[name]) {
				folders[name] = rec.ModifiedAt
			}
			continue
		}
		if naming.IsHidden(rel) {
			continue
		}
		entries = append(entries, fileEntry(rel, rec))
	}
	for name, modified := range folders {
		entries = append(entries, folderEntry(name, modified))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// siblingNames returns the live child names directly under parent,
// used for commit-time disambiguation.
func (c *Coordinator) siblingNames(ctx context.Context, ownerID int64, parent string) (map[string]bool, error) {
	prefix := "/"
	if !pathresolve.IsRoot(parent) {
		prefix = parent + "/"
	}
	records, err := c.repo.ListByOwnerAndPrefix(ctx, ownerID, prefix)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(records))
	for _, rec := range records {
		rel := strings.TrimPrefix(rec.Path, prefix)
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			taken[rel[:idx]] = true
			continue
		}
		taken[rel] = true
	}
	return taken, nil
}

// enqueueJob hands work to the background queue, fire-and-forget. A
// queue failure is logged, never surfaced; no user-visible operation
// depends on job delivery.
func (c *Coordinator) enqueueJob(ctx context.Context, kind string, payload any) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Enqueue(ctx, kind, payload); err != nil {
		log.Printf("Failed to enqueue %s job: %v", kind, err)
	}
}

func fileEntry(name string, rec *models.FileRecord) *models.Entry {
	return &models.Entry{
		Name:       name,
		Kind:       models.EntryFile,
		SizeBytes:  rec.SizeBytes,
		MimeType:   rec.MimeType,
		CreatedAt:  rec.UploadedAt,
		ModifiedAt: rec.ModifiedAt,
	}
}

func folderEntry(name string, modified time.Time) *models.Entry {
	return &models.Entry{
		Name:       name,
		Kind:       models.EntryFolder,
		ModifiedAt: modified,
	}
}
