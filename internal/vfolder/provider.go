// Package vfolder synthesizes the virtual folders: the trash listing
// built from soft-deleted records and the tag views built from tag
// bindings. Nothing here owns file bytes; destructive flows resolve
// an entry through this package and then run through the transaction
// coordinator.
package vfolder

import (
	"context"
	"fmt"
	"sort"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/naming"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("drivebridge-vfolder")

// Provider lists virtual folders and resolves their entries.
type Provider struct {
	repo storage.MetadataRepository
}

// NewProvider creates a provider over the given repository.
func NewProvider(repo storage.MetadataRepository) *Provider {
	return &Provider{repo: repo}
}

// trashView returns deleted records paired with their display names.
// Records deleted earlier keep their plain pre-deletion name; later
// deletions of the same name get a numbered variant. The assignment is
// deterministic so resolution by display name is stable across calls.
func (p *Provider) trashView(ctx context.Context, ownerID int64) ([]*models.FileRecord, []string, error) {
	records, err := p.repo.FindDeletedByOwner(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].DeletedAt.Equal(records[j].DeletedAt) {
			return records[i].DeletedAt.Before(records[j].DeletedAt)
		}
		return records[i].ID < records[j].ID
	})

	taken := make(map[string]bool, len(records))
	names := make([]string, len(records))
	for i, rec := range records {
		name := naming.NextAvailableName(taken, rec.Name())
		taken[name] = true
		names[i] = name
	}
	return records, names, nil
}

// ListTrash lists the trash folder. Display names are the pre-deletion
// base names, re-disambiguated among trash entries on collision.
func (p *Provider) ListTrash(ctx context.Context, ownerID int64) ([]*models.Entry, error) {
	ctx, span := tracer.Start(ctx, "vfolder.list_trash",
		trace.WithAttributes(attribute.Int64("owner_id", ownerID)),
	)
	defer span.End()

	records, names, err := p.trashView(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	entries := make([]*models.Entry, len(records))
	for i, rec := range records {
		entries[i] = &models.Entry{
			Name:       names[i],
			Kind:       models.EntryFile,
			SizeBytes:  rec.SizeBytes,
			MimeType:   rec.MimeType,
			CreatedAt:  rec.UploadedAt,
			ModifiedAt: rec.DeletedAt,
		}
	}
	return entries, nil
}

// ResolveTrashEntry maps a trash display name back to its record.
func (p *Provider) ResolveTrashEntry(ctx context.Context, ownerID int64, name string) (*models.FileRecord, error) {
	records, names, err := p.trashView(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i, display := range names {
		if display == name {
			return records[i], nil
		}
	}
	return nil, fmt.Errorf("trash entry %s: %w", name, bridgerr.ErrNotFound)
}

// ListTagRoot lists the distinct tags as synthetic folders.
func (p *Provider) ListTagRoot(ctx context.Context, ownerID int64) ([]*models.Entry, error) {
	tags, err := p.repo.ListTags(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	entries := make([]*models.Entry, len(tags))
	for i, tag := range tags {
		entries[i] = &models.Entry{
			Name:       tag.Name,
			Kind:       models.EntryFolder,
			CreatedAt:  tag.CreatedAt,
			ModifiedAt: tag.CreatedAt,
		}
	}
	return entries, nil
}

// tagView returns the live records carrying a tag with stable display
// names; files from different folders may share a base name, so the
// path order decides who keeps the plain one.
func (p *Provider) tagView(ctx context.Context, ownerID int64, tag string) ([]*models.FileRecord, []string, error) {
	records, err := p.repo.FindByOwnerAndTag(ctx, ownerID, tag)
	if err != nil {
		return nil, nil, err
	}
	taken := make(map[string]bool, len(records))
	names := make([]string, len(records))
	for i, rec := range records {
		name := naming.NextAvailableName(taken, rec.Name())
		taken[name] = true
		names[i] = name
	}
	return records, names, nil
}

// ListTagView lists the files carrying one tag.
func (p *Provider) ListTagView(ctx context.Context, ownerID int64, tag string) ([]*models.Entry, error) {
	ctx, span := tracer.Start(ctx, "vfolder.list_tag_view",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("tag", tag),
		),
	)
	defer span.End()

	records, names, err := p.tagView(ctx, ownerID, tag)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	entries := make([]*models.Entry, len(records))
	for i, rec := range records {
		entries[i] = &models.Entry{
			Name:       names[i],
			Kind:       models.EntryFile,
			SizeBytes:  rec.SizeBytes,
			MimeType:   rec.MimeType,
			CreatedAt:  rec.UploadedAt,
			ModifiedAt: rec.ModifiedAt,
		}
	}
	return entries, nil
}

// ResolveTagEntry maps a tag-view display name to its record.
func (p *Provider) ResolveTagEntry(ctx context.Context, ownerID int64, tag, name string) (*models.FileRecord, error) {
	records, names, err := p.tagView(ctx, ownerID, tag)
	if err != nil {
		return nil, err
	}
	for i, display := range names {
		if display == name {
			return records[i], nil
		}
	}
	return nil, fmt.Errorf("tag entry %s/%s: %w", tag, name, bridgerr.ErrNotFound)
}

// Unbind removes a file from a tag view. The file itself is untouched;
// deleting inside a tag view never deletes content.
func (p *Provider) Unbind(ctx context.Context, ownerID int64, tag, name string) error {
	ctx, span := tracer.Start(ctx, "vfolder.unbind",
		trace.WithAttributes(
			attribute.Int64("owner_id", ownerID),
			attribute.String("tag", tag),
		),
	)
	defer span.End()

	rec, err := p.ResolveTagEntry(ctx, ownerID, tag, name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := p.repo.UnbindTag(ctx, ownerID, rec.ID, tag); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
