// Package pathresolve classifies virtual paths presented by protocol
// sessions and resolves them to owner-scoped file records. The two
// reserved roots (trash and tag views) are recognized here, before any
// repository access, so a user can never create a real file under a
// reserved name.
package pathresolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/storage"
)

// Reserved top-level segments. Paths under these are never Normal
// file paths, whether or not a record exists there.
const (
	TrashRoot = "/.Trash"
	TagRoot   = "/.Tags"
)

// Kind classifies a virtual path.
type Kind int

const (
	KindNormal Kind = iota
	KindTrashRoot
	KindTrashEntry
	KindTagRoot
	KindTagView
	KindTagEntry
)

// Location is the classification result for one virtual path.
type Location struct {
	Kind Kind
	// Path is the normalized virtual path for KindNormal ("/" for
	// the namespace root).
	Path string
	// TagName is set for KindTagView and KindTagEntry.
	TagName string
	// EntryName is the member name for KindTrashEntry and
	// KindTagEntry.
	EntryName string
}

// Classify normalizes and classifies a virtual path. Traversal
// segments and NUL bytes are rejected as malformed.
func Classify(virtualPath string) (Location, error) {
	if strings.Contains(virtualPath, "\x00") {
		return Location{}, fmt.Errorf("path contains NUL: %w", bridgerr.ErrInvalidOperation)
	}
	for _, seg := range strings.Split(virtualPath, "/") {
		if seg == ".." {
			return Location{}, fmt.Errorf("path traversal rejected: %w", bridgerr.ErrInvalidOperation)
		}
	}

	normalized := Normalize(virtualPath)

	switch {
	case normalized == TrashRoot:
		return Location{Kind: KindTrashRoot}, nil
	case strings.HasPrefix(normalized, TrashRoot+"/"):
		return Location{
			Kind:      KindTrashEntry,
			EntryName: normalized[len(TrashRoot)+1:],
		}, nil
	case normalized == TagRoot:
		return Location{Kind: KindTagRoot}, nil
	case strings.HasPrefix(normalized, TagRoot+"/"):
		rest := normalized[len(TagRoot)+1:]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return Location{
				Kind:      KindTagEntry,
				TagName:   rest[:idx],
				EntryName: rest[idx+1:],
			}, nil
		}
		return Location{Kind: KindTagView, TagName: rest}, nil
	default:
		return Location{Kind: KindNormal, Path: normalized}, nil
	}
}

// Normalize collapses a raw protocol path to the canonical virtual
// form: leading slash, no trailing slash, "/" for the root.
func Normalize(virtualPath string) string {
	trimmed := strings.Trim(virtualPath, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// Parent returns the parent directory of a virtual path, "/" for
// root-level entries.
func Parent(virtualPath string) string {
	normalized := Normalize(virtualPath)
	idx := strings.LastIndexByte(normalized, '/')
	if idx <= 0 {
		return "/"
	}
	return normalized[:idx]
}

// BaseName returns the last segment of a virtual path, "" for the
// root.
func BaseName(virtualPath string) string {
	normalized := Normalize(virtualPath)
	if normalized == "/" {
		return ""
	}
	return normalized[strings.LastIndexByte(normalized, '/')+1:]
}

// Join appends name under parent.
func Join(parent, name string) string {
	if Normalize(parent) == "/" {
		return "/" + strings.Trim(name, "/")
	}
	return Normalize(parent) + "/" + strings.Trim(name, "/")
}

// IsRoot reports whether the path is the namespace root.
func IsRoot(virtualPath string) bool {
	return Normalize(virtualPath) == "/"
}

// StorageKey maps an owner and content id to the blob key layout
// ({ownerID}/{contentID}). Virtual paths never appear in blob keys.
func StorageKey(ownerID int64, contentID string) string {
	return fmt.Sprintf("%d/%s", ownerID, contentID)
}

// Resolver resolves Normal paths against the metadata repository.
type Resolver struct {
	repo storage.MetadataRepository
}

// NewResolver creates a resolver over the given repository.
func NewResolver(repo storage.MetadataRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the live record at path for the owner. Resolution is
// owner-scoped at the repository query level; records of other owners
// are unreachable no matter the path.
func (r *Resolver) Resolve(ctx context.Context, ownerID int64, loc Location) (*models.FileRecord, error) {
	if loc.Kind != KindNormal {
		return nil, fmt.Errorf("cannot resolve virtual location as file: %w", bridgerr.ErrInvalidOperation)
	}
	return r.repo.FindByOwnerAndPath(ctx, ownerID, loc.Path)
}

// ResolveFolder reports whether path denotes an existing collection:
// the root always, otherwise any live record strictly under the
// prefix (folders are implicit; a .folder marker also satisfies this).
func (r *Resolver) ResolveFolder(ctx context.Context, ownerID int64, loc Location) (bool, error) {
	if loc.Kind != KindNormal {
		return false, fmt.Errorf("cannot resolve virtual location as folder: %w", bridgerr.ErrInvalidOperation)
	}
	if loc.Path == "/" {
		return true, nil
	}
	children, err := r.repo.ListByOwnerAndPrefix(ctx, ownerID, loc.Path+"/")
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}
