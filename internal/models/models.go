package models

import "time"

// FileRecord is the authoritative metadata for one stored file.
// The virtual path is unique per owner among non-deleted records;
// a soft-deleted record may share a path with a live one, and the
// live record always wins on resolution.
type FileRecord struct {
	ID           int64     `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Path         string    `json:"path"`        // virtual path, e.g. /documents/report.pdf
	ContentKey   string    `json:"content_key"` // opaque blob store key, independent of Path
	SizeBytes    int64     `json:"size_bytes"`
	ChecksumSHA  string    `json:"checksum_sha256"`
	MimeType     string    `json:"mime_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	ModifiedAt   time.Time `json:"modified_at"`
	OriginalTime time.Time `json:"original_time"` // client-preserved mtime, if supplied
	Deleted      bool      `json:"deleted"`
	DeletedAt    time.Time `json:"deleted_at"`
	Tags         []string  `json:"tags,omitempty"`
}

// Name returns the last path segment of the virtual path.
func (f *FileRecord) Name() string {
	for i := len(f.Path) - 1; i >= 0; i-- {
		if f.Path[i] == '/' {
			return f.Path[i+1:]
		}
	}
	return f.Path
}

// TagBinding is a user-scoped tag definition. Deleting a binding
// never touches file content.
type TagBinding struct {
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`      // hex color for UI display, e.g. #FF5733
	LabelCode int       `json:"label_code"` // optional platform label code, 0 if unset
	CreatedAt time.Time `json:"created_at"`
}

// QuotaAccount tracks one owner's byte budget. UsedBytes stays within
// [0, LimitBytes]; only the reserve path may be refused on overflow.
type QuotaAccount struct {
	OwnerID    int64 `json:"owner_id"`
	LimitBytes int64 `json:"limit_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// AvailableBytes returns the remaining budget, never negative.
func (q *QuotaAccount) AvailableBytes() int64 {
	if avail := q.LimitBytes - q.UsedBytes; avail > 0 {
		return avail
	}
	return 0
}

// SessionRecord is one live protocol session for an owner.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	OwnerID      int64     `json:"owner_id"`
	CredentialID int64     `json:"credential_id"`
	ClientIP     string    `json:"client_ip"`
	UserAgent    string    `json:"user_agent"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Credential is a protocol-scoped credential issued by the external
// account system. The bridge only validates it, never issues it.
type Credential struct {
	ID           int64  `json:"id"`
	OwnerID      int64  `json:"owner_id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // bcrypt
	Revoked      bool   `json:"revoked"`
}

// PartialUploadState is the ephemeral record for a resumable upload.
// It lives only in the ephemeral store; once its TTL passes the upload
// must restart from zero.
type PartialUploadState struct {
	OwnerID       int64     `json:"owner_id"`
	UploadID      string    `json:"upload_id"`
	TargetPath    string    `json:"target_path"`
	DeclaredBytes int64     `json:"declared_bytes"`
	ReceivedBytes int64     `json:"received_bytes"`
	ChunkCount    int       `json:"chunk_count"`
	StagingPrefix string    `json:"staging_prefix"` // blob key prefix for staged chunks
	ExpiresAt     time.Time `json:"expires_at"`
}

// EntryKind distinguishes listing entry types.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryFolder
)

// Entry is one row of a directory listing, real or synthesized.
type Entry struct {
	Name       string    `json:"name"`
	Kind       EntryKind `json:"kind"`
	SizeBytes  int64     `json:"size_bytes"`
	MimeType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}
