// Package storagetest provides in-memory fakes of the storage
// collaborators for unit tests. Each fake honors the same taxonomy
// errors as the real clients and supports simple failure injection.
package storagetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
)

// FakeRepo is an in-memory MetadataRepository.
type FakeRepo struct {
	mu     sync.Mutex
	nextID int64

	Files    map[int64]*models.FileRecord
	Tags     map[string]*models.TagBinding // key: owner|name
	FileTags map[int64]map[string]bool
	Quotas   map[int64]*models.QuotaAccount
	Sessions map[string]*models.SessionRecord
	Creds    map[string]*models.Credential

	DefaultLimit int64

	// Failure injection, applied on every call until cleared.
	InsertErr        error
	UpdatePathErr    error
	UpdateContentErr error
	CASQuotaErr      error
	PurgeErr         error
}

// NewFakeRepo returns an empty repository with a 1 GiB default quota.
func NewFakeRepo() *FakeRepo {
	return &FakeRepo{
		Files:        make(map[int64]*models.FileRecord),
		Tags:         make(map[string]*models.TagBinding),
		FileTags:     make(map[int64]map[string]bool),
		Quotas:       make(map[int64]*models.QuotaAccount),
		Sessions:     make(map[string]*models.SessionRecord),
		Creds:        make(map[string]*models.Credential),
		DefaultLimit: 1 << 30,
	}
}

func (f *FakeRepo) tagKey(ownerID int64, tag string) string {
	return fmt.Sprintf("%d|%s", ownerID, tag)
}

func (f *FakeRepo) livePathTaken(ownerID int64, path string, excludeID int64) bool {
	for _, rec := range f.Files {
		if rec.OwnerID == ownerID && rec.Path == path && !rec.Deleted && rec.ID != excludeID {
			return true
		}
	}
	return false
}

func (f *FakeRepo) FindByOwnerAndPath(ctx context.Context, ownerID int64, path string) (*models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.Files {
		if rec.OwnerID == ownerID && rec.Path == path && !rec.Deleted {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, bridgerr.ErrNotFound)
}

func (f *FakeRepo) ListByOwnerAndPrefix(ctx context.Context, ownerID int64, prefix string) ([]*models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.FileRecord
	for _, rec := range f.Files {
		if rec.OwnerID == ownerID && !rec.Deleted && strings.HasPrefix(rec.Path, prefix) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *FakeRepo) FindDeletedByOwner(ctx context.Context, ownerID int64) ([]*models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.FileRecord
	for _, rec := range f.Files {
		if rec.OwnerID == ownerID && rec.Deleted {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.After(out[j].DeletedAt) })
	return out, nil
}

func (f *FakeRepo) FindByOwnerAndTag(ctx context.Context, ownerID int64, tag string) ([]*models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.FileRecord
	for _, rec := range f.Files {
		if rec.OwnerID == ownerID && !rec.Deleted && f.FileTags[rec.ID][tag] {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *FakeRepo) Insert(ctx context.Context, rec *models.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InsertErr != nil {
		return f.InsertErr
	}
	if f.livePathTaken(rec.OwnerID, rec.Path, 0) {
		return fmt.Errorf("insert %s: %w", rec.Path, bridgerr.ErrConflict)
	}
	f.nextID++
	rec.ID = f.nextID
	cp := *rec
	f.Files[rec.ID] = &cp
	return nil
}

func (f *FakeRepo) UpdatePath(ctx context.Context, ownerID, fileID int64, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdatePathErr != nil {
		return f.UpdatePathErr
	}
	rec, ok := f.Files[fileID]
	if !ok || rec.OwnerID != ownerID {
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}
	if !rec.Deleted && f.livePathTaken(ownerID, newPath, fileID) {
		return fmt.Errorf("update path to %s: %w", newPath, bridgerr.ErrConflict)
	}
	rec.Path = newPath
	rec.ModifiedAt = time.Now().UTC()
	return nil
}

func (f *FakeRepo) UpdateContent(ctx context.Context, ownerID, fileID int64, contentKey string, sizeBytes int64, checksum, mimeType string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateContentErr != nil {
		return f.UpdateContentErr
	}
	rec, ok := f.Files[fileID]
	if !ok || rec.OwnerID != ownerID || rec.Deleted {
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}
	rec.ContentKey = contentKey
	rec.SizeBytes = sizeBytes
	rec.ChecksumSHA = checksum
	rec.MimeType = mimeType
	rec.ModifiedAt = at
	return nil
}

func (f *FakeRepo) MarkDeleted(ctx context.Context, ownerID, fileID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Files[fileID]
	if !ok || rec.OwnerID != ownerID || rec.Deleted {
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}
	rec.Deleted = true
	rec.DeletedAt = at
	rec.ModifiedAt = at
	return nil
}

func (f *FakeRepo) ClearDeleted(ctx context.Context, ownerID, fileID int64, restoredPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Files[fileID]
	if !ok || rec.OwnerID != ownerID || !rec.Deleted {
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}
	if f.livePathTaken(ownerID, restoredPath, fileID) {
		return fmt.Errorf("restore to %s: %w", restoredPath, bridgerr.ErrConflict)
	}
	rec.Deleted = false
	rec.DeletedAt = time.Time{}
	rec.Path = restoredPath
	rec.ModifiedAt = time.Now().UTC()
	return nil
}

func (f *FakeRepo) Purge(ctx context.Context, ownerID, fileID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PurgeErr != nil {
		return f.PurgeErr
	}
	rec, ok := f.Files[fileID]
	if !ok || rec.OwnerID != ownerID {
		return fmt.Errorf("file %d: %w", fileID, bridgerr.ErrNotFound)
	}
	delete(f.Files, fileID)
	delete(f.FileTags, fileID)
	return nil
}

func (f *FakeRepo) ListTags(ctx context.Context, ownerID int64) ([]*models.TagBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TagBinding
	for _, tag := range f.Tags {
		if tag.OwnerID == ownerID {
			cp := *tag
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeRepo) BindTag(ctx context.Context, ownerID, fileID int64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.tagKey(ownerID, tag)
	if _, ok := f.Tags[key]; !ok {
		f.Tags[key] = &models.TagBinding{OwnerID: ownerID, Name: tag, CreatedAt: time.Now().UTC()}
	}
	if f.FileTags[fileID] == nil {
		f.FileTags[fileID] = make(map[string]bool)
	}
	f.FileTags[fileID][tag] = true
	return nil
}

func (f *FakeRepo) UnbindTag(ctx context.Context, ownerID, fileID int64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.FileTags[fileID][tag] {
		return fmt.Errorf("tag %s on file %d: %w", tag, fileID, bridgerr.ErrNotFound)
	}
	delete(f.FileTags[fileID], tag)
	return nil
}

func (f *FakeRepo) DeleteTag(ctx context.Context, ownerID int64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.tagKey(ownerID, tag)
	if _, ok := f.Tags[key]; !ok {
		return fmt.Errorf("tag %s: %w", tag, bridgerr.ErrNotFound)
	}
	delete(f.Tags, key)
	for _, tags := range f.FileTags {
		delete(tags, tag)
	}
	return nil
}

func (f *FakeRepo) quota(ownerID int64) *models.QuotaAccount {
	q, ok := f.Quotas[ownerID]
	if !ok {
		q = &models.QuotaAccount{OwnerID: ownerID, LimitBytes: f.DefaultLimit}
		f.Quotas[ownerID] = q
	}
	return q
}

func (f *FakeRepo) CASQuota(ctx context.Context, ownerID, delta int64, enforceLimit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CASQuotaErr != nil {
		return f.CASQuotaErr
	}
	q := f.quota(ownerID)
	if delta >= 0 && enforceLimit && q.UsedBytes+delta > q.LimitBytes {
		return fmt.Errorf("reserve %d bytes for owner %d: %w", delta, ownerID, bridgerr.ErrQuotaExceeded)
	}
	q.UsedBytes += delta
	if q.UsedBytes < 0 {
		q.UsedBytes = 0
	}
	return nil
}

func (f *FakeRepo) GetQuota(ctx context.Context, ownerID int64) (*models.QuotaAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.quota(ownerID)
	return &cp, nil
}

func (f *FakeRepo) InsertSessionIfUnder(ctx context.Context, rec *models.SessionRecord, ceiling int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := 0
	for _, s := range f.Sessions {
		if s.OwnerID == rec.OwnerID {
			live++
		}
	}
	if live >= ceiling {
		return fmt.Errorf("owner %d at %d sessions: %w", rec.OwnerID, ceiling, bridgerr.ErrConcurrencyLimitExceeded)
	}
	cp := *rec
	f.Sessions[rec.SessionID] = &cp
	return nil
}

func (f *FakeRepo) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %.8s: %w", sessionID, bridgerr.ErrNotFound)
	}
	s.LastActivity = at
	return nil
}

func (f *FakeRepo) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Sessions, sessionID)
	return nil
}

func (f *FakeRepo) DeleteIdleSessions(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.Sessions {
		if s.OwnerID == ownerID && s.LastActivity.Before(cutoff) {
			delete(f.Sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *FakeRepo) FindCredentialByUsername(ctx context.Context, username string) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.Creds[username]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", username, bridgerr.ErrUnauthorized)
	}
	cp := *cred
	return &cp, nil
}

// FakeBlob is an in-memory BlobStore.
type FakeBlob struct {
	mu      sync.Mutex
	Objects map[string][]byte

	PutErr    error
	DeleteErr error
	CopyErr   error
}

// NewFakeBlob returns an empty blob store.
func NewFakeBlob() *FakeBlob {
	return &FakeBlob{Objects: make(map[string][]byte)}
}

func (b *FakeBlob) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PutErr != nil {
		return "", b.PutErr
	}
	b.Objects[key] = data
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (b *FakeBlob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.Objects[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, bridgerr.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *FakeBlob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DeleteErr != nil {
		return b.DeleteErr
	}
	delete(b.Objects, key)
	return nil
}

func (b *FakeBlob) Copy(ctx context.Context, srcKey, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CopyErr != nil {
		return b.CopyErr
	}
	data, ok := b.Objects[srcKey]
	if !ok {
		return fmt.Errorf("blob %s: %w", srcKey, bridgerr.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.Objects[dstKey] = cp
	return nil
}

func (b *FakeBlob) Presign(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blobs.invalid/%s?expires=%d", key, int64(ttl.Seconds())), nil
}

// FakeEphemeral is an in-memory EphemeralStore. TTLs are not enforced
// automatically; tests call Expire to simulate expiry, and set
// Unavailable to simulate the store being down.
type FakeEphemeral struct {
	mu     sync.Mutex
	States map[string]*models.PartialUploadState

	Unavailable bool
}

// NewFakeEphemeral returns an empty ephemeral store.
func NewFakeEphemeral() *FakeEphemeral {
	return &FakeEphemeral{States: make(map[string]*models.PartialUploadState)}
}

func (e *FakeEphemeral) key(ownerID int64, uploadID string) string {
	return fmt.Sprintf("%d:%s", ownerID, uploadID)
}

func (e *FakeEphemeral) PutState(ctx context.Context, st *models.PartialUploadState, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Unavailable {
		return fmt.Errorf("put upload state: %w", bridgerr.ErrBackendUnavailable)
	}
	cp := *st
	e.States[e.key(st.OwnerID, st.UploadID)] = &cp
	return nil
}

func (e *FakeEphemeral) GetState(ctx context.Context, ownerID int64, uploadID string) (*models.PartialUploadState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Unavailable {
		return nil, fmt.Errorf("get upload state: %w", bridgerr.ErrBackendUnavailable)
	}
	st, ok := e.States[e.key(ownerID, uploadID)]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", uploadID, bridgerr.ErrPartialUploadExpired)
	}
	cp := *st
	return &cp, nil
}

func (e *FakeEphemeral) AppendChunk(ctx context.Context, ownerID int64, uploadID string, bytes int64) (*models.PartialUploadState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Unavailable {
		return nil, fmt.Errorf("append chunk: %w", bridgerr.ErrBackendUnavailable)
	}
	st, ok := e.States[e.key(ownerID, uploadID)]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", uploadID, bridgerr.ErrPartialUploadExpired)
	}
	st.ReceivedBytes += bytes
	st.ChunkCount++
	cp := *st
	return &cp, nil
}

func (e *FakeEphemeral) DeleteState(ctx context.Context, ownerID int64, uploadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Unavailable {
		return fmt.Errorf("delete upload state: %w", bridgerr.ErrBackendUnavailable)
	}
	delete(e.States, e.key(ownerID, uploadID))
	return nil
}

// Expire drops a state record as if its TTL had passed.
func (e *FakeEphemeral) Expire(ownerID int64, uploadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.States, e.key(ownerID, uploadID))
}

// EnqueuedJob is one recorded Enqueue call.
type EnqueuedJob struct {
	Kind    string
	Payload any
}

// FakeQueue records enqueued jobs.
type FakeQueue struct {
	mu   sync.Mutex
	Jobs []EnqueuedJob
}

// NewFakeQueue returns an empty queue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{}
}

func (q *FakeQueue) Enqueue(ctx context.Context, kind string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Jobs = append(q.Jobs, EnqueuedJob{Kind: kind, Payload: payload})
	return nil
}

// Kinds returns the kinds of all enqueued jobs in order.
func (q *FakeQueue) Kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.Jobs))
	for i, j := range q.Jobs {
		out[i] = j.Kind
	}
	return out
}
