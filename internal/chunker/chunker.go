// Package chunker stages resumable upload bodies as numbered chunk
// objects in the blob store and reassembles them into one stream at
// completion. Staged chunks live under the upload's staging prefix and
// never collide with committed content keys.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/maneesh/drivebridge/internal/storage"
)

// ChunkKey returns the blob key for chunk index under a staging
// prefix. Indexes are zero-padded so lexical order is chunk order.
func ChunkKey(prefix string, index int) string {
	return fmt.Sprintf("%s/%06d", prefix, index)
}

// Stager writes and collects staged chunks.
type Stager struct {
	blobs storage.BlobStore
}

// NewStager creates a stager over the given blob store.
func NewStager(blobs storage.BlobStore) *Stager {
	return &Stager{blobs: blobs}
}

// StageChunk stores one request body as chunk index under prefix and
// returns the chunk's hex SHA256.
func (s *Stager) StageChunk(ctx context.Context, prefix string, index int, r io.Reader, size int64) (string, error) {
	hash, err := s.blobs.Put(ctx, ChunkKey(prefix, index), r, size, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("stage chunk %d: %w", index, err)
	}
	return hash, nil
}

// Assemble returns a reader over the staged chunks in order. Chunks
// are fetched lazily, one at a time, so assembly never buffers the
// whole upload in memory.
func (s *Stager) Assemble(ctx context.Context, prefix string, count int) io.ReadCloser {
	return &assembly{ctx: ctx, stager: s, prefix: prefix, count: count}
}

// Discard deletes the staged chunks. Missing chunks are ignored; the
// prefix may already be partially cleaned.
func (s *Stager) Discard(ctx context.Context, prefix string, count int) error {
	var firstErr error
	for i := 0; i < count; i++ {
		if err := s.blobs.Delete(ctx, ChunkKey(prefix, i)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("discard chunk %d: %w", i, err)
		}
	}
	return firstErr
}

type assembly struct {
	ctx     context.Context
	stager  *Stager
	prefix  string
	count   int
	index   int
	current io.ReadCloser
}

func (a *assembly) Read(p []byte) (int, error) {
	for {
		if a.current == nil {
			if a.index >= a.count {
				return 0, io.EOF
			}
			rc, err := a.stager.blobs.Get(a.ctx, ChunkKey(a.prefix, a.index))
			if err != nil {
				return 0, fmt.Errorf("assemble chunk %d: %w", a.index, err)
			}
			a.current = rc
		}
		n, err := a.current.Read(p)
		if err == io.EOF {
			a.current.Close()
			a.current = nil
			a.index++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (a *assembly) Close() error {
	if a.current != nil {
		err := a.current.Close()
		a.current = nil
		return err
	}
	return nil
}

// ComputeHash returns the hex SHA256 of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether data matches the expected hex SHA256.
func VerifyHash(data []byte, expected string) bool {
	return ComputeHash(data) == expected
}
