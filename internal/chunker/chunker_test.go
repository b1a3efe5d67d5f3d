package chunker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/maneesh/drivebridge/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkKeyOrdering(t *testing.T) {
	assert.Equal(t, "stage/u1/000000", ChunkKey("stage/u1", 0))
	assert.Equal(t, "stage/u1/000042", ChunkKey("stage/u1", 42))
	assert.Less(t, ChunkKey("stage/u1", 9), ChunkKey("stage/u1", 10))
}

func TestStageAndAssemble(t *testing.T) {
	blobs := storagetest.NewFakeBlob()
	stager := NewStager(blobs)
	ctx := context.Background()

	parts := []string{"hello ", "resumable ", "world"}
	for i, part := range parts {
		hash, err := stager.StageChunk(ctx, "stage/u1", i, strings.NewReader(part), int64(len(part)))
		require.NoError(t, err)
		assert.Equal(t, ComputeHash([]byte(part)), hash)
	}

	rc := stager.Assemble(ctx, "stage/u1", len(parts))
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello resumable world", string(got))
}

func TestAssembleEmpty(t *testing.T) {
	stager := NewStager(storagetest.NewFakeBlob())
	rc := stager.Assemble(context.Background(), "stage/u1", 0)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssembleMissingChunk(t *testing.T) {
	blobs := storagetest.NewFakeBlob()
	stager := NewStager(blobs)
	ctx := context.Background()

	_, err := stager.StageChunk(ctx, "stage/u1", 0, bytes.NewReader([]byte("a")), 1)
	require.NoError(t, err)

	// Chunk 1 was never staged; assembly of two chunks must fail
	// rather than produce a short stream.
	rc := stager.Assemble(ctx, "stage/u1", 2)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	blobs := storagetest.NewFakeBlob()
	stager := NewStager(blobs)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := stager.StageChunk(ctx, "stage/u1", i, bytes.NewReader([]byte{byte(i)}), 1)
		require.NoError(t, err)
	}
	require.NoError(t, stager.Discard(ctx, "stage/u1", 3))
	assert.Empty(t, blobs.Objects)
}

func TestVerifyHash(t *testing.T) {
	data := []byte("payload")
	assert.True(t, VerifyHash(data, ComputeHash(data)))
	assert.False(t, VerifyHash(data, ComputeHash([]byte("other"))))
}
