//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

// TestS3ChunkStoreAgainstMinIO spins up a real MinIO container and exercises
// Put/Get/Delete through S3ChunkStore. Gated behind the "integration" build
// tag the way the teacher gates its own container-backed suites, since it
// needs Docker.
func TestS3ChunkStoreAgainstMinIO(t *testing.T) {
	ctx := context.Background()

	container, err := minio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	cfg := S3Config{
		Region:    "us-east-1",
		Endpoint:  "http://" + endpoint,
		Provider:  "minio",
		AccessKey: container.Username,
		SecretKey: container.Password,
		Bucket:    "chunks",
	}
	s3store, err := NewS3ChunkStore(ctx, cfg)
	require.NoError(t, err)

	var key Key
	key[0] = 0x42
	require.NoError(t, s3store.Put(ctx, key, []byte("chunk-bytes")))

	got, err := s3store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk-bytes"), got)

	require.NoError(t, s3store.Delete(ctx, key))
	_, err = s3store.Get(ctx, key)
	require.ErrorIs(t, err, ErrMissing)
}
