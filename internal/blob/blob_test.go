package blob

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	file, err := store.UploadFile(ctx, "doc-1", "../specs/manual.pdf", strings.NewReader("pdf"), 3, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "documents/doc-1/files/manual.pdf", file.Key)

	url, err := store.UploadThumbnail(ctx, "doc-1", strings.NewReader("png"), 3, "image/png")
	require.NoError(t, err)
	assert.Contains(t, url, "documents/doc-1/thumbnail")

	_, err = store.UploadFile(ctx, "doc-10", "other.txt", strings.NewReader("x"), 1, "text/plain")
	require.NoError(t, err)

	files, err := store.ListFiles(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, files, 2)

	for _, f := range files {
		require.NoError(t, store.DeleteFile(ctx, f.Key))
	}
	files, err = store.ListFiles(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = store.ListFiles(ctx, "doc-10")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryDeleteMissing(t *testing.T) {
	assert.ErrorIs(t, NewMemory().DeleteFile(context.Background(), "nope"), ErrNotFound)
}

func TestMinIOStore(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("CATALOG_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("CATALOG_TEST_MINIO_ENDPOINT is not set")
	}
	store, err := NewMinIO(context.Background(), MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("CATALOG_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("CATALOG_TEST_MINIO_SECRET_KEY"),
		Bucket:    "catalog-test",
	})
	require.NoError(t, err)
	exercise(t, store)
}
