package mutation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"catalog/api/internal/blob"
	"catalog/api/internal/catalog"
	"catalog/api/internal/store"
)

func newGateway(t *testing.T) (*Gateway, *store.Memory, *blob.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	blobs := blob.NewMemory()
	return New(mem, blobs, zap.NewNop()), mem, blobs
}

func TestCreateGeneratesIDAndSanitizes(t *testing.T) {
	g, mem, _ := newGateway(t)
	ctx := context.Background()

	id, err := g.Create(ctx, map[string]any{
		"title":       "Helmets",
		"categoryKey": "safety",
		"description": nil,
		"tagIds":      []any{"t1", nil},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "doc_"))

	doc, err := mem.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Helmets", doc.Title)
	assert.Equal(t, []string{"t1"}, doc.TagIDs)
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestCreateKeepsProvidedID(t *testing.T) {
	g, _, _ := newGateway(t)
	id, err := g.Create(context.Background(), map[string]any{"id": " manual-1 ", "title": "Manual"})
	require.NoError(t, err)
	assert.Equal(t, "manual-1", id)
}

func TestCreateFailsLoudlyOnCycles(t *testing.T) {
	g, _, _ := newGateway(t)
	loop := map[string]any{}
	loop["loop"] = loop
	_, err := g.Create(context.Background(), loop)
	assert.ErrorIs(t, err, ErrUnsanitizable)
}

func TestUpdateMetadataNeverTouchesContent(t *testing.T) {
	g, mem, _ := newGateway(t)
	ctx := context.Background()

	id, err := g.Create(ctx, map[string]any{"title": "Old", "content": map[string]any{"en": "body"}})
	require.NoError(t, err)

	require.NoError(t, g.UpdateMetadata(ctx, id, map[string]any{
		"title":      "New",
		"content":    map[string]any{},
		"content.fr": "x",
	}))

	doc, err := mem.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "New", doc.Title)
	assert.Equal(t, map[string]any{"en": "body"}, doc.Content)

	assert.ErrorIs(t, g.UpdateMetadata(ctx, "missing", map[string]any{"title": "x"}), store.ErrNotFound)
}

func TestScenarioContentLanguagesDoNotClobber(t *testing.T) {
	g, mem, _ := newGateway(t)
	ctx := context.Background()

	id, err := g.Create(ctx, map[string]any{"title": "Guide"})
	require.NoError(t, err)

	require.NoError(t, g.UpdateContent(ctx, id, "en", map[string]any{"html": "<p>A</p>"}))
	require.NoError(t, g.UpdateContent(ctx, id, "uk", map[string]any{"html": "<p>Б</p>"}))

	doc, err := mem.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"en": map[string]any{"html": "<p>A</p>"},
		"uk": map[string]any{"html": "<p>Б</p>"},
	}, doc.Content)
	assert.Equal(t, "Guide", doc.Title)
}

func TestConcurrentContentEditsAllSurvive(t *testing.T) {
	g, mem, _ := newGateway(t)
	ctx := context.Background()

	languages := []string{"en", "fr", "de", "uk", "es", "it"}
	var wg sync.WaitGroup
	for _, lang := range languages {
		lang := lang
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.UpdateContent(ctx, "shared", lang, map[string]any{"html": lang}))
		}()
	}
	wg.Wait()

	doc, err := mem.GetDocument(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, doc.Content, len(languages))
}

func TestUpdateContentCreatesMissingDocument(t *testing.T) {
	g, mem, _ := newGateway(t)
	ctx := context.Background()

	require.NoError(t, g.UpdateContent(ctx, "fresh", "en", "text"))
	doc, err := mem.GetDocument(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"en": "text"}, doc.Content)
}

func TestUpdateContentValidatesInput(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()
	assert.ErrorIs(t, g.UpdateContent(ctx, "d", "", "x"), ErrInvalidInput)
	assert.ErrorIs(t, g.UpdateContent(ctx, "d", "en.us", "x"), ErrInvalidInput)
	assert.ErrorIs(t, g.UpdateContent(ctx, "d", "en", nil), ErrInvalidInput)
}

func TestDeleteCascadesAttachmentsBestEffort(t *testing.T) {
	g, mem, blobs := newGateway(t)
	ctx := context.Background()

	id, err := g.Create(ctx, map[string]any{"title": "Manual"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := g.UploadAttachment(ctx, id, fmt.Sprintf("f%d.pdf", i), strings.NewReader("x"), 1, "application/pdf")
		require.NoError(t, err)
	}
	url, err := g.SetThumbnail(ctx, id, strings.NewReader("png"), 3, "image/png")
	require.NoError(t, err)
	doc, err := mem.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, url, doc.ThumbnailURL)

	blobs.FailDelete = func(key string) bool { return strings.HasSuffix(key, "f1.pdf") }

	report, err := g.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, CascadeReport{Removed: 3, Failed: 1}, report)

	_, err = mem.GetDocument(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	left, err := blobs.ListFiles(ctx, id)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "f1.pdf", left[0].Name)
}

func TestDeleteMissingDocumentKeepsAttachments(t *testing.T) {
	g, _, blobs := newGateway(t)
	ctx := context.Background()

	_, err := blobs.UploadFile(ctx, "ghost", "a.txt", strings.NewReader("x"), 1, "text/plain")
	require.NoError(t, err)

	_, err = g.Delete(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	files, err := blobs.ListFiles(ctx, "ghost")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUploadAttachmentRequiresDocument(t *testing.T) {
	g, _, _ := newGateway(t)
	_, err := g.UploadAttachment(context.Background(), "missing", "a.txt", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCategoryAndTagWrites(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()

	assert.ErrorIs(t, g.PutCategory(ctx, catalog.Category{ID: "c1"}), ErrInvalidInput)
	require.NoError(t, g.PutCategory(ctx, catalog.Category{ID: "c1", NameKey: "categories.safety"}))
	require.NoError(t, g.DeleteCategory(ctx, "c1"))
	assert.ErrorIs(t, g.DeleteCategory(ctx, "c1"), store.ErrNotFound)

	assert.ErrorIs(t, g.PutTag(ctx, catalog.Tag{ID: "t1"}), ErrInvalidInput)
	require.NoError(t, g.PutTag(ctx, catalog.Tag{ID: "t1", Name: "Urgent"}))
	require.NoError(t, g.DeleteTag(ctx, "t1"))
}

func TestGatewayWithoutBlobs(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	g := New(mem, nil, zap.NewNop())
	ctx := context.Background()

	id, err := g.Create(ctx, map[string]any{"title": "x"})
	require.NoError(t, err)
	report, err := g.Delete(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, report)

	files, err := g.ListAttachments(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, files)
}
