package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"catalog/api/internal/catalog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type tick struct {
	t time.Time
}

func (c *tick) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestMemory(opts ...MemoryOption) *Memory {
	clock := &tick{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemory(append([]MemoryOption{WithClock(clock.now)}, opts...)...)
}

func collect(t *testing.T, m *Memory, c Constraints) (<-chan catalog.Data, <-chan error, Unsubscribe) {
	t.Helper()
	snaps := make(chan catalog.Data, 16)
	errs := make(chan error, 4)
	stop, err := m.Subscribe(context.Background(), c,
		func(d catalog.Data) { snaps <- d },
		func(err error) { errs <- err })
	require.NoError(t, err)
	return snaps, errs, stop
}

func next(t *testing.T, snaps <-chan catalog.Data) catalog.Data {
	t.Helper()
	select {
	case d := <-snaps:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
		return catalog.Data{}
	}
}

func TestMemoryWritesAndPartialUpdates(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	defer m.Close()

	require.NoError(t, m.CreateOrReplace(ctx, "d1", map[string]any{
		"title":       "Helmets",
		"categoryKey": "safety",
		"id":          "ignored",
		"createdAt":   "ignored",
	}))
	require.NoError(t, m.UpdatePartial(ctx, "d1", map[string]any{"content.en": map[string]any{"type": "doc"}}))
	require.NoError(t, m.UpdatePartial(ctx, "d1", map[string]any{"content.fr": map[string]any{"type": "doc"}}))

	doc, err := m.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, "Helmets", doc.Title)
	assert.Contains(t, doc.Content, "en")
	assert.Contains(t, doc.Content, "fr")
	assert.True(t, doc.UpdatedAt.After(doc.CreatedAt))

	assert.ErrorIs(t, m.Insert(ctx, "d1", map[string]any{}), ErrAlreadyExists)
	assert.ErrorIs(t, m.UpdatePartial(ctx, "nope", map[string]any{"title": "x"}), ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "nope"), ErrNotFound)

	require.NoError(t, m.Delete(ctx, "d1"))
	_, err = m.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFeedFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(WithCompoundIndex(OrderUpdatedAt))
	defer m.Close()

	require.NoError(t, m.CreateOrReplace(ctx, "a", map[string]any{"title": "A", "categoryKey": "categories.safety"}))
	require.NoError(t, m.CreateOrReplace(ctx, "b", map[string]any{"title": "B", "categoryKey": "hr"}))
	require.NoError(t, m.CreateOrReplace(ctx, "c", map[string]any{"title": "C", "categoryKey": "Safety"}))

	snaps, errs, stop := collect(t, m, Constraints{CategoryKeys: []string{"safety"}, OrderBy: OrderUpdatedAt})
	defer stop()

	first := next(t, snaps)
	require.Len(t, first.Documents, 2)
	assert.Equal(t, "c", first.Documents[0].ID)
	assert.Equal(t, "a", first.Documents[1].ID)

	require.NoError(t, m.UpdatePartial(ctx, "a", map[string]any{"title": "A2"}))
	second := next(t, snaps)
	assert.Equal(t, "a", second.Documents[0].ID)
	assert.Empty(t, errs)
}

func TestMemoryUnsupportedCompoundFailsAsync(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	_, errs, stop := collect(t, m, Constraints{CategoryKeys: []string{"safety"}, OrderBy: OrderTitle})
	defer stop()

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrConstraintUnsupported))
	case <-time.After(2 * time.Second):
		t.Fatal("expected unsupported error")
	}
}

func TestMemoryLimitAndTitleOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	defer m.Close()

	for id, title := range map[string]string{"1": "zeta", "2": "Alpha", "3": "beta"} {
		require.NoError(t, m.CreateOrReplace(ctx, id, map[string]any{"title": title}))
	}
	snaps, _, stop := collect(t, m, Constraints{OrderBy: OrderTitle, Limit: 2})
	defer stop()

	data := next(t, snaps)
	require.Len(t, data.Documents, 2)
	assert.Equal(t, "Alpha", data.Documents[0].Title)
	assert.Equal(t, "beta", data.Documents[1].Title)
}

func TestMemoryNoCallbacksAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	defer m.Close()

	var calls atomic.Int32
	stop, err := m.Subscribe(ctx, Constraints{}, func(catalog.Data) { calls.Add(1) }, func(error) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stop()
	stop()
	before := calls.Load()
	require.NoError(t, m.PutTag(ctx, catalog.Tag{ID: "t1", Name: "urgent"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestMemoryCategoriesAndTagsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	defer m.Close()

	require.NoError(t, m.PutCategory(ctx, catalog.Category{ID: "c2", NameKey: "hr"}))
	require.NoError(t, m.PutCategory(ctx, catalog.Category{ID: "c1", NameKey: "safety"}))
	require.NoError(t, m.PutCategory(ctx, catalog.Category{ID: "c2", NameKey: "people"}))
	require.NoError(t, m.PutTag(ctx, catalog.Tag{ID: "t1", Name: "urgent"}))
	require.NoError(t, m.DeleteTag(ctx, "t1"))
	assert.ErrorIs(t, m.DeleteCategory(ctx, "missing"), ErrNotFound)

	snaps, _, stop := collect(t, m, Constraints{})
	defer stop()
	data := next(t, snaps)
	require.Len(t, data.Categories, 2)
	assert.Equal(t, "people", data.Categories[0].NameKey)
	assert.Empty(t, data.Tags)
}
