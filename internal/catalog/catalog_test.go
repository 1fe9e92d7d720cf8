package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog/api/internal/rbac"
)

func fixture() Data {
	return Data{
		Categories: []Category{
			{ID: "c1", NameKey: "categories.construction"},
			{ID: "c2", NameKey: "categories.finance", ViewPermissions: rbac.NewRoleSet(rbac.RoleDesigner)},
		},
		Tags: []Tag{{ID: "t1", Name: "Concrete"}},
		Documents: []Document{
			{ID: "d1", Title: "Pouring", CategoryKey: "construction", TagIDs: []string{"t1", "t1", " "}},
			{ID: "d2", TitleKey: "docs.budget", CategoryKey: "finance"},
			{ID: "d3", Title: "Lost", CategoryKey: "electrical", TagIDs: []string{"t9"}},
		},
	}
}

func TestNormalizeCategoryKey(t *testing.T) {
	assert.Equal(t, "safety", NormalizeCategoryKey("categories.safety"))
	assert.Equal(t, "safety", NormalizeCategoryKey(" KB:Safety "))
	assert.Equal(t, "safety", NormalizeCategoryKey("safety"))
	assert.Equal(t, "", NormalizeCategoryKey(""))
}

func TestSnapshotNormalizesAtIngestion(t *testing.T) {
	snap := NewSnapshot(1, fixture())

	doc, ok := snap.Document("d1")
	require.True(t, ok)
	assert.Equal(t, []string{"t1"}, doc.TagIDs)
	assert.NotNil(t, doc.ViewPermissions)
	assert.NotNil(t, doc.DownloadPermissions)

	category, ok := snap.CategoryByKey("construction")
	require.True(t, ok)
	assert.Equal(t, "c1", category.ID)
}

func TestSnapshotLastDuplicateWins(t *testing.T) {
	data := fixture()
	data.Documents = append(data.Documents, Document{ID: "d1", Title: "Pouring v2", CategoryKey: "construction"})

	snap := NewSnapshot(1, data)
	require.Equal(t, 3, snap.Len())
	doc, _ := snap.Document("d1")
	assert.Equal(t, "Pouring v2", doc.Title)
	assert.Equal(t, "d1", snap.Documents()[0].ID)
}

func TestAccessPredicates(t *testing.T) {
	snap := NewSnapshot(1, fixture())
	d1, _ := snap.Document("d1")
	d2, _ := snap.Document("d2")
	d3, _ := snap.Document("d3")

	assert.True(t, CanViewDocument(rbac.RoleGuest, d1, snap))
	assert.False(t, CanViewDocument(rbac.RoleGuest, d2, snap))
	assert.True(t, CanViewDocument(rbac.RoleDesigner, d2, snap))
	assert.False(t, CanViewDocument(rbac.RoleDesigner, d3, snap), "orphaned category must fail closed")
	assert.True(t, CanViewDocument(rbac.RoleAdmin, d3, snap))

	assert.Equal(t, "category-unresolved", ExplainView(rbac.RoleForeman, d3, snap).Rule)
	assert.False(t, CanDownloadDocument(rbac.RoleGuest, d3, nil))
}

func TestEmptyViewPermissionsDeferToCategory(t *testing.T) {
	snap := NewSnapshot(1, fixture())
	d2, _ := snap.Document("d2")
	finance, _ := snap.CategoryByKey("finance")
	for _, role := range rbac.Roles() {
		assert.Equal(t, CanViewCategory(role, finance), CanViewDocument(role, d2, snap), role)
	}
}

func TestVisibleCategories(t *testing.T) {
	snap := NewSnapshot(1, fixture())
	assert.Len(t, snap.VisibleCategories(rbac.RoleGuest), 1)
	assert.Len(t, snap.VisibleCategories(rbac.RoleDesigner), 2)
	assert.Len(t, snap.AllTags(), 1)
}

func TestResolveTitle(t *testing.T) {
	tr := Dictionary{"docs.budget": "Budget 2026"}
	assert.Equal(t, "Pouring", ResolveTitle(Document{Title: "Pouring", TitleKey: "docs.budget"}, tr))
	assert.Equal(t, "Budget 2026", ResolveTitle(Document{TitleKey: "docs.budget"}, tr))
	assert.Equal(t, "docs.other", ResolveTitle(Document{TitleKey: "docs.other"}, tr))
	assert.Equal(t, "", ResolveTitle(Document{}, tr))
}

func TestIndexReplaceAndWatch(t *testing.T) {
	idx := NewIndex()
	assert.Equal(t, uint64(0), idx.Snapshot().Revision())

	ch, stop := idx.Watch()
	defer stop()

	first := idx.Replace(fixture())
	second := idx.Replace(fixture())
	assert.Equal(t, first.Documents(), second.Documents())

	select {
	case rev := <-ch:
		assert.Equal(t, uint64(2), rev, "watchers only see the latest revision")
	case <-time.After(time.Second):
		t.Fatal("no revision delivered")
	}

	held := idx.Snapshot()
	idx.Replace(Data{})
	assert.Equal(t, 3, held.Len(), "published snapshots are immutable")
	assert.Equal(t, 0, idx.Snapshot().Len())
}

func TestIndexWatchStopIsIdempotent(t *testing.T) {
	idx := NewIndex()
	ch, stop := idx.Watch()
	stop()
	stop()
	_, open := <-ch
	assert.False(t, open)
	idx.Replace(fixture())
}

func TestHealth(t *testing.T) {
	data := fixture()
	data.Documents = append(data.Documents, Document{ID: "d4", CategoryKey: "construction"})
	report := Health(NewSnapshot(7, data))

	assert.Equal(t, uint64(7), report.Revision)
	assert.Equal(t, 4, report.Documents)
	assert.Equal(t, 1, report.OrphanedCategoryRefs)
	assert.Equal(t, []string{"d3"}, report.OrphanedCategoryDocuments)
	assert.Equal(t, 1, report.OrphanedTagRefs)
	assert.Equal(t, []string{"t9"}, report.UnknownTagIDs)
	assert.Equal(t, 4, report.WithoutPermissions)
	assert.Equal(t, 1, report.WithoutTitle)
}

func TestLoadDictionary(t *testing.T) {
	dict, err := LoadDictionary(strings.NewReader(`
en:
  categories.safety: Safety
fr:
  categories.safety: Sécurité
`), "fr")
	require.NoError(t, err)
	assert.Equal(t, "Sécurité", dict.Translate("categories.safety"))
	assert.Equal(t, "missing.key", dict.Translate("missing.key"))

	empty, err := LoadDictionary(strings.NewReader(""), "en")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = LoadDictionary(strings.NewReader("en: [unclosed"), "en")
	assert.Error(t, err)
}
