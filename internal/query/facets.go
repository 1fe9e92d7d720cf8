package query

import (
	"catalog/api/internal/catalog"
	"catalog/api/internal/rbac"
)

type CategoryFacet struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Name  string `json:"name"`
	Icon  string `json:"icon,omitempty"`
	Count int    `json:"count"`
}

type TagFacet struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Count int    `json:"count"`
}

type Facets struct {
	Categories []CategoryFacet `json:"categories"`
	Tags       []TagFacet      `json:"tags"`
	Roles      []rbac.Role     `json:"roles"`
}

// BuildFacets lists the filter choices open to role, with the number of
// viewable documents behind each.
func BuildFacets(snap *catalog.Snapshot, role rbac.Role, tr catalog.Translator) Facets {
	if tr == nil {
		tr = catalog.KeyTranslator
	}
	byCategory := make(map[string]int)
	byTag := make(map[string]int)
	for _, doc := range snap.Documents() {
		if !catalog.CanViewDocument(role, doc, snap) {
			continue
		}
		byCategory[catalog.NormalizeCategoryKey(doc.CategoryKey)]++
		for _, id := range doc.TagIDs {
			byTag[id]++
		}
	}

	facets := Facets{
		Categories: make([]CategoryFacet, 0),
		Tags:       make([]TagFacet, 0),
		Roles:      rbac.Roles(),
	}
	for _, category := range snap.VisibleCategories(role) {
		facets.Categories = append(facets.Categories, CategoryFacet{
			ID:    category.ID,
			Key:   category.Key(),
			Name:  catalog.CategoryName(category, tr),
			Icon:  category.IconName,
			Count: byCategory[category.Key()],
		})
	}
	for _, tag := range snap.AllTags() {
		facets.Tags = append(facets.Tags, TagFacet{ID: tag.ID, Name: tag.Name, Color: tag.Color, Count: byTag[tag.ID]})
	}
	return facets
}
