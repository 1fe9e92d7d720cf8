package catalog

import (
	"slices"

	"catalog/api/internal/rbac"
)

// Snapshot is an immutable point-in-time view of the catalog. Readers hold a
// *Snapshot for the duration of a computation and never observe a partial
// update.
type Snapshot struct {
	revision   uint64
	documents  []Document
	docIndex   map[string]int
	categories []Category
	byKey      map[string]int
	tags       []Tag
	tagIndex   map[string]int
}

// NewSnapshot builds a snapshot from store data. Entities are normalized and
// duplicate ids keep the last occurrence, in the position of the first.
func NewSnapshot(revision uint64, data Data) *Snapshot {
	s := &Snapshot{
		revision: revision,
		docIndex: make(map[string]int, len(data.Documents)),
		byKey:    make(map[string]int, len(data.Categories)),
		tagIndex: make(map[string]int, len(data.Tags)),
	}
	for _, doc := range data.Documents {
		doc = normalizeDocument(doc)
		if doc.ID == "" {
			continue
		}
		if i, ok := s.docIndex[doc.ID]; ok {
			s.documents[i] = doc
			continue
		}
		s.docIndex[doc.ID] = len(s.documents)
		s.documents = append(s.documents, doc)
	}
	for _, category := range data.Categories {
		category = normalizeCategory(category)
		if category.ID == "" {
			continue
		}
		replaced := false
		for i := range s.categories {
			if s.categories[i].ID == category.ID {
				s.categories[i] = category
				replaced = true
				break
			}
		}
		if !replaced {
			s.categories = append(s.categories, category)
		}
	}
	for i, category := range s.categories {
		key := category.Key()
		if key == "" {
			continue
		}
		if _, taken := s.byKey[key]; !taken {
			s.byKey[key] = i
		}
	}
	for _, tag := range data.Tags {
		if tag.ID == "" {
			continue
		}
		if i, ok := s.tagIndex[tag.ID]; ok {
			s.tags[i] = tag
			continue
		}
		s.tagIndex[tag.ID] = len(s.tags)
		s.tags = append(s.tags, tag)
	}
	return s
}

// Empty is the snapshot before any store delivery.
func Empty() *Snapshot {
	return NewSnapshot(0, Data{})
}

func (s *Snapshot) Revision() uint64 {
	return s.revision
}

// Documents returns the documents in store delivery order. The slice is a
// copy; the snapshot itself is never mutated.
func (s *Snapshot) Documents() []Document {
	return slices.Clone(s.documents)
}

func (s *Snapshot) Document(id string) (Document, bool) {
	i, ok := s.docIndex[id]
	if !ok {
		return Document{}, false
	}
	return s.documents[i], true
}

func (s *Snapshot) Len() int {
	return len(s.documents)
}

func (s *Snapshot) Categories() []Category {
	return slices.Clone(s.categories)
}

func (s *Snapshot) CategoryByKey(key string) (Category, bool) {
	i, ok := s.byKey[NormalizeCategoryKey(key)]
	if !ok {
		return Category{}, false
	}
	return s.categories[i], true
}

func (s *Snapshot) CategoryByID(id string) (Category, bool) {
	for _, category := range s.categories {
		if category.ID == id {
			return category, true
		}
	}
	return Category{}, false
}

func (s *Snapshot) Tag(id string) (Tag, bool) {
	i, ok := s.tagIndex[id]
	if !ok {
		return Tag{}, false
	}
	return s.tags[i], true
}

// AllTags returns every tag. Tags are not access controlled.
func (s *Snapshot) AllTags() []Tag {
	return slices.Clone(s.tags)
}

// VisibleCategories returns the categories role may view.
func (s *Snapshot) VisibleCategories(role rbac.Role) []Category {
	out := make([]Category, 0, len(s.categories))
	for _, category := range s.categories {
		if CanViewCategory(role, category) {
			out = append(out, category)
		}
	}
	return out
}

// Data returns the snapshot contents, e.g. for building the next snapshot.
func (s *Snapshot) Data() Data {
	return Data{
		Documents:  s.Documents(),
		Categories: s.Categories(),
		Tags:       s.AllTags(),
	}
}
