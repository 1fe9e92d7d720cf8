// Package catalog holds the document catalog model and the in-memory index
// that mirrors the backing store.
package catalog

import (
	"slices"
	"strings"
	"time"

	"catalog/api/internal/rbac"
)

type Document struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title,omitempty"`
	TitleKey            string         `json:"titleKey,omitempty"`
	CategoryKey         string         `json:"categoryKey"`
	TagIDs              []string       `json:"tagIds"`
	ViewPermissions     rbac.RoleSet   `json:"viewPermissions"`
	DownloadPermissions rbac.RoleSet   `json:"downloadPermissions"`
	ThumbnailURL        string         `json:"thumbnailUrl,omitempty"`
	InternalID          string         `json:"internalId,omitempty"`
	Description         string         `json:"description,omitempty"`
	ExtendedDescription string         `json:"extendedDescription,omitempty"`
	Content             map[string]any `json:"content,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// HasTag reports whether the document references tagID.
func (d Document) HasTag(tagID string) bool {
	return slices.Contains(d.TagIDs, tagID)
}

type Category struct {
	ID              string       `json:"id"`
	NameKey         string       `json:"nameKey"`
	IconName        string       `json:"iconName,omitempty"`
	ViewPermissions rbac.RoleSet `json:"viewPermissions"`
}

// Key is the join key documents use in CategoryKey.
func (c Category) Key() string {
	return NormalizeCategoryKey(c.NameKey)
}

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Data is one complete delivery from the backing store.
type Data struct {
	Documents  []Document
	Categories []Category
	Tags       []Tag
}

// NormalizeCategoryKey strips namespace prefixes ("categories.safety",
// "kb:safety") and case so that category name keys and document references
// compare equal.
func NormalizeCategoryKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if i := strings.LastIndexAny(key, ".:"); i >= 0 {
		key = key[i+1:]
	}
	return key
}

func normalizeDocument(doc Document) Document {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ViewPermissions == nil {
		doc.ViewPermissions = rbac.NewRoleSet()
	}
	if doc.DownloadPermissions == nil {
		doc.DownloadPermissions = rbac.NewRoleSet()
	}
	tags := make([]string, 0, len(doc.TagIDs))
	for _, id := range doc.TagIDs {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(tags, id) {
			continue
		}
		tags = append(tags, id)
	}
	doc.TagIDs = tags
	return doc
}

func normalizeCategory(category Category) Category {
	category.ID = strings.TrimSpace(category.ID)
	if category.ViewPermissions == nil {
		category.ViewPermissions = rbac.NewRoleSet()
	}
	return category
}
