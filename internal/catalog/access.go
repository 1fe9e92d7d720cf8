package catalog

import "catalog/api/internal/rbac"

// CategoryLookup resolves a document's category by normalized key.
type CategoryLookup interface {
	CategoryByKey(key string) (Category, bool)
}

// Categories adapts a plain slice to CategoryLookup.
type Categories []Category

func (c Categories) CategoryByKey(key string) (Category, bool) {
	want := NormalizeCategoryKey(key)
	if want == "" {
		return Category{}, false
	}
	for _, category := range c {
		if category.Key() == want {
			return category, true
		}
	}
	return Category{}, false
}

func CanViewCategory(role rbac.Role, category Category) bool {
	return rbac.ViewCategory(role, category.ViewPermissions).Allowed
}

func CanViewDocument(role rbac.Role, doc Document, categories CategoryLookup) bool {
	return ExplainView(role, doc, categories).Allowed
}

func CanDownloadDocument(role rbac.Role, doc Document, categories CategoryLookup) bool {
	return ExplainDownload(role, doc, categories).Allowed
}

// ExplainView is CanViewDocument with the deciding table row attached.
func ExplainView(role rbac.Role, doc Document, categories CategoryLookup) rbac.Decision {
	return rbac.ViewDocument(role, doc.ViewPermissions, categoryPermissions(doc, categories))
}

// ExplainDownload is CanDownloadDocument with the deciding table row attached.
func ExplainDownload(role rbac.Role, doc Document, categories CategoryLookup) rbac.Decision {
	return rbac.DownloadDocument(role, doc.DownloadPermissions, doc.ViewPermissions, categoryPermissions(doc, categories))
}

func categoryPermissions(doc Document, categories CategoryLookup) *rbac.RoleSet {
	if categories == nil {
		return nil
	}
	category, ok := categories.CategoryByKey(doc.CategoryKey)
	if !ok {
		return nil
	}
	perms := category.ViewPermissions
	return &perms
}
