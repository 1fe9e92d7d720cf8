package query

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"catalog/api/internal/catalog"
	"catalog/api/internal/rbac"
)

// DefaultPageSize applies when the caller passes no usable page size.
const DefaultPageSize = 10

// Mode selects what the access filter does with documents the role cannot
// view.
type Mode int

const (
	// ModeBrowse drops inaccessible documents.
	ModeBrowse Mode = iota
	// ModeFull keeps them and marks them locked.
	ModeFull
)

func ParseMode(value string) Mode {
	if strings.EqualFold(strings.TrimSpace(value), "full") {
		return ModeFull
	}
	return ModeBrowse
}

// PageSizes holds the page density of each view mode.
type PageSizes struct {
	Grid int
	List int
}

func (p PageSizes) For(view ViewMode) int {
	if view == ViewList {
		return p.List
	}
	return p.Grid
}

type Options struct {
	Role       rbac.Role
	PageSize   int
	Mode       Mode
	Translator catalog.Translator
	Locale     language.Tag
}

// Item is a document as the presentation layer renders it.
type Item struct {
	catalog.Document
	DisplayTitle string        `json:"displayTitle"`
	CategoryName string        `json:"categoryName"`
	Tags         []catalog.Tag `json:"tags"`
	Locked       bool          `json:"locked"`
	CanDownload  bool          `json:"canDownload"`
}

type Page struct {
	Items      []Item `json:"items"`
	TotalCount int    `json:"totalCount"`
	TotalPages int    `json:"totalPages"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
}

// Run filters, sorts and paginates snap for one viewer. It reads its inputs
// only and returns the same page for the same inputs.
func Run(snap *catalog.Snapshot, state State, opts Options) Page {
	state = state.Normalize()
	tr := opts.Translator
	if tr == nil {
		tr = catalog.KeyTranslator
	}
	fold := cases.Fold()
	term := fold.String(state.Search)

	items := make([]Item, 0, snap.Len())
	for _, doc := range snap.Documents() {
		viewable := catalog.CanViewDocument(opts.Role, doc, snap)
		if !viewable && opts.Mode == ModeBrowse {
			continue
		}
		if len(state.Categories) > 0 && !slices.Contains(state.Categories, catalog.NormalizeCategoryKey(doc.CategoryKey)) {
			continue
		}
		if len(state.Tags) > 0 && !slices.ContainsFunc(state.Tags, doc.HasTag) {
			continue
		}
		if len(state.Roles) > 0 && !slices.ContainsFunc(state.Roles, func(role rbac.Role) bool {
			return catalog.CanViewDocument(role, doc, snap)
		}) {
			continue
		}

		item := newItem(snap, doc, tr)
		if term != "" && !matches(fold, term, item) {
			continue
		}
		item.Locked = !viewable
		item.CanDownload = catalog.CanDownloadDocument(opts.Role, doc, snap)
		items = append(items, item)
	}

	sortItems(items, state.Sort, opts.Locale)
	return paginate(items, state.Page, opts.PageSize)
}

func newItem(snap *catalog.Snapshot, doc catalog.Document, tr catalog.Translator) Item {
	item := Item{
		Document:     doc,
		DisplayTitle: catalog.ResolveTitle(doc, tr),
		Tags:         make([]catalog.Tag, 0, len(doc.TagIDs)),
	}
	item.Content = nil
	if category, ok := snap.CategoryByKey(doc.CategoryKey); ok {
		item.CategoryName = catalog.CategoryName(category, tr)
	}
	for _, id := range doc.TagIDs {
		if tag, ok := snap.Tag(id); ok {
			item.Tags = append(item.Tags, tag)
		}
	}
	return item
}

func matches(fold cases.Caser, term string, item Item) bool {
	if strings.Contains(fold.String(item.DisplayTitle), term) {
		return true
	}
	if item.CategoryName != "" && strings.Contains(fold.String(item.CategoryName), term) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(fold.String(tag.Name), term) {
			return true
		}
	}
	return false
}

func sortItems(items []Item, by SortBy, locale language.Tag) {
	switch by {
	case SortAlpha:
		col := collate.New(locale)
		slices.SortStableFunc(items, func(a, b Item) int {
			return col.CompareString(a.DisplayTitle, b.DisplayTitle)
		})
	default:
		slices.SortStableFunc(items, func(a, b Item) int {
			return b.UpdatedAt.Compare(a.UpdatedAt)
		})
	}
}

func paginate(items []Item, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	total := len(items)
	pages := (total + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	page = min(max(page, 1), pages)

	start := min((page-1)*size, total)
	end := min(start+size, total)
	return Page{
		Items:      slices.Clone(items[start:end]),
		TotalCount: total,
		TotalPages: pages,
		Page:       page,
		PageSize:   size,
	}
}
