// Package query turns a catalog snapshot and a viewer's filter state into one
// page of documents.
package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"catalog/api/internal/catalog"
	"catalog/api/internal/rbac"
)

type SortBy string

const (
	SortRecent SortBy = "recent"
	SortAlpha  SortBy = "alpha"
)

type ViewMode string

const (
	ViewGrid ViewMode = "grid"
	ViewList ViewMode = "list"
)

// State is a viewer's ephemeral filter, sort and page selection. Set-valued
// fields are kept sorted so equal selections compare equal.
type State struct {
	Search     string      `json:"search"`
	Categories []string    `json:"categories"`
	Tags       []string    `json:"tags"`
	Roles      []rbac.Role `json:"roles"`
	Sort       SortBy      `json:"sort"`
	View       ViewMode    `json:"view"`
	Page       int         `json:"page"`
}

func DefaultState() State {
	return State{
		Categories: []string{},
		Tags:       []string{},
		Roles:      []rbac.Role{},
		Sort:       SortRecent,
		View:       ViewGrid,
		Page:       1,
	}
}

// Normalize fixes up malformed input: unknown enum values fall back to the
// defaults, sets are de-duplicated and sorted, pages below one become one.
func (s State) Normalize() State {
	out := s
	out.Search = strings.TrimSpace(s.Search)
	out.Categories = normalizeKeys(s.Categories, catalog.NormalizeCategoryKey)
	out.Tags = normalizeKeys(s.Tags, strings.TrimSpace)
	roles := make([]rbac.Role, 0, len(s.Roles))
	for _, role := range s.Roles {
		role = rbac.Role(strings.ToLower(strings.TrimSpace(string(role))))
		if role.Valid() && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	slices.Sort(roles)
	out.Roles = roles
	if out.Sort != SortAlpha {
		out.Sort = SortRecent
	}
	if out.View != ViewList {
		out.View = ViewGrid
	}
	if out.Page < 1 {
		out.Page = 1
	}
	return out
}

func normalizeKeys(keys []string, norm func(string) string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = norm(key)
		if key != "" && !slices.Contains(out, key) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

func toggle(keys []string, key string) []string {
	if i := slices.Index(keys, key); i >= 0 {
		return slices.Delete(slices.Clone(keys), i, i+1)
	}
	out := append(slices.Clone(keys), key)
	slices.Sort(out)
	return out
}

// Filter changes return to the first page.

func (s State) ToggleCategory(key string) State {
	s = s.Normalize()
	if key = catalog.NormalizeCategoryKey(key); key == "" {
		return s
	}
	s.Categories = toggle(s.Categories, key)
	s.Page = 1
	return s
}

func (s State) ToggleTag(id string) State {
	s = s.Normalize()
	if id = strings.TrimSpace(id); id == "" {
		return s
	}
	s.Tags = toggle(s.Tags, id)
	s.Page = 1
	return s
}

func (s State) ToggleRole(role rbac.Role) State {
	s = s.Normalize()
	if !role.Valid() {
		return s
	}
	if i := slices.Index(s.Roles, role); i >= 0 {
		s.Roles = slices.Delete(slices.Clone(s.Roles), i, i+1)
	} else {
		s.Roles = append(slices.Clone(s.Roles), role)
		slices.Sort(s.Roles)
	}
	s.Page = 1
	return s
}

func (s State) SetSearch(term string) State {
	s = s.Normalize()
	s.Search = strings.TrimSpace(term)
	s.Page = 1
	return s
}

func (s State) SetSort(sort SortBy) State {
	s.Sort = sort
	s = s.Normalize()
	s.Page = 1
	return s
}

func (s State) SetView(view ViewMode) State {
	s.View = view
	s = s.Normalize()
	s.Page = 1
	return s
}

// SetPage stores the requested page. Clamping to the result size happens in
// Run, which knows the total.
func (s State) SetPage(page int) State {
	s.Page = page
	return s.Normalize()
}

// Clear drops every filter but keeps the layout choice.
func (s State) Clear() State {
	view := s.Normalize().View
	out := DefaultState()
	out.View = view
	return out
}

// ForRole resets the state after the viewer's role changed. Layout survives;
// selections made under the previous role do not.
func (s State) ForRole(prev, next rbac.Role) State {
	if prev == next {
		return s.Normalize()
	}
	return s.Clear()
}

// Restrict drops selections role can no longer make: categories it cannot
// view and tags attached to no document it can view.
func (s State) Restrict(role rbac.Role, snap *catalog.Snapshot) State {
	s = s.Normalize()
	categories := make([]string, 0, len(s.Categories))
	for _, key := range s.Categories {
		if category, ok := snap.CategoryByKey(key); ok && catalog.CanViewCategory(role, category) {
			categories = append(categories, key)
		}
	}
	reachable := make(map[string]bool)
	for _, doc := range snap.Documents() {
		if !catalog.CanViewDocument(role, doc, snap) {
			continue
		}
		for _, id := range doc.TagIDs {
			reachable[id] = true
		}
	}
	tags := make([]string, 0, len(s.Tags))
	for _, id := range s.Tags {
		if reachable[id] {
			tags = append(tags, id)
		}
	}
	if len(categories) != len(s.Categories) || len(tags) != len(s.Tags) {
		s.Page = 1
	}
	s.Categories = categories
	s.Tags = tags
	return s
}

// ActionKind names one state mutator.
type ActionKind string

const (
	ActionToggleCategory ActionKind = "toggle_category"
	ActionToggleTag      ActionKind = "toggle_tag"
	ActionToggleRole     ActionKind = "toggle_role"
	ActionSetSearch      ActionKind = "set_search"
	ActionSetSort        ActionKind = "set_sort"
	ActionSetView        ActionKind = "set_view"
	ActionSetPage        ActionKind = "set_page"
	ActionClear          ActionKind = "clear"
)

type Action struct {
	Kind  ActionKind `json:"kind"`
	Value string     `json:"value"`
}

// Apply runs one mutator.
func (s State) Apply(action Action) (State, error) {
	switch action.Kind {
	case ActionToggleCategory:
		return s.ToggleCategory(action.Value), nil
	case ActionToggleTag:
		return s.ToggleTag(action.Value), nil
	case ActionToggleRole:
		return s.ToggleRole(rbac.Role(strings.ToLower(strings.TrimSpace(action.Value)))), nil
	case ActionSetSearch:
		return s.SetSearch(action.Value), nil
	case ActionSetSort:
		return s.SetSort(SortBy(action.Value)), nil
	case ActionSetView:
		return s.SetView(ViewMode(action.Value)), nil
	case ActionSetPage:
		page, err := strconv.Atoi(strings.TrimSpace(action.Value))
		if err != nil {
			return s, fmt.Errorf("page %q: %w", action.Value, err)
		}
		return s.SetPage(page), nil
	case ActionClear:
		return s.Clear(), nil
	default:
		return s, fmt.Errorf("unknown action %q", action.Kind)
	}
}
