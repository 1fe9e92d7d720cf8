// Package store defines the contract of the backing document store and its
// PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"

	"catalog/api/internal/catalog"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConstraintUnsupported means the store cannot serve the requested
	// constraint combination yet. Callers should retry with fewer constraints.
	ErrConstraintUnsupported = errors.New("store: constraint combination unsupported")
)

type SortField string

const (
	OrderUpdatedAt SortField = "updatedAt"
	OrderTitle     SortField = "title"
)

// Constraints narrow a subscription. The zero value selects everything in
// store order.
type Constraints struct {
	CategoryKeys []string  `json:"categoryKeys,omitempty"`
	OrderBy      SortField `json:"orderBy,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// Compound reports whether the constraints combine a filter with an ordering,
// the combination stores may need extra preparation for.
func (c Constraints) Compound() bool {
	return len(c.CategoryKeys) > 0 && c.OrderBy != ""
}

func (c Constraints) normalizedKeys() []string {
	keys := make([]string, 0, len(c.CategoryKeys))
	for _, key := range c.CategoryKeys {
		key = catalog.NormalizeCategoryKey(key)
		if key != "" && !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (c Constraints) String() string {
	parts := []string{}
	if keys := c.normalizedKeys(); len(keys) > 0 {
		parts = append(parts, "category in ("+strings.Join(keys, ",")+")")
	}
	if c.OrderBy != "" {
		parts = append(parts, "order by "+string(c.OrderBy))
	}
	if c.Limit > 0 {
		parts = append(parts, "limit")
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}

// Unsubscribe detaches a live feed. After it returns no further callbacks
// run. It is safe to call more than once.
type Unsubscribe func()

// Subscriber opens live feeds. onSnapshot receives complete result sets in
// delivery order. onError receives failures after the feed was opened; a
// failure wrapping ErrConstraintUnsupported asks the caller to retry narrower.
// Subscribe itself may also fail with ErrConstraintUnsupported.
type Subscriber interface {
	Subscribe(ctx context.Context, c Constraints, onSnapshot func(catalog.Data), onError func(error)) (Unsubscribe, error)
}

// Writer is the mutation side of the store. Field maps are store-safe trees;
// keys of UpdatePartial are dotted paths such as "content.en".
type Writer interface {
	GetDocument(ctx context.Context, id string) (catalog.Document, error)
	CreateOrReplace(ctx context.Context, id string, fields map[string]any) error
	Insert(ctx context.Context, id string, fields map[string]any) error
	UpdatePartial(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
	PutCategory(ctx context.Context, category catalog.Category) error
	DeleteCategory(ctx context.Context, id string) error
	PutTag(ctx context.Context, tag catalog.Tag) error
	DeleteTag(ctx context.Context, id string) error
}

type Store interface {
	Subscriber
	Writer
	Ping(ctx context.Context) error
	Close()
}

// setPath writes value at a dotted path, creating intermediate records.
func setPath(root map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	node := root
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[segment] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

// reserved fields are owned by the store.
var reserved = []string{"id", "createdAt", "updatedAt"}

func stripReserved(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if slices.Contains(reserved, key) {
			continue
		}
		out[key] = value
	}
	return out
}
