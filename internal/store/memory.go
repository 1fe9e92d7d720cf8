package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"catalog/api/internal/catalog"
)

// Memory is an in-process Store. Compound constraints are only served for
// orderings registered with WithCompoundIndex; others fail asynchronously
// through onError, the way a remote store reports a missing index.
type Memory struct {
	mu         sync.RWMutex
	docs       map[string]*memDoc
	seq        int
	categories map[string]catalog.Category
	catOrder   []string
	tags       map[string]catalog.Tag
	tagOrder   []string
	indexes    map[SortField]bool
	subs       map[int]*memSub
	nextSub    int
	now        func() time.Time
}

type memDoc struct {
	seq       int
	fields    map[string]any
	createdAt time.Time
	updatedAt time.Time
}

type memSub struct {
	constraints Constraints
	wake        chan struct{}
	stop        chan struct{}
	done        chan struct{}
}

type MemoryOption func(*Memory)

// WithCompoundIndex marks category+ordering combinations as servable.
func WithCompoundIndex(fields ...SortField) MemoryOption {
	return func(m *Memory) {
		for _, field := range fields {
			m.indexes[field] = true
		}
	}
}

// WithClock replaces time.Now for server-assigned timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs:       make(map[string]*memDoc),
		categories: make(map[string]catalog.Category),
		tags:       make(map[string]catalog.Tag),
		indexes:    make(map[SortField]bool),
		subs:       make(map[int]*memSub),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close detaches every live feed.
func (m *Memory) Close() {
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for id, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (m *Memory) Subscribe(ctx context.Context, c Constraints, onSnapshot func(catalog.Data), onError func(error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memSub{
		constraints: c,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	supported := !c.Compound() || m.indexes[c.OrderBy]
	id := m.nextSub
	m.nextSub++
	if supported {
		m.subs[id] = sub
	}
	m.mu.Unlock()

	if supported {
		go m.serve(sub, onSnapshot)
	} else {
		go func() {
			defer close(sub.done)
			select {
			case <-sub.stop:
				return
			default:
			}
			onError(fmt.Errorf("%w: %s needs a composite index", ErrConstraintUnsupported, c))
			<-sub.stop
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			sub.close()
		})
	}, nil
}

func (s *memSub) close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (m *Memory) serve(sub *memSub, onSnapshot func(catalog.Data)) {
	defer close(sub.done)
	for {
		data := m.load(sub.constraints)
		select {
		case <-sub.stop:
			return
		default:
		}
		onSnapshot(data)
		select {
		case <-sub.stop:
			return
		case <-sub.wake:
		}
	}
}

func (m *Memory) load(c Constraints) catalog.Data {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := c.normalizedKeys()
	docs := make([]*memDoc, 0, len(m.docs))
	for _, doc := range m.docs {
		if len(keys) > 0 {
			key, _ := doc.fields["categoryKey"].(string)
			if !slices.Contains(keys, catalog.NormalizeCategoryKey(key)) {
				continue
			}
		}
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b *memDoc) int {
		switch c.OrderBy {
		case OrderUpdatedAt:
			if n := b.updatedAt.Compare(a.updatedAt); n != 0 {
				return n
			}
		case OrderTitle:
			if n := strings.Compare(sortTitle(a.fields), sortTitle(b.fields)); n != 0 {
				return n
			}
		}
		return a.seq - b.seq
	})
	if c.Limit > 0 && len(docs) > c.Limit {
		docs = docs[:c.Limit]
	}

	data := catalog.Data{
		Documents:  make([]catalog.Document, 0, len(docs)),
		Categories: make([]catalog.Category, 0, len(m.catOrder)),
		Tags:       make([]catalog.Tag, 0, len(m.tagOrder)),
	}
	for _, doc := range docs {
		decoded, err := doc.decode()
		if err != nil {
			continue
		}
		data.Documents = append(data.Documents, decoded)
	}
	for _, id := range m.catOrder {
		data.Categories = append(data.Categories, m.categories[id])
	}
	for _, id := range m.tagOrder {
		data.Tags = append(data.Tags, m.tags[id])
	}
	return data
}

func sortTitle(fields map[string]any) string {
	if title, _ := fields["title"].(string); title != "" {
		return strings.ToLower(title)
	}
	key, _ := fields["titleKey"].(string)
	return strings.ToLower(key)
}

func (d *memDoc) decode() (catalog.Document, error) {
	raw, err := json.Marshal(d.fields)
	if err != nil {
		return catalog.Document{}, fmt.Errorf("encode document: %w", err)
	}
	var doc catalog.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return catalog.Document{}, fmt.Errorf("decode document: %w", err)
	}
	doc.ID, _ = d.fields["id"].(string)
	doc.CreatedAt = d.createdAt
	doc.UpdatedAt = d.updatedAt
	return doc, nil
}

func (m *Memory) wakeLocked() {
	for _, sub := range m.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Memory) GetDocument(_ context.Context, id string) (catalog.Document, error) {
	m.mu.RLock()
	doc, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return catalog.Document{}, ErrNotFound
	}
	return doc.decode()
}

func (m *Memory) CreateOrReplace(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(id, fields)
	return nil
}

func (m *Memory) Insert(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[id]; exists {
		return ErrAlreadyExists
	}
	m.putLocked(id, fields)
	return nil
}

func (m *Memory) putLocked(id string, fields map[string]any) {
	now := m.now()
	doc, ok := m.docs[id]
	if !ok {
		m.seq++
		doc = &memDoc{seq: m.seq, createdAt: now}
		m.docs[id] = doc
	}
	doc.fields = cloneTree(stripReserved(fields))
	doc.fields["id"] = id
	doc.updatedAt = now
	m.wakeLocked()
}

func (m *Memory) UpdatePartial(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	next := cloneTree(doc.fields)
	for _, path := range sortedKeys(stripReserved(fields)) {
		setPath(next, path, cloneValue(fields[path]))
	}
	doc.fields = next
	doc.updatedAt = m.now()
	m.wakeLocked()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	m.wakeLocked()
	return nil
}

func (m *Memory) PutCategory(_ context.Context, category catalog.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.categories[category.ID]; !ok {
		m.catOrder = append(m.catOrder, category.ID)
	}
	m.categories[category.ID] = category
	m.wakeLocked()
	return nil
}

func (m *Memory) DeleteCategory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.categories[id]; !ok {
		return ErrNotFound
	}
	delete(m.categories, id)
	m.catOrder = slices.DeleteFunc(m.catOrder, func(v string) bool { return v == id })
	m.wakeLocked()
	return nil
}

func (m *Memory) PutTag(_ context.Context, tag catalog.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tags[tag.ID]; !ok {
		m.tagOrder = append(m.tagOrder, tag.ID)
	}
	m.tags[tag.ID] = tag
	m.wakeLocked()
	return nil
}

func (m *Memory) DeleteTag(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tags[id]; !ok {
		return ErrNotFound
	}
	delete(m.tags, id)
	m.tagOrder = slices.DeleteFunc(m.tagOrder, func(v string) bool { return v == id })
	m.wakeLocked()
	return nil
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func cloneTree(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneTree(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
