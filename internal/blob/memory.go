package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. FailDelete makes DeleteFile fail for keys
// it returns true for.
type Memory struct {
	mu         sync.Mutex
	objects    map[string]memObject
	FailDelete func(key string) bool
}

type memObject struct {
	data        []byte
	contentType string
	modifiedAt  time.Time
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) ListFiles(_ context.Context, documentID string) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := documentPrefix(documentID)
	var files []File
	for key, object := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		files = append(files, File{
			Name:        path.Base(key),
			Key:         key,
			Size:        int64(len(object.data)),
			ContentType: object.contentType,
			ModifiedAt:  object.modifiedAt,
		})
	}
	slices.SortFunc(files, func(a, b File) int { return strings.Compare(a.Key, b.Key) })
	return files, nil
}

func (m *Memory) put(key string, body io.Reader, contentType string) (File, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return File{}, fmt.Errorf("read upload: %w", err)
	}
	now := time.Now().UTC()

	m.mu.Lock()
	m.objects[key] = memObject{data: buf.Bytes(), contentType: contentType, modifiedAt: now}
	m.mu.Unlock()

	return File{Name: path.Base(key), Key: key, Size: int64(buf.Len()), ContentType: contentType, ModifiedAt: now}, nil
}

func (m *Memory) UploadFile(_ context.Context, documentID, name string, body io.Reader, _ int64, contentType string) (File, error) {
	return m.put(fileKey(documentID, name), body, contentType)
}

func (m *Memory) DeleteFile(_ context.Context, key string) error {
	if m.FailDelete != nil && m.FailDelete(key) {
		return fmt.Errorf("remove object %s: injected failure", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) UploadThumbnail(_ context.Context, documentID string, body io.Reader, _ int64, contentType string) (string, error) {
	file, err := m.put(thumbnailKey(documentID), body, contentType)
	if err != nil {
		return "", err
	}
	return "memory://" + file.Key, nil
}
