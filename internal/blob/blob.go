// Package blob stores document attachments and thumbnails outside the
// catalog store.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob: not found")

type File struct {
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// Store is the attachment contract used by the mutation gateway.
type Store interface {
	ListFiles(ctx context.Context, documentID string) ([]File, error)
	UploadFile(ctx context.Context, documentID, name string, body io.Reader, size int64, contentType string) (File, error)
	DeleteFile(ctx context.Context, key string) error
	UploadThumbnail(ctx context.Context, documentID string, body io.Reader, size int64, contentType string) (string, error)
}

// Every object of a document lives under documents/<id>/ so that listing the
// prefix finds attachments and the thumbnail alike.
func documentPrefix(documentID string) string {
	return "documents/" + documentID + "/"
}

func fileKey(documentID, name string) string {
	return documentPrefix(documentID) + "files/" + path.Base(strings.TrimSpace(name))
}

func thumbnailKey(documentID string) string {
	return documentPrefix(documentID) + "thumbnail"
}
