// Package mutation is the single write path into the catalog store. It
// sanitizes payloads, keeps content edits scoped to one language, and cascades
// document deletes to the attachment store on a best-effort basis.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalog/api/internal/blob"
	"catalog/api/internal/catalog"
	"catalog/api/internal/store"
	"catalog/api/internal/util"
)

var ErrInvalidInput = errors.New("invalid mutation input")

const cascadeTimeout = 30 * time.Second

// CascadeReport summarizes the attachment cleanup that follows a delete.
type CascadeReport struct {
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

type Gateway struct {
	store store.Writer
	blobs blob.Store
	log   *zap.Logger
}

// New builds a gateway. blobs may be nil when attachments are not configured.
func New(w store.Writer, blobs blob.Store, log *zap.Logger) *Gateway {
	return &Gateway{store: w, blobs: blobs, log: log.With(zap.String("component", "mutation"))}
}

// Create writes a new document and returns its id. A missing id is generated.
func (g *Gateway) Create(ctx context.Context, fields map[string]any) (id string, err error) {
	defer func() { observe("create", err) }()

	clean, err := Clean(fields)
	if err != nil {
		return "", err
	}
	id, _ = clean["id"].(string)
	id = strings.TrimSpace(id)
	if id == "" {
		id = util.NewID("doc")
	}
	if err := g.store.CreateOrReplace(ctx, id, clean); err != nil {
		return "", fmt.Errorf("create document %s: %w", id, err)
	}
	g.log.Info("document created", zap.String("id", id))
	return id, nil
}

// UpdateMetadata applies a partial edit. Content is never touched here, so a
// metadata edit cannot clobber localized content.
func (g *Gateway) UpdateMetadata(ctx context.Context, id string, fields map[string]any) (err error) {
	defer func() { observe("update_metadata", err) }()

	clean, err := Clean(fields)
	if err != nil {
		return err
	}
	for key := range clean {
		if key == "content" || strings.HasPrefix(key, "content.") {
			delete(clean, key)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	if err := g.store.UpdatePartial(ctx, id, clean); err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	return nil
}

// UpdateContent replaces one language of a document's content, leaving other
// languages untouched. A missing document is created with just that language.
func (g *Gateway) UpdateContent(ctx context.Context, id, language string, content any) (err error) {
	defer func() { observe("update_content", err) }()

	language = strings.TrimSpace(language)
	if language == "" || strings.ContainsAny(language, ".$") {
		return fmt.Errorf("%w: language %q", ErrInvalidInput, language)
	}
	value, ok, err := CleanValue(content)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: content for %s is empty", ErrInvalidInput, language)
	}

	patch := map[string]any{"content." + language: value}
	err = g.store.UpdatePartial(ctx, id, patch)
	if !errors.Is(err, store.ErrNotFound) {
		if err != nil {
			return fmt.Errorf("update content %s/%s: %w", id, language, err)
		}
		return nil
	}

	err = g.store.Insert(ctx, id, map[string]any{"content": map[string]any{language: value}})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Created concurrently; merge into it instead.
		err = g.store.UpdatePartial(ctx, id, patch)
	}
	if err != nil {
		return fmt.Errorf("create content %s/%s: %w", id, language, err)
	}
	g.log.Info("document created from content update", zap.String("id", id), zap.String("language", language))
	return nil
}

// Delete removes the document record, then its attachments. Attachment
// failures are logged and counted, never returned.
func (g *Gateway) Delete(ctx context.Context, id string) (report CascadeReport, err error) {
	defer func() { observe("delete", err) }()

	if err := g.store.Delete(ctx, id); err != nil {
		return CascadeReport{}, fmt.Errorf("delete document %s: %w", id, err)
	}
	if g.blobs == nil {
		return CascadeReport{}, nil
	}

	cascadeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cascadeTimeout)
	defer cancel()
	return g.cascade(cascadeCtx, id), nil
}

func (g *Gateway) cascade(ctx context.Context, id string) CascadeReport {
	log := g.log.With(zap.String("id", id))
	files, err := g.blobs.ListFiles(ctx, id)
	if err != nil {
		cascadeFailuresTotal.Inc()
		log.Warn("list attachments for cascade delete", zap.Error(err))
		return CascadeReport{Failed: 1}
	}

	var removed, failed atomic.Int32
	var group errgroup.Group
	group.SetLimit(4)
	for _, file := range files {
		file := file
		group.Go(func() error {
			if err := g.blobs.DeleteFile(ctx, file.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
				failed.Add(1)
				cascadeFailuresTotal.Inc()
				log.Warn("delete attachment", zap.String("key", file.Key), zap.Error(err))
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	report := CascadeReport{Removed: int(removed.Load()), Failed: int(failed.Load())}
	if report.Removed > 0 || report.Failed > 0 {
		log.Info("attachment cascade finished", zap.Int("removed", report.Removed), zap.Int("failed", report.Failed))
	}
	return report
}

// UploadAttachment stores a file for an existing document.
func (g *Gateway) UploadAttachment(ctx context.Context, id, name string, body io.Reader, size int64, contentType string) (file blob.File, err error) {
	defer func() { observe("upload_attachment", err) }()

	if g.blobs == nil {
		return blob.File{}, fmt.Errorf("%w: attachments are not configured", ErrInvalidInput)
	}
	if strings.TrimSpace(name) == "" {
		return blob.File{}, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if _, err := g.store.GetDocument(ctx, id); err != nil {
		return blob.File{}, fmt.Errorf("lookup document %s: %w", id, err)
	}
	return g.blobs.UploadFile(ctx, id, name, body, size, contentType)
}

func (g *Gateway) ListAttachments(ctx context.Context, id string) ([]blob.File, error) {
	if g.blobs == nil {
		return []blob.File{}, nil
	}
	return g.blobs.ListFiles(ctx, id)
}

// SetThumbnail uploads the image and records its URL on the document.
func (g *Gateway) SetThumbnail(ctx context.Context, id string, body io.Reader, size int64, contentType string) (url string, err error) {
	defer func() { observe("set_thumbnail", err) }()

	if g.blobs == nil {
		return "", fmt.Errorf("%w: attachments are not configured", ErrInvalidInput)
	}
	if _, err := g.store.GetDocument(ctx, id); err != nil {
		return "", fmt.Errorf("lookup document %s: %w", id, err)
	}
	url, err = g.blobs.UploadThumbnail(ctx, id, body, size, contentType)
	if err != nil {
		return "", err
	}
	if err := g.store.UpdatePartial(ctx, id, map[string]any{"thumbnailUrl": url}); err != nil {
		return "", fmt.Errorf("record thumbnail %s: %w", id, err)
	}
	return url, nil
}

func (g *Gateway) PutCategory(ctx context.Context, category catalog.Category) (err error) {
	defer func() { observe("put_category", err) }()
	if strings.TrimSpace(category.ID) == "" || strings.TrimSpace(category.NameKey) == "" {
		return fmt.Errorf("%w: category needs id and nameKey", ErrInvalidInput)
	}
	return g.store.PutCategory(ctx, category)
}

func (g *Gateway) DeleteCategory(ctx context.Context, id string) (err error) {
	defer func() { observe("delete_category", err) }()
	return g.store.DeleteCategory(ctx, id)
}

func (g *Gateway) PutTag(ctx context.Context, tag catalog.Tag) (err error) {
	defer func() { observe("put_tag", err) }()
	if strings.TrimSpace(tag.ID) == "" || strings.TrimSpace(tag.Name) == "" {
		return fmt.Errorf("%w: tag needs id and name", ErrInvalidInput)
	}
	return g.store.PutTag(ctx, tag)
}

func (g *Gateway) DeleteTag(ctx context.Context, id string) (err error) {
	defer func() { observe("delete_tag", err) }()
	return g.store.DeleteTag(ctx, id)
}
