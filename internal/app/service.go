package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"catalog/api/internal/auth"
	"catalog/api/internal/blob"
	"catalog/api/internal/catalog"
	"catalog/api/internal/config"
	"catalog/api/internal/feed"
	"catalog/api/internal/mutation"
	"catalog/api/internal/query"
	"catalog/api/internal/rbac"
	"catalog/api/internal/session"
	"catalog/api/internal/store"
)

// Session is the authenticated caller. Anonymous callers are guests.
type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

func GuestSession() Session {
	return Session{Role: rbac.RoleGuest}
}

// RoleSource supplies role assignments and their changes.
type RoleSource interface {
	Role(ctx context.Context, userID string) (rbac.Role, bool, error)
	SetRole(ctx context.Context, userID string, role rbac.Role) error
	Watch(ctx context.Context) (<-chan session.RoleChange, func(), error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Store      store.Store
	Blobs      blob.Store
	Roles      RoleSource
	Translator catalog.Translator
	Log        *zap.Logger
}

type Service struct {
	cfg        config.Config
	log        *zap.Logger
	store      store.Store
	roles      RoleSource
	gateway    *mutation.Gateway
	shared     *feed.Coordinator
	views      *viewRegistry
	translator catalog.Translator
	locale     language.Tag
	pageSizes  query.PageSizes

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	tr := deps.Translator
	if tr == nil {
		tr = catalog.KeyTranslator
	}
	locale, err := language.Parse(cfg.Locale)
	if err != nil {
		locale = language.English
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		store:      deps.Store,
		roles:      deps.Roles,
		gateway:    mutation.New(deps.Store, deps.Blobs, log),
		shared:     feed.New(deps.Store, catalog.NewIndex(), log, feed.WithFallbackLimit(cfg.FallbackLimit)),
		views:      newViewRegistry(),
		translator: tr,
		locale:     locale,
		pageSizes:  query.PageSizes{Grid: cfg.GridPageSize, List: cfg.ListPageSize},
	}
}

// Start opens the shared catalog feed and the background loops that follow
// role changes and reap idle views.
func (s *Service) Start(ctx context.Context) error {
	if err := s.shared.Open(ctx, store.Constraints{}); err != nil {
		return fmt.Errorf("open catalog feed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.roles != nil {
		changes, stop, err := s.roles.Watch(runCtx)
		if err != nil {
			s.log.Warn("role changes unavailable, views reconcile on next read", zap.Error(err))
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer stop()
				s.followRoles(runCtx, changes)
			}()
		}
	}

	if ttl := s.cfg.ViewIdleTTL; ttl > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reapIdleViews(runCtx, ttl)
		}()
	}
	return nil
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.views.closeAll()
	s.shared.Close()
}

func (s *Service) followRoles(ctx context.Context, changes <-chan session.RoleChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			s.log.Info("role changed", zap.String("user", change.UserID), zap.String("role", string(change.Role)))
			s.reconcileUserViews(ctx, change.UserID, change.Role)
		}
	}
}

func (s *Service) reapIdleViews(ctx context.Context, ttl time.Duration) {
	interval := max(ttl/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.views.reap(now.Add(-ttl)); n > 0 {
				s.log.Debug("reaped idle views", zap.Int("count", n))
			}
		}
	}
}

// SessionFromToken authenticates a bearer token. The role assigned in the
// role source wins over the role embedded in the token.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	sess := Session{UserID: claims.Sub, UserName: claims.Name, Role: claims.Role}
	if s.roles != nil {
		role, ok, err := s.roles.Role(ctx, claims.Sub)
		if err != nil {
			return Session{}, fmt.Errorf("lookup role: %w", err)
		}
		if ok {
			sess.Role = role
		}
	}
	return sess, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRoles(ctx context.Context) error {
	if s.roles == nil {
		return nil
	}
	return s.roles.Ping(ctx)
}

func (s *Service) options(role rbac.Role, state query.State, mode query.Mode) query.Options {
	return query.Options{
		Role:       role,
		PageSize:   s.pageSizes.For(state.View),
		Mode:       mode,
		Translator: s.translator,
		Locale:     s.locale,
	}
}

// CatalogResult is one rendered page plus the state it was rendered from,
// after invalid selections were dropped and the page clamped.
type CatalogResult struct {
	query.Page
	State    query.State `json:"state"`
	Revision uint64      `json:"revision"`
}

// Catalog renders state against the shared, unconstrained index.
func (s *Service) Catalog(sess Session, state query.State, mode query.Mode) CatalogResult {
	snap := s.shared.Index().Snapshot()
	state = state.Restrict(sess.Role, snap)
	page := query.Run(snap, state, s.options(sess.Role, state, mode))
	state.Page = page.Page
	return CatalogResult{Page: page, State: state, Revision: snap.Revision()}
}

func (s *Service) Facets(sess Session) query.Facets {
	return query.BuildFacets(s.shared.Index().Snapshot(), sess.Role, s.translator)
}

func (s *Service) CatalogHealth(sess Session) (catalog.HealthReport, error) {
	if err := requireAdmin(sess); err != nil {
		return catalog.HealthReport{}, err
	}
	return catalog.Health(s.shared.Index().Snapshot()), nil
}

func (s *Service) FeedStatus() feed.Status {
	return s.shared.Status()
}

// GetDocument returns the stored document, content included, when the
// caller may view it.
func (s *Service) GetDocument(ctx context.Context, sess Session, id string) (catalog.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return catalog.Document{}, err
	}
	if !catalog.CanViewDocument(sess.Role, doc, s.shared.Index().Snapshot()) {
		return catalog.Document{}, ErrForbidden
	}
	return doc, nil
}

func (s *Service) CreateDocument(ctx context.Context, sess Session, fields map[string]any) (string, error) {
	if err := requireAdmin(sess); err != nil {
		return "", err
	}
	return s.gateway.Create(ctx, fields)
}

func (s *Service) UpdateDocument(ctx context.Context, sess Session, id string, fields map[string]any) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	return s.gateway.UpdateMetadata(ctx, id, fields)
}

func (s *Service) UpdateContent(ctx context.Context, sess Session, id, language string, content any) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	return s.gateway.UpdateContent(ctx, id, language, content)
}

func (s *Service) DeleteDocument(ctx context.Context, sess Session, id string) (mutation.CascadeReport, error) {
	if err := requireAdmin(sess); err != nil {
		return mutation.CascadeReport{}, err
	}
	return s.gateway.Delete(ctx, id)
}

// ListAttachments requires download rights, since listing exposes the files.
func (s *Service) ListAttachments(ctx context.Context, sess Session, id string) ([]blob.File, error) {
	doc, ok := s.shared.Index().Snapshot().Document(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if !catalog.CanDownloadDocument(sess.Role, doc, s.shared.Index().Snapshot()) {
		return nil, ErrForbidden
	}
	return s.gateway.ListAttachments(ctx, id)
}

func (s *Service) UploadAttachment(ctx context.Context, sess Session, id, name string, body io.Reader, size int64, contentType string) (blob.File, error) {
	if err := requireAdmin(sess); err != nil {
		return blob.File{}, err
	}
	return s.gateway.UploadAttachment(ctx, id, name, body, size, contentType)
}

func (s *Service) SetThumbnail(ctx context.Context, sess Session, id string, body io.Reader, size int64, contentType string) (string, error) {
	if err := requireAdmin(sess); err != nil {
		return "", err
	}
	return s.gateway.SetThumbnail(ctx, id, body, size, contentType)
}

func (s *Service) PutCategory(ctx context.Context, sess Session, category catalog.Category) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	return s.gateway.PutCategory(ctx, category)
}

func (s *Service) DeleteCategory(ctx context.Context, sess Session, id string) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	return s.gateway.DeleteCategory(ctx, id)
}

func (s *Service) PutTag(ctx context.Context, sess Session, tag catalog.Tag) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	return s.gateway.PutTag(ctx, tag)
}

func (s *Service) DeleteTag(ctx context.Context, sess Session, id string) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	return s.gateway.DeleteTag(ctx, id)
}
