package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"catalog/api/internal/catalog"
	"catalog/api/internal/feed"
	"catalog/api/internal/query"
	"catalog/api/internal/rbac"
	"catalog/api/internal/util"
)

// view is a viewer's server-held filter state with its own narrowed feed.
// role is the role the state was last rendered for.
type view struct {
	id    string
	owner string

	mu       sync.Mutex
	state    query.State
	mode     query.Mode
	role     rbac.Role
	feed     *feed.Coordinator
	lastUsed time.Time
}

type viewRegistry struct {
	mu    sync.Mutex
	views map[string]*view
}

func newViewRegistry() *viewRegistry {
	return &viewRegistry{views: make(map[string]*view)}
}

func (r *viewRegistry) get(owner, id string) (*view, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	if !ok || v.owner != owner {
		return nil, false
	}
	return v, true
}

func (r *viewRegistry) add(v *view) {
	r.mu.Lock()
	r.views[v.id] = v
	r.mu.Unlock()
}

func (r *viewRegistry) remove(owner, id string) (*view, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	if !ok || v.owner != owner {
		return nil, false
	}
	delete(r.views, id)
	return v, true
}

func (r *viewRegistry) ownedBy(owner string) []*view {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*view
	for _, v := range r.views {
		if v.owner == owner {
			out = append(out, v)
		}
	}
	return out
}

// reap closes views unused since cutoff and returns how many were closed.
func (r *viewRegistry) reap(cutoff time.Time) int {
	r.mu.Lock()
	all := make([]*view, 0, len(r.views))
	for _, v := range r.views {
		all = append(all, v)
	}
	r.mu.Unlock()

	var idle []*view
	for _, v := range all {
		v.mu.Lock()
		stale := v.lastUsed.Before(cutoff)
		v.mu.Unlock()
		if !stale {
			continue
		}
		r.mu.Lock()
		if r.views[v.id] == v {
			delete(r.views, v.id)
			idle = append(idle, v)
		}
		r.mu.Unlock()
	}

	for _, v := range idle {
		v.feed.Close()
	}
	return len(idle)
}

func (r *viewRegistry) closeAll() {
	r.mu.Lock()
	all := make([]*view, 0, len(r.views))
	for id, v := range r.views {
		all = append(all, v)
		delete(r.views, id)
	}
	r.mu.Unlock()

	for _, v := range all {
		v.feed.Close()
	}
}

func (r *viewRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// ViewResult is a view's current page. Items come from the view's own feed,
// which may still be subscribing.
type ViewResult struct {
	ViewID string `json:"viewId"`
	query.Page
	State query.State `json:"state"`
	Feed  feed.Status `json:"feed"`
}

// ownerKey scopes views to a user; guests share a key but still need the id.
func ownerKey(sess Session) string {
	if sess.UserID == "" {
		return "guest"
	}
	return sess.UserID
}

// ApplyView creates a view when viewID is empty, reconciles it with the
// caller's current role, applies actions in order and moves its feed to the
// resulting constraints.
func (s *Service) ApplyView(ctx context.Context, sess Session, viewID string, mode *query.Mode, actions ...query.Action) (ViewResult, error) {
	var v *view
	if viewID == "" {
		v = &view{
			id:    util.NewID("view"),
			owner: ownerKey(sess),
			state: query.DefaultState(),
			role:  sess.Role,
			feed:  feed.New(s.store, catalog.NewIndex(), s.log, feed.WithFallbackLimit(s.cfg.FallbackLimit)),
		}
	} else {
		var ok bool
		if v, ok = s.views.get(ownerKey(sess), viewID); !ok {
			return ViewResult{}, ErrViewNotFound
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	full := s.shared.Index().Snapshot()
	state := v.state.ForRole(v.role, sess.Role).Restrict(sess.Role, full)
	for _, action := range actions {
		next, err := state.Apply(action)
		if err != nil {
			return ViewResult{}, domainError(http.StatusUnprocessableEntity, "INVALID_ACTION", err.Error(), action)
		}
		state = next
	}
	if mode != nil {
		v.mode = *mode
	}
	v.state = state.Restrict(sess.Role, full)
	v.role = sess.Role
	v.lastUsed = time.Now()

	if err := v.feed.Open(ctx, feed.ConstraintsFor(v.state)); err != nil {
		if viewID == "" {
			v.feed.Close()
		}
		return ViewResult{}, err
	}
	// A new view is registered only once it is usable.
	if viewID == "" {
		s.views.add(v)
	}
	return s.renderLocked(v), nil
}

func (s *Service) renderLocked(v *view) ViewResult {
	page := query.Run(v.feed.Index().Snapshot(), v.state, s.options(v.role, v.state, v.mode))
	v.state.Page = page.Page
	return ViewResult{ViewID: v.id, Page: page, State: v.state, Feed: v.feed.Status()}
}

func (s *Service) CloseView(sess Session, viewID string) error {
	v, ok := s.views.remove(ownerKey(sess), viewID)
	if !ok {
		return ErrViewNotFound
	}
	v.feed.Close()
	return nil
}

// viewIndex exposes a view's index for the live stream.
func (s *Service) viewIndex(sess Session, viewID string) (*catalog.Index, func() feed.Status, error) {
	v, ok := s.views.get(ownerKey(sess), viewID)
	if !ok {
		return nil, nil, ErrViewNotFound
	}
	return v.feed.Index(), v.feed.Status, nil
}

// reconcileUserViews resets the views of a user whose role changed.
func (s *Service) reconcileUserViews(ctx context.Context, userID string, role rbac.Role) {
	full := s.shared.Index().Snapshot()
	for _, v := range s.views.ownedBy(userID) {
		v.mu.Lock()
		v.state = v.state.ForRole(v.role, role).Restrict(role, full)
		v.role = role
		err := v.feed.Open(ctx, feed.ConstraintsFor(v.state))
		v.mu.Unlock()
		if err != nil {
			s.log.Warn("reopen view feed after role change", zap.String("view", v.id), zap.Error(err))
		}
	}
}
