// Package feed keeps a catalog index in sync with one live store subscription
// and degrades to a wider feed when the store cannot serve a compound query.
package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"catalog/api/internal/catalog"
	"catalog/api/internal/query"
	"catalog/api/internal/store"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSubscribing Phase = "subscribing"
	PhaseLive        Phase = "live"
	PhaseDegraded    Phase = "degraded"
)

// DefaultFallbackLimit bounds the unfiltered window served while degraded.
const DefaultFallbackLimit = 500

// Status is a point-in-time view of the coordinator.
type Status struct {
	Phase     Phase             `json:"phase"`
	Requested store.Constraints `json:"requested"`
	Active    store.Constraints `json:"active"`
	Revision  uint64            `json:"revision"`
	LastError string            `json:"lastError,omitempty"`
}

// ConstraintsFor derives the store-side part of a filter state: the category
// facet and the ordering. Everything else is applied by the pipeline.
func ConstraintsFor(state query.State) store.Constraints {
	c := store.Constraints{CategoryKeys: slices.Clone(state.Normalize().Categories)}
	switch state.Sort {
	case query.SortAlpha:
		c.OrderBy = store.OrderTitle
	default:
		c.OrderBy = store.OrderUpdatedAt
	}
	return c
}

// Coordinator owns one subscription at a time. Every Open and Close bumps a
// generation; callbacks and fallback retries belonging to an older generation
// are dropped.
type Coordinator struct {
	sub           store.Subscriber
	index         *catalog.Index
	log           *zap.Logger
	fallbackLimit int

	mu          sync.Mutex
	gen         uint64
	phase       Phase
	requested   store.Constraints
	active      store.Constraints
	unsubscribe store.Unsubscribe
	cancel      context.CancelFunc
	lastErr     error

	wg sync.WaitGroup
}

type Option func(*Coordinator)

func WithFallbackLimit(limit int) Option {
	return func(c *Coordinator) {
		if limit > 0 {
			c.fallbackLimit = limit
		}
	}
}

func New(sub store.Subscriber, index *catalog.Index, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		sub:           sub,
		index:         index,
		log:           log.With(zap.String("component", "feed")),
		fallbackLimit: DefaultFallbackLimit,
		phase:         PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Index() *catalog.Index {
	return c.index
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Phase:     c.phase,
		Requested: c.requested,
		Active:    c.active,
		Revision:  c.index.Snapshot().Revision(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Coordinator) fallback() store.Constraints {
	return store.Constraints{OrderBy: store.OrderUpdatedAt, Limit: c.fallbackLimit}
}

// Open subscribes with the narrowest constraints the store may serve. Calling
// it again with equal constraints keeps the current feed, degraded or not; a
// change tears the feed down and retries the narrow query.
func (c *Coordinator) Open(ctx context.Context, cons store.Constraints) error {
	c.mu.Lock()
	if c.phase != PhaseIdle && sameConstraints(c.requested, cons) {
		c.mu.Unlock()
		return nil
	}
	old, oldCancel := c.detachLocked()
	c.gen++
	gen := c.gen
	genCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.requested = cons
	c.active = cons
	c.lastErr = nil
	c.setPhaseLocked(PhaseSubscribing)
	c.mu.Unlock()

	release(old, oldCancel)
	return c.attach(ctx, genCtx, gen, cons, false)
}

// Close tears the feed down. When it returns no callback of the closed
// feed runs, and pending fallback retries have finished.
func (c *Coordinator) Close() {
	c.mu.Lock()
	old, oldCancel := c.detachLocked()
	c.gen++
	c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()

	release(old, oldCancel)
	c.wg.Wait()
}

func (c *Coordinator) detachLocked() (store.Unsubscribe, context.CancelFunc) {
	old, cancel := c.unsubscribe, c.cancel
	c.unsubscribe, c.cancel = nil, nil
	return old, cancel
}

func release(unsubscribe store.Unsubscribe, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Coordinator) setPhaseLocked(phase Phase) {
	if c.phase == phase {
		return
	}
	c.log.Debug("feed phase", zap.String("from", string(c.phase)), zap.String("to", string(phase)))
	c.phase = phase
	transitionsTotal.WithLabelValues(string(phase)).Inc()
}

func (c *Coordinator) attach(ctx, genCtx context.Context, gen uint64, cons store.Constraints, degraded bool) error {
	unsub, err := c.sub.Subscribe(ctx, cons, c.onSnapshot(gen, degraded), c.onError(genCtx, gen, degraded))
	if err != nil {
		if !degraded && errors.Is(err, store.ErrConstraintUnsupported) {
			return c.degrade(ctx, genCtx, gen, err)
		}
		c.mu.Lock()
		if c.gen == gen {
			c.lastErr = err
			c.setPhaseLocked(PhaseIdle)
		}
		c.mu.Unlock()
		feedErrorsTotal.Inc()
		return fmt.Errorf("subscribe %s: %w", cons, err)
	}

	c.mu.Lock()
	// A fallback may already have replaced the narrow feed of this generation.
	if c.gen != gen || (!degraded && c.phase == PhaseDegraded) {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsubscribe = unsub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) degrade(ctx, genCtx context.Context, gen uint64, cause error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	old := c.unsubscribe
	c.unsubscribe = nil
	requested := c.requested
	fallback := c.fallback()
	c.active = fallback
	c.setPhaseLocked(PhaseDegraded)
	c.mu.Unlock()

	degradationsTotal.Inc()
	c.log.Info("store cannot serve constraints, widening feed",
		zap.Stringer("requested", requested),
		zap.Stringer("fallback", fallback),
		zap.Error(cause))

	if old != nil {
		old()
	}
	return c.attach(ctx, genCtx, gen, fallback, true)
}

func (c *Coordinator) onSnapshot(gen uint64, degraded bool) func(catalog.Data) {
	return func(data catalog.Data) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return
		}
		if degraded {
			c.setPhaseLocked(PhaseDegraded)
		} else {
			c.setPhaseLocked(PhaseLive)
		}
		c.index.Replace(data)
		snapshotsTotal.Inc()
	}
}

// onError runs on the store's delivery goroutine, so any follow-up that
// unsubscribes is moved off it.
func (c *Coordinator) onError(genCtx context.Context, gen uint64, degraded bool) func(error) {
	return func(err error) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if !degraded && errors.Is(err, store.ErrConstraintUnsupported) {
			c.wg.Add(1)
			c.mu.Unlock()
			go func() {
				defer c.wg.Done()
				if err := c.degrade(genCtx, genCtx, gen, err); err != nil {
					c.log.Warn("fallback subscription failed", zap.Error(err))
				}
			}()
			return
		}

		c.lastErr = err
		c.gen++
		c.setPhaseLocked(PhaseIdle)
		old, cancel := c.detachLocked()
		c.wg.Add(1)
		c.mu.Unlock()

		feedErrorsTotal.Inc()
		c.log.Warn("live feed failed", zap.Error(err))
		go func() {
			defer c.wg.Done()
			release(old, cancel)
		}()
	}
}

func sameConstraints(a, b store.Constraints) bool {
	return a.OrderBy == b.OrderBy && a.Limit == b.Limit && slices.Equal(a.CategoryKeys, b.CategoryKeys)
}
