package stores

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// PlanStore is a bounded LRU cache of plans in front of durable storage.
// Plans are copied on the way in and on the way out, so callers never share
// memory with the cache.
type PlanStore struct {
	mu       sync.Mutex
	capacity int
	cache    *lru.LRU[string, *engine.Plan] // nil when capacity is 0
	durable  Durable
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// PlanStoreOption configures a PlanStore.
type PlanStoreOption func(*PlanStore)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) PlanStoreOption {
	return func(s *PlanStore) { s.logger = logger }
}

// WithMetrics records cache hits, misses and evictions.
func WithMetrics(metrics *telemetry.Metrics) PlanStoreOption {
	return func(s *PlanStore) { s.metrics = metrics }
}

// NewPlanStore creates a store that keeps up to capacity plans in memory.
// durable may be nil, in which case plans live only in the cache.
func NewPlanStore(capacity int, durable Durable, opts ...PlanStoreOption) (*PlanStore, error) {
	if capacity < 0 {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid cache capacity %d", capacity), nil).
			WithCode(engine.ErrCodeValidation)
	}

	s := &PlanStore{
		capacity: capacity,
		durable:  durable,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if capacity > 0 {
		cache, err := lru.NewLRU[string, *engine.Plan](capacity, func(id string, _ *engine.Plan) {
			s.metrics.RecordCacheEviction()
			s.logger.Debug().Str("plan_id", id).Msg("Evicted plan from cache")
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create plan cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// Get returns a copy of the plan. A cache hit promotes the plan to most
// recently used; a miss falls back to durable storage and caches the result.
func (s *PlanStore) Get(ctx context.Context, id string) (*engine.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if plan, ok := s.cache.Get(id); ok {
			s.metrics.RecordCacheLookup(true)
			return plan.Clone(), nil
		}
	}
	s.metrics.RecordCacheLookup(false)

	if s.durable == nil {
		return nil, planNotFound(id)
	}

	plan, err := s.durable.LoadPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(id, plan.Clone())
	}
	return plan, nil
}

// Put inserts or replaces a plan, promoting it, and writes a snapshot to
// durable storage. The cache is updated even when the durable write fails.
func (s *PlanStore) Put(ctx context.Context, plan *engine.Plan) error {
	if plan == nil || plan.ID == "" {
		return engine.NewPermanentError("plan id is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		s.cache.Add(plan.ID, plan.Clone())
	}

	if s.durable == nil {
		return nil
	}
	if err := s.durable.SavePlan(ctx, plan); err != nil {
		s.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("Failed to persist plan")
		return engine.NewTransientError("failed to persist plan", err).
			WithCode(engine.ErrCodeStorage).
			WithResource(plan.ID)
	}
	return nil
}

// Len returns the number of cached plans.
func (s *PlanStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// Contains reports whether id is cached, without promoting it.
func (s *PlanStore) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache != nil && s.cache.Contains(id)
}

// Keys returns the cached ids from least to most recently used.
func (s *PlanStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return []string{}
	}
	return s.cache.Keys()
}

// Capacity returns the configured cache capacity.
func (s *PlanStore) Capacity() int {
	return s.capacity
}

// List returns summaries of all durably stored plans, newest first. Without
// durable storage it lists the cache.
func (s *PlanStore) List(ctx context.Context) ([]PlanSummary, error) {
	if s.durable != nil {
		return s.durable.ListPlans(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	summaries := []PlanSummary{}
	if s.cache == nil {
		return summaries, nil
	}
	keys := s.cache.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if plan, ok := s.cache.Peek(keys[i]); ok {
			summaries = append(summaries, Summarize(plan))
		}
	}
	return summaries, nil
}

// Chain returns the revision chain containing id, oldest first. It follows
// OriginalPlanID back to the root and SupersededBy forward to the newest
// revision.
func (s *PlanStore) Chain(ctx context.Context, id string) ([]*engine.Plan, error) {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{plan.ID: true}
	var back []*engine.Plan
	for cur := plan; cur.OriginalPlanID != "" && !seen[cur.OriginalPlanID]; {
		prev, err := s.Get(ctx, cur.OriginalPlanID)
		if err != nil {
			if engine.HasCode(err, engine.ErrCodePlanNotFound) {
				break
			}
			return nil, err
		}
		seen[prev.ID] = true
		back = append(back, prev)
		cur = prev
	}

	chain := make([]*engine.Plan, 0, len(back)+1)
	for i := len(back) - 1; i >= 0; i-- {
		chain = append(chain, back[i])
	}
	chain = append(chain, plan)

	for cur := plan; cur.SupersededBy != "" && !seen[cur.SupersededBy]; {
		next, err := s.Get(ctx, cur.SupersededBy)
		if err != nil {
			if engine.HasCode(err, engine.ErrCodePlanNotFound) {
				break
			}
			return nil, err
		}
		seen[next.ID] = true
		chain = append(chain, next)
		cur = next
	}

	return chain, nil
}
