package rls

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// CONTEXT RESOLVERS
// ============================================================================

const (
	// DefaultResolverTimeout bounds a single resolver invocation.
	DefaultResolverTimeout = 5 * time.Second
	// DefaultResolverCacheTTL applies when a cacheable resolver does not
	// set its own TTL.
	DefaultResolverCacheTTL = 5 * time.Minute

	resolverCachePrefix = "rls:resolver:"
)

// ContextResolver computes one named slice of contextual authorization
// data. Resolvers may depend on other resolvers by name; dependency data
// from earlier levels is visible on the AuthContext passed to Resolve.
type ContextResolver struct {
	Name      string
	DependsOn []string

	// Resolve computes the data. The context carries the per-resolver
	// timeout; the AuthContext is a read-only snapshot enriched with all
	// dependency results resolved so far.
	Resolve func(ctx context.Context, base *AuthContext) (ResolvedData, error)

	// CacheKey derives the cache key suffix for this resolver, typically
	// embedding the user id so per-user invalidation can target it.
	// Nil (or an empty return) disables caching for the resolver.
	CacheKey func(base *AuthContext) string

	CacheTTL time.Duration // 0 = manager default
	Timeout  time.Duration // 0 = manager default
	Priority int           // higher merges first within a level

	// Optional resolvers degrade gracefully: a failure or timeout is
	// logged and the resolution proceeds without their data. The zero
	// value means required.
	Optional bool
}

// ResolverOptions tunes a ResolverManager.
type ResolverOptions struct {
	Cache      CacheProvider
	Logger     logger.Logger
	DefaultTTL time.Duration
	Timeout    time.Duration

	// Sequential disables intra-level parallelism, for debugging.
	Sequential bool
}

// ResolverManager orchestrates resolver execution: topological ordering,
// level-parallel fan-out, caching and result merging.
type ResolverManager struct {
	mu        sync.RWMutex
	resolvers map[string]*ContextResolver
	seq       map[string]int // registration order, for deterministic ties
	nextSeq   int

	cache      CacheProvider
	log        logger.Logger
	defaultTTL time.Duration
	timeout    time.Duration
	sequential bool
}

func NewResolverManager(opts ResolverOptions) *ResolverManager {
	m := &ResolverManager{
		resolvers:  make(map[string]*ContextResolver),
		seq:        make(map[string]int),
		cache:      opts.Cache,
		log:        opts.Logger,
		defaultTTL: opts.DefaultTTL,
		timeout:    opts.Timeout,
		sequential: opts.Sequential,
	}
	if m.log == nil {
		m.log = logger.NewNullLogger()
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = DefaultResolverCacheTTL
	}
	if m.timeout <= 0 {
		m.timeout = DefaultResolverTimeout
	}
	return m
}

// Register adds a resolver. Names must be unique. Dependency references are
// validated lazily at resolve time because they may point at resolvers
// registered later.
func (m *ResolverManager) Register(r *ContextResolver) error {
	if r == nil || r.Name == "" {
		return &SchemaError{Component: "resolver", Name: "", Detail: "resolver requires a name"}
	}
	if r.Resolve == nil {
		return &SchemaError{Component: "resolver", Name: r.Name, Detail: "resolver requires a Resolve function"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resolvers[r.Name]; exists {
		return &SchemaError{Component: "resolver", Name: r.Name, Detail: "duplicate resolver name"}
	}
	m.resolvers[r.Name] = r
	m.seq[r.Name] = m.nextSeq
	m.nextSeq++
	return nil
}

// Names returns the registered resolver names in registration order.
func (m *ResolverManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.resolvers))
	for name := range m.resolvers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return m.seq[names[i]] < m.seq[names[j]] })
	return names
}

// ============================================================================
// PLANNING (topological sort into dependency levels)
// ============================================================================

// plan computes execution levels: level 0 has no dependencies, level n+1
// depends only on levels <= n. Within a level entries are ordered by
// priority descending, then registration order, which also fixes the merge
// precedence for key collisions.
func (m *ResolverManager) plan(snapshot map[string]*ContextResolver, roots []string) ([][]*ContextResolver, error) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)
	state := make(map[string]int, len(snapshot))
	level := make(map[string]int, len(snapshot))

	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		r, ok := snapshot[name]
		if !ok {
			return 0, &SchemaError{Component: "resolver", Name: name, Detail: "unknown resolver referenced in dependsOn"}
		}
		switch state[name] {
		case gray:
			return 0, &SchemaError{Component: "resolver", Name: name, Detail: "dependency cycle involving resolver " + name}
		case black:
			return level[name], nil
		}
		state[name] = gray
		lv := 0
		for _, dep := range r.DependsOn {
			dl, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if dl+1 > lv {
				lv = dl + 1
			}
		}
		state[name] = black
		level[name] = lv
		return lv, nil
	}

	for _, name := range roots {
		if _, err := visit(name); err != nil {
			return nil, err
		}
	}

	maxLevel := -1
	for _, lv := range level {
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	levels := make([][]*ContextResolver, maxLevel+1)
	for name, lv := range level {
		levels[lv] = append(levels[lv], snapshot[name])
	}
	for _, entries := range levels {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Priority != entries[j].Priority {
				return entries[i].Priority > entries[j].Priority
			}
			return m.seq[entries[i].Name] < m.seq[entries[j].Name]
		})
	}
	return levels, nil
}

// ============================================================================
// RESOLUTION
// ============================================================================

type resolverOutcome struct {
	resolver *ContextResolver
	data     ResolvedData
	err      error
}

// Resolve runs every registered resolver in dependency order and returns a
// new enriched AuthContext. The base context is never mutated. Required
// resolver failures abort with a ResolverError; optional failures are
// logged and their contribution omitted.
func (m *ResolverManager) Resolve(ctx context.Context, base *AuthContext) (*AuthContext, error) {
	m.mu.RLock()
	snapshot := make(map[string]*ContextResolver, len(m.resolvers))
	for name, r := range m.resolvers {
		snapshot[name] = r
	}
	m.mu.RUnlock()

	return m.resolveSet(ctx, base, snapshot, m.Names())
}

// ResolveOne re-resolves a single resolver (and its transitive
// dependencies) and returns its data. Useful for partial refreshes after
// an invalidation.
func (m *ResolverManager) ResolveOne(ctx context.Context, name string, base *AuthContext) (ResolvedData, error) {
	m.mu.RLock()
	snapshot := make(map[string]*ContextResolver, len(m.resolvers))
	for n, r := range m.resolvers {
		snapshot[n] = r
	}
	m.mu.RUnlock()

	if _, ok := snapshot[name]; !ok {
		return nil, &SchemaError{Component: "resolver", Name: name, Detail: "unknown resolver"}
	}
	enriched, err := m.resolveSet(ctx, base, snapshot, []string{name})
	if err != nil {
		return nil, err
	}
	data, _ := enriched.Resolved[name].(ResolvedData)
	return data, nil
}

func (m *ResolverManager) resolveSet(ctx context.Context, base *AuthContext, snapshot map[string]*ContextResolver, roots []string) (*AuthContext, error) {
	if base == nil {
		base = &AuthContext{}
	}
	levels, err := m.plan(snapshot, roots)
	if err != nil {
		return nil, err
	}

	m.log.Debug("resolver plan computed", "plan", describePlan(levels))

	current := base.Clone()
	if current.Resolved == nil {
		current.Resolved = make(map[string]any)
	}

	for _, entries := range levels {
		outcomes := make([]resolverOutcome, len(entries))
		if m.sequential || len(entries) == 1 {
			for i, r := range entries {
				data, err := m.runResolver(ctx, r, current)
				outcomes[i] = resolverOutcome{resolver: r, data: data, err: err}
			}
		} else {
			var wg sync.WaitGroup
			for i, r := range entries {
				wg.Add(1)
				go func(i int, r *ContextResolver) {
					defer wg.Done()
					data, err := m.runResolver(ctx, r, current)
					outcomes[i] = resolverOutcome{resolver: r, data: data, err: err}
				}(i, r)
			}
			wg.Wait()
		}

		// Merge in plan order, not completion order, so collisions are
		// deterministic: first writer (highest priority) wins.
		for _, out := range outcomes {
			if out.err != nil {
				if !out.resolver.Optional {
					return nil, &ResolverError{Resolver: out.resolver.Name, Err: out.err}
				}
				m.log.Warn("optional resolver failed, continuing without its data",
					"resolver", out.resolver.Name, "error", out.err)
				continue
			}
			m.merge(current, out.resolver.Name, out.data)
		}
	}
	return current, nil
}

// merge stores data under the resolver's own name and spreads its keys to
// the root of Resolved without overwriting earlier writers.
func (m *ResolverManager) merge(ac *AuthContext, name string, data ResolvedData) {
	if data == nil {
		data = ResolvedData{}
	}
	ac.Resolved[name] = data
	for key, value := range data {
		if key == name {
			continue
		}
		if _, exists := ac.Resolved[key]; exists {
			m.log.Warn("resolved key collision, keeping first writer",
				"resolver", name, "key", key)
			continue
		}
		ac.Resolved[key] = value
	}
}

// runResolver consults the cache, then invokes the resolver under its
// timeout. A timed-out resolver keeps running in its goroutine; its late
// result is discarded rather than cancelled.
func (m *ResolverManager) runResolver(ctx context.Context, r *ContextResolver, base *AuthContext) (ResolvedData, error) {
	cacheKey := ""
	if r.CacheKey != nil && m.cache != nil {
		if suffix := r.CacheKey(base); suffix != "" {
			cacheKey = resolverCacheKey(r.Name, suffix)
		}
	}
	if cacheKey != "" {
		if value, ok, err := m.cache.Get(ctx, cacheKey); err == nil && ok {
			if data, ok := asResolvedData(value); ok {
				return data, nil
			}
		} else if err != nil {
			m.log.Warn("resolver cache read failed", "resolver", r.Name, "error", err)
		}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	type result struct {
		data ResolvedData
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := invokeResolver(ctx, r, base)
		done <- result{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var data ResolvedData
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		data = res.data
	case <-timer.C:
		return nil, fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if cacheKey != "" {
		ttl := r.CacheTTL
		if ttl <= 0 {
			ttl = m.defaultTTL
		}
		if err := m.cache.Set(ctx, cacheKey, data, ttl); err != nil {
			m.log.Warn("resolver cache write failed", "resolver", r.Name, "error", err)
		}
	}
	return data, nil
}

// invokeResolver shields the pipeline from panicking resolvers.
func invokeResolver(ctx context.Context, r *ContextResolver, base *AuthContext) (data ResolvedData, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolver panic: %v", rec)
		}
	}()
	return r.Resolve(ctx, base)
}

func resolverCacheKey(name, suffix string) string {
	return resolverCachePrefix + name + ":" + suffix
}

// asResolvedData normalizes cached values: in-process providers hand back
// the ResolvedData they were given, external providers decode into plain
// maps.
func asResolvedData(value any) (ResolvedData, bool) {
	switch v := value.(type) {
	case ResolvedData:
		return v, true
	case map[string]any:
		return ResolvedData(v), true
	default:
		return nil, false
	}
}

// ============================================================================
// CACHE INVALIDATION
// ============================================================================

// InvalidateCache drops cached entries whose key mentions userID, for all
// resolvers or only the named ones. Requires a provider with pattern
// deletes.
func (m *ResolverManager) InvalidateCache(ctx context.Context, userID string, resolverNames ...string) error {
	if m.cache == nil {
		return nil
	}
	pd, ok := m.cache.(PatternDeleter)
	if !ok {
		return fmt.Errorf("cache provider %T does not support pattern invalidation", m.cache)
	}
	names := resolverNames
	if len(names) == 0 {
		names = []string{"*"}
	}
	for _, name := range names {
		pattern := resolverCachePrefix + name + ":*"
		if userID != "" {
			pattern += userID + "*"
		}
		if err := pd.DeletePattern(ctx, pattern); err != nil {
			return fmt.Errorf("invalidate resolver cache %q: %w", name, err)
		}
	}
	return nil
}

// ClearCache drops every resolver cache entry.
func (m *ResolverManager) ClearCache(ctx context.Context) error {
	return m.InvalidateCache(ctx, "")
}

// describePlan renders the execution levels for debugging.
func describePlan(levels [][]*ContextResolver) string {
	parts := make([]string, 0, len(levels))
	for i, entries := range levels {
		names := make([]string, 0, len(entries))
		for _, r := range entries {
			names = append(names, r.Name)
		}
		parts = append(parts, fmt.Sprintf("L%d[%s]", i, strings.Join(names, ",")))
	}
	return strings.Join(parts, " ")
}
