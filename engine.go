package rls

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// Engine wires the resolver manager, the relationship and field access
// registries, the masking processor and the audit pipeline behind one
// facade. It is safe for concurrent use once configured.
type Engine struct {
	resolvers     *ResolverManager
	relationships *RelationshipRegistry
	fields        *FieldAccessRegistry
	processor     *FieldAccessProcessor
	audit         *AuditLogger

	cache CacheProvider
	log   logger.Logger

	auditAdapter  AuditAdapter
	auditOpts     AuditOptions
	resolverOpts  ResolverOptions
	pendingConfig *Config
}

// EngineOption mutates the engine during construction.
type EngineOption func(*Engine) error

// WithLogger installs a Logger on the engine and all components.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithCache installs the shared cache provider used by the resolver
// manager.
func WithCache(c CacheProvider) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithAuditAdapter installs the audit sink.
func WithAuditAdapter(a AuditAdapter) EngineOption {
	return func(e *Engine) error {
		e.auditAdapter = a
		return nil
	}
}

// WithAuditOptions tunes audit buffering and sampling.
func WithAuditOptions(opts AuditOptions) EngineOption {
	return func(e *Engine) error {
		e.auditOpts = opts
		return nil
	}
}

// WithResolverTimeout bounds individual resolver invocations.
func WithResolverTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.resolverOpts.Timeout = d
		return nil
	}
}

// WithResolverCacheTTL sets the default TTL for cacheable resolvers.
func WithResolverCacheTTL(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.resolverOpts.DefaultTTL = d
		return nil
	}
}

// WithSequentialResolvers disables intra-level resolver parallelism.
func WithSequentialResolvers() EngineOption {
	return func(e *Engine) error {
		e.resolverOpts.Sequential = true
		return nil
	}
}

// New builds an engine. Without options it logs through phuslu, caches in
// memory and audits denied decisions to stdout.
func New(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		log:   logger.NewPhusluLogger(),
		cache: NewMemoryCache(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.auditAdapter == nil {
		e.auditAdapter = NewConsoleAuditAdapter(os.Stdout, false)
	}
	e.resolverOpts.Cache = e.cache
	e.resolverOpts.Logger = e.log
	e.auditOpts.Logger = e.log

	e.resolvers = NewResolverManager(e.resolverOpts)
	e.relationships = NewRelationshipRegistry(e.log)
	e.fields = NewFieldAccessRegistry(e.log)
	e.processor = NewFieldAccessProcessor(e.fields, e.log)
	e.audit = NewAuditLogger(e.auditAdapter, e.auditOpts)

	if e.pendingConfig != nil {
		if err := e.ApplyConfig(e.pendingConfig); err != nil {
			e.Close()
			return nil, err
		}
		e.pendingConfig = nil
	}
	return e, nil
}

// Close flushes audit state and releases cache resources.
func (e *Engine) Close() {
	e.audit.Close()
	if s, ok := e.cache.(interface{ Stop() }); ok {
		s.Stop()
	}
}

// ============================================================================
// REGISTRATION API
// ============================================================================

func (e *Engine) RegisterResolver(r *ContextResolver) error {
	return e.resolvers.Register(r)
}

func (e *Engine) RegisterRelationshipTable(table string, cfg TableRelationshipConfig) error {
	return e.relationships.RegisterTable(table, cfg)
}

func (e *Engine) RegisterFieldAccessTable(table string, cfg FieldTableConfig) error {
	return e.fields.RegisterTable(table, cfg)
}

func (e *Engine) ConfigureAuditTable(table string, cfg TableAuditConfig) {
	e.audit.ConfigureTable(table, cfg)
}

// Audit exposes the audit logger for direct event emission and flushing.
func (e *Engine) Audit() *AuditLogger { return e.audit }

// Relationships exposes the compiled relationship registry.
func (e *Engine) Relationships() *RelationshipRegistry { return e.relationships }

// ============================================================================
// PER-OPERATION API
// ============================================================================

// ResolveContext enriches base through the resolver set and binds the
// enriched context as ambient state on the returned context.Context.
func (e *Engine) ResolveContext(ctx context.Context, base *AuthContext) (context.Context, *AuthContext, error) {
	enriched, err := e.resolvers.Resolve(ctx, base)
	if err != nil {
		return ctx, nil, err
	}
	return WithAuthContext(ctx, enriched), enriched, nil
}

// ResolveOne re-resolves a single named resolver for the base context.
func (e *Engine) ResolveOne(ctx context.Context, name string, base *AuthContext) (ResolvedData, error) {
	return e.resolvers.ResolveOne(ctx, name, base)
}

// InvalidateResolverCache busts cached resolver data for a user, for all
// resolvers or only the named ones.
func (e *Engine) InvalidateResolverCache(ctx context.Context, userID string, resolverNames ...string) error {
	return e.resolvers.InvalidateCache(ctx, userID, resolverNames...)
}

// ClearResolverCache busts every cached resolver entry.
func (e *Engine) ClearResolverCache(ctx context.Context) error {
	return e.resolvers.ClearCache(ctx)
}

// Authorize evaluates the relationship policies for the ambient context
// against a table and operation, records the decision, and hands back the
// row filters for the collaborator query layer. A missing ambient context
// fails closed.
func (e *Engine) Authorize(ctx context.Context, table string, op Operation) (*AccessDecision, error) {
	start := time.Now()
	ac, ok := AuthFromContext(ctx)
	if !ok {
		decision := &AccessDecision{Allowed: false, Governed: true, Reason: "no authorization context"}
		e.auditDecision(ctx, op, table, decision, start)
		return decision, errors.New("no authorization context bound; call ResolveContext or Run first")
	}
	decision := e.relationships.Evaluate(ac, table, op)
	if decision.Governed {
		e.auditDecision(ctx, op, table, decision, start)
	}
	return decision, nil
}

func (e *Engine) auditDecision(ctx context.Context, op Operation, table string, decision *AccessDecision, start time.Time) {
	ev := e.audit.newEvent(ctx, op, table, decision.MatchedPolicy, DecisionDeny, decision.Reason)
	switch {
	case !decision.Allowed:
		ev.Decision = DecisionDeny
	case len(decision.Filters) > 0:
		ev.Decision = DecisionFilter
	default:
		ev.Decision = DecisionAllow
	}
	ev.Duration = time.Since(start)
	e.audit.Log(ctx, ev)
}

// MaskRow applies the field read rules for the ambient context.
func (e *Engine) MaskRow(ctx context.Context, table string, row map[string]any, opts *MaskOptions) MaskResult {
	ac, _ := AuthFromContext(ctx)
	return e.processor.MaskRow(ac, table, row, opts)
}

// MaskRows applies MaskRow to each row.
func (e *Engine) MaskRows(ctx context.Context, table string, rows []map[string]any, opts *MaskOptions) []MaskResult {
	ac, _ := AuthFromContext(ctx)
	return e.processor.MaskRows(ac, table, rows, opts)
}

// ValidateWrite gates a mutation payload. A violation is recorded as a
// denied decision and returned.
func (e *Engine) ValidateWrite(ctx context.Context, table string, data, existing map[string]any) error {
	ac, _ := AuthFromContext(ctx)
	err := e.processor.ValidateWrite(ac, table, data, existing)
	var violation *PolicyViolation
	if errors.As(err, &violation) {
		op := OpUpdate
		if existing == nil {
			op = OpCreate
		}
		ev := e.audit.newEvent(ctx, op, table, "", DecisionDeny, "unwritable fields")
		ev.Fields = violation.Fields
		e.audit.Log(ctx, ev)
	}
	return err
}

// FilterWritableFields drops unwritable fields instead of failing.
func (e *Engine) FilterWritableFields(ctx context.Context, table string, data, existing map[string]any) (map[string]any, []string) {
	ac, _ := AuthFromContext(ctx)
	return e.processor.FilterWritableFields(ac, table, data, existing)
}

// ReadableFields lists the fields of row the ambient context may read.
func (e *Engine) ReadableFields(ctx context.Context, table string, row map[string]any) []string {
	ac, _ := AuthFromContext(ctx)
	return e.processor.ReadableFields(ac, table, row)
}

// WritableFields lists the fields of row the ambient context may write.
func (e *Engine) WritableFields(ctx context.Context, table string, row map[string]any) []string {
	ac, _ := AuthFromContext(ctx)
	return e.processor.WritableFields(ac, table, row)
}
