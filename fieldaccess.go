package rls

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// FIELD PREDICATES
// ============================================================================

// FieldPredicate decides field visibility/writability for a context. The
// row is the stored row on the read path and the existing row (or, on
// creates, the incoming payload) on the write path.
type FieldPredicate func(ac *AuthContext, row map[string]any) bool

// Everyone admits any caller.
func Everyone() FieldPredicate {
	return func(*AuthContext, map[string]any) bool { return true }
}

// Nobody admits no caller (system/bypass still short-circuit above it).
func Nobody() FieldPredicate {
	return func(*AuthContext, map[string]any) bool { return false }
}

// SystemOnly admits only system identities.
func SystemOnly() FieldPredicate {
	return func(ac *AuthContext, _ map[string]any) bool { return ac != nil && ac.IsSystem }
}

// OwnerOnly admits the caller whose user id matches the row's owner
// column.
func OwnerOnly(column string) FieldPredicate {
	return func(ac *AuthContext, row map[string]any) bool {
		if ac == nil || ac.UserID == "" || row == nil {
			return false
		}
		owner, ok := row[column]
		if !ok {
			return false
		}
		return fmt.Sprint(owner) == ac.UserID
	}
}

// RolesOnly admits callers holding at least one of the roles.
func RolesOnly(roles ...string) FieldPredicate {
	return func(ac *AuthContext, _ map[string]any) bool {
		for _, role := range roles {
			if ac.HasRole(role) {
				return true
			}
		}
		return false
	}
}

// TenantMatch admits callers whose tenant matches the row's tenant
// column.
func TenantMatch(column string) FieldPredicate {
	return func(ac *AuthContext, row map[string]any) bool {
		if ac == nil || ac.TenantID == "" || row == nil {
			return false
		}
		tenant, ok := row[column]
		if !ok {
			return false
		}
		return fmt.Sprint(tenant) == ac.TenantID
	}
}

// ============================================================================
// FIELD RULES
// ============================================================================

// MaskFunc derives a custom placeholder from the original value.
type MaskFunc func(value any, ac *AuthContext) any

// FieldRule is the per-field access configuration. Nil predicates fall
// back to the table default.
type FieldRule struct {
	ReadIf         FieldPredicate
	WriteIf        FieldPredicate
	MaskValue      any
	Mask           MaskFunc
	OmitWhenHidden bool
}

// AccessDefault is the table-wide fallback for unconfigured fields.
type AccessDefault string

const (
	AccessAllow AccessDefault = "allow"
	AccessDeny  AccessDefault = "deny"
)

// FieldTableConfig registers field rules for one table. An unset
// DefaultAccess fails closed (deny).
type FieldTableConfig struct {
	Fields        map[string]FieldRule
	DefaultAccess AccessDefault
	BypassRoles   []string
}

type compiledFieldTable struct {
	fields       map[string]FieldRule
	defaultAllow bool
	bypassRoles  []string
}

func (t *compiledFieldTable) bypassed(ac *AuthContext) bool {
	if ac != nil && ac.IsSystem {
		return true
	}
	for _, role := range t.bypassRoles {
		if ac.HasRole(role) {
			return true
		}
	}
	return false
}

// ============================================================================
// REGISTRY
// ============================================================================

// FieldAccessRegistry compiles per-table field access configuration.
type FieldAccessRegistry struct {
	mu     sync.RWMutex
	tables map[string]*compiledFieldTable
	log    logger.Logger
}

func NewFieldAccessRegistry(log logger.Logger) *FieldAccessRegistry {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &FieldAccessRegistry{tables: make(map[string]*compiledFieldTable), log: log}
}

// RegisterTable validates and installs the field configuration for a
// table.
func (r *FieldAccessRegistry) RegisterTable(table string, cfg FieldTableConfig) error {
	if table == "" {
		return &SchemaError{Component: "field", Name: "", Detail: "table name required"}
	}
	switch cfg.DefaultAccess {
	case AccessAllow, AccessDeny:
	case "":
		cfg.DefaultAccess = AccessDeny
	default:
		return &SchemaError{Component: "field", Name: table, Detail: fmt.Sprintf("unknown default access %q", cfg.DefaultAccess)}
	}
	for name := range cfg.Fields {
		if name == "" {
			return &SchemaError{Component: "field", Name: table, Detail: "field rule with empty field name"}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[table]; exists {
		return &SchemaError{Component: "field", Name: table, Detail: "table already registered"}
	}
	fields := make(map[string]FieldRule, len(cfg.Fields))
	for name, rule := range cfg.Fields {
		fields[name] = rule
	}
	r.tables[table] = &compiledFieldTable{
		fields:       fields,
		defaultAllow: cfg.DefaultAccess == AccessAllow,
		bypassRoles:  append([]string(nil), cfg.BypassRoles...),
	}
	r.log.Debug("field access table registered", "table", table, "fields", len(fields))
	return nil
}

// Governs reports whether the table has field access configuration.
func (r *FieldAccessRegistry) Governs(table string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tables[table]
	return ok
}

func (r *FieldAccessRegistry) table(table string) (*compiledFieldTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[table]
	return t, ok
}

// ============================================================================
// PROCESSOR
// ============================================================================

// MaskOptions restricts which fields a masking pass considers. Fields, when
// non-empty, is an allow-list; ExcludeFields always pass through untouched.
type MaskOptions struct {
	Fields        []string
	ExcludeFields []string
}

func (o *MaskOptions) skip(field string) bool {
	if o == nil {
		return false
	}
	for _, f := range o.ExcludeFields {
		if f == field {
			return true
		}
	}
	if len(o.Fields) > 0 {
		for _, f := range o.Fields {
			if f == field {
				return false
			}
		}
		return true
	}
	return false
}

// MaskResult is the outcome of masking one row.
type MaskResult struct {
	Data          map[string]any
	MaskedFields  []string
	OmittedFields []string
}

// FieldAccessProcessor applies compiled field rules to rows on the read
// path and to payloads on the write path. A failing or panicking predicate
// is treated as "not accessible" for that field only, never as a row
// failure.
type FieldAccessProcessor struct {
	registry *FieldAccessRegistry
	log      logger.Logger
}

func NewFieldAccessProcessor(registry *FieldAccessRegistry, log logger.Logger) *FieldAccessProcessor {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &FieldAccessProcessor{registry: registry, log: log}
}

// MaskRow enforces read rules on a single row. Ungoverned tables and
// bypassed contexts get the row back untouched.
func (p *FieldAccessProcessor) MaskRow(ac *AuthContext, table string, row map[string]any, opts *MaskOptions) MaskResult {
	if row == nil {
		return MaskResult{}
	}
	cfg, ok := p.registry.table(table)
	if !ok || cfg.bypassed(ac) {
		return MaskResult{Data: row}
	}

	out := make(map[string]any, len(row))
	result := MaskResult{}
	for _, field := range sortedKeys(row) {
		value := row[field]
		if opts.skip(field) {
			out[field] = value
			continue
		}
		rule, configured := cfg.fields[field]
		readable := false
		switch {
		case configured && rule.ReadIf != nil:
			readable = p.eval(rule.ReadIf, ac, row, table, field)
		default:
			readable = cfg.defaultAllow
		}
		if readable {
			out[field] = value
			continue
		}
		if configured && rule.OmitWhenHidden {
			result.OmittedFields = append(result.OmittedFields, field)
			continue
		}
		if configured && rule.Mask != nil {
			out[field] = p.evalMask(rule.Mask, value, ac, table, field)
		} else if configured {
			out[field] = rule.MaskValue
		} else {
			out[field] = nil
		}
		result.MaskedFields = append(result.MaskedFields, field)
	}
	result.Data = out
	return result
}

// MaskRows applies MaskRow to every row.
func (p *FieldAccessProcessor) MaskRows(ac *AuthContext, table string, rows []map[string]any, opts *MaskOptions) []MaskResult {
	results := make([]MaskResult, len(rows))
	for i, row := range rows {
		results[i] = p.MaskRow(ac, table, row, opts)
	}
	return results
}

// ValidateWrite is the hard gate before a mutation: it returns a
// PolicyViolation naming every field in data the caller may not write.
// existing carries the stored row for updates; nil on creates, in which
// case owner-style predicates see the incoming payload.
func (p *FieldAccessProcessor) ValidateWrite(ac *AuthContext, table string, data, existing map[string]any) error {
	violations := p.unwritableFields(ac, table, data, existing)
	if len(violations) == 0 {
		return nil
	}
	return &PolicyViolation{Table: table, Fields: violations}
}

// FilterWritableFields is the non-throwing variant: unwritable fields are
// silently dropped and reported.
func (p *FieldAccessProcessor) FilterWritableFields(ac *AuthContext, table string, data, existing map[string]any) (map[string]any, []string) {
	removed := p.unwritableFields(ac, table, data, existing)
	if len(removed) == 0 {
		return data, nil
	}
	blocked := make(map[string]bool, len(removed))
	for _, f := range removed {
		blocked[f] = true
	}
	out := make(map[string]any, len(data))
	for field, value := range data {
		if !blocked[field] {
			out[field] = value
		}
	}
	return out, removed
}

func (p *FieldAccessProcessor) unwritableFields(ac *AuthContext, table string, data, existing map[string]any) []string {
	if data == nil {
		return nil
	}
	cfg, ok := p.registry.table(table)
	if !ok || cfg.bypassed(ac) {
		return nil
	}
	row := existing
	if row == nil {
		row = data
	}
	var violations []string
	for _, field := range sortedKeys(data) {
		rule, configured := cfg.fields[field]
		writable := false
		switch {
		case configured && rule.WriteIf != nil:
			writable = p.eval(rule.WriteIf, ac, row, table, field)
		default:
			writable = cfg.defaultAllow
		}
		if !writable {
			violations = append(violations, field)
		}
	}
	return violations
}

// ReadableFields reports which of the row's fields the context may read,
// for building dynamic projections.
func (p *FieldAccessProcessor) ReadableFields(ac *AuthContext, table string, row map[string]any) []string {
	return p.accessibleFields(ac, table, row, true)
}

// WritableFields reports which of the row's fields the context may write.
func (p *FieldAccessProcessor) WritableFields(ac *AuthContext, table string, row map[string]any) []string {
	return p.accessibleFields(ac, table, row, false)
}

func (p *FieldAccessProcessor) accessibleFields(ac *AuthContext, table string, row map[string]any, read bool) []string {
	if row == nil {
		return nil
	}
	fields := sortedKeys(row)
	cfg, ok := p.registry.table(table)
	if !ok || cfg.bypassed(ac) {
		return fields
	}
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		rule, configured := cfg.fields[field]
		pred := rule.WriteIf
		if read {
			pred = rule.ReadIf
		}
		accessible := cfg.defaultAllow
		if configured && pred != nil {
			accessible = p.eval(pred, ac, row, table, field)
		}
		if accessible {
			out = append(out, field)
		}
	}
	return out
}

// eval runs a predicate fail-closed: panics become a logged
// FieldEvaluationError and the field reads as inaccessible.
func (p *FieldAccessProcessor) eval(pred FieldPredicate, ac *AuthContext, row map[string]any, table, field string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ferr := &FieldEvaluationError{Table: table, Field: field, Err: fmt.Errorf("panic: %v", rec)}
			p.log.Error("field predicate failed, masking field", "table", table, "field", field, "error", ferr)
			ok = false
		}
	}()
	return pred(ac, row)
}

func (p *FieldAccessProcessor) evalMask(mask MaskFunc, value any, ac *AuthContext, table, field string) (out any) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("mask function failed, using nil", "table", table, "field", field, "panic", fmt.Sprint(rec))
			out = nil
		}
	}()
	return mask(value, ac)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
