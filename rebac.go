package rls

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// OPERATIONS
// ============================================================================

// Operation is a table-level action guarded by policies.
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"

	// OpAll expands to the four concrete operations at compile time.
	OpAll Operation = "all"
)

var concreteOperations = []Operation{OpRead, OpCreate, OpUpdate, OpDelete}

func normalizeOperations(ops []Operation) (map[Operation]bool, error) {
	set := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		switch op {
		case OpAll:
			for _, c := range concreteOperations {
				set[c] = true
			}
		case OpRead, OpCreate, OpUpdate, OpDelete:
			set[op] = true
		default:
			return nil, fmt.Errorf("unknown operation %q", op)
		}
	}
	return set, nil
}

// ============================================================================
// RELATIONSHIP PATHS
// ============================================================================

// JoinType selects how a relationship step is joined in.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
)

// RelationshipStep is one hop in a relationship path. Zero-valued columns
// take conventional defaults: FromColumn = To+"_id", ToColumn = "id",
// Alias = To, JoinType = inner.
type RelationshipStep struct {
	From       string         `json:"from" yaml:"from"`
	To         string         `json:"to" yaml:"to"`
	FromColumn string         `json:"from_column,omitempty" yaml:"from_column,omitempty"`
	ToColumn   string         `json:"to_column,omitempty" yaml:"to_column,omitempty"`
	Alias      string         `json:"alias,omitempty" yaml:"alias,omitempty"`
	JoinType   JoinType       `json:"join_type,omitempty" yaml:"join_type,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// RelationshipPath is a named ordered join chain from a source table to a
// target table.
type RelationshipPath struct {
	Name  string             `json:"name" yaml:"name"`
	Steps []RelationshipStep `json:"steps" yaml:"steps"`
}

// CompiledPath is a validated path with defaults applied.
type CompiledPath struct {
	Name        string
	SourceTable string
	TargetTable string
	TargetAlias string
	Steps       []RelationshipStep
}

func compilePath(table string, path RelationshipPath) (*CompiledPath, error) {
	if path.Name == "" {
		return nil, &SchemaError{Component: "relationship", Name: table, Detail: "relationship path requires a name"}
	}
	if len(path.Steps) == 0 {
		return nil, &SchemaError{Component: "relationship", Name: path.Name, Detail: "relationship path requires at least one step"}
	}
	steps := make([]RelationshipStep, len(path.Steps))
	copy(steps, path.Steps)
	for i := range steps {
		step := &steps[i]
		if step.From == "" || step.To == "" {
			return nil, &SchemaError{
				Component: "relationship", Name: path.Name,
				Detail: fmt.Sprintf("step %d requires both from and to", i),
			}
		}
		if step.FromColumn == "" {
			step.FromColumn = step.To + "_id"
		}
		if step.ToColumn == "" {
			step.ToColumn = "id"
		}
		if step.Alias == "" {
			step.Alias = step.To
		}
		if step.JoinType == "" {
			step.JoinType = JoinInner
		}
		if step.JoinType != JoinInner && step.JoinType != JoinLeft {
			return nil, &SchemaError{
				Component: "relationship", Name: path.Name,
				Detail: fmt.Sprintf("step %d has unknown join type %q", i, step.JoinType),
			}
		}
		if i > 0 {
			prev := steps[i-1]
			if step.From != prev.To && step.From != prev.Alias {
				return nil, &SchemaError{
					Component: "relationship", Name: path.Name,
					Detail: fmt.Sprintf("broken chain at step %d: %q does not continue from %q (alias %q)",
						i, step.From, prev.To, prev.Alias),
				}
			}
		}
	}
	return &CompiledPath{
		Name:        path.Name,
		SourceTable: steps[0].From,
		TargetTable: steps[len(steps)-1].To,
		TargetAlias: steps[len(steps)-1].Alias,
		Steps:       steps,
	}, nil
}

// ============================================================================
// POLICIES
// ============================================================================

// PolicyType is the closed set of policy kinds.
type PolicyType string

const (
	PolicyAllow  PolicyType = "allow"
	PolicyDeny   PolicyType = "deny"
	PolicyFilter PolicyType = "filter"
)

// EndConditionsFunc derives the column/value conditions applied at the
// target end of the policy's relationship path for the current context.
type EndConditionsFunc func(ac *AuthContext) map[string]any

// Policy is a relationship-based access rule for a table.
type Policy struct {
	Name          string
	Type          PolicyType
	Operations    []Operation
	Relationship  string
	EndConditions EndConditionsFunc
	Priority      int
}

// CompiledPolicy is a validated policy bound to its compiled path.
type CompiledPolicy struct {
	Name          string
	Type          PolicyType
	Operations    map[Operation]bool
	Path          *CompiledPath
	EndConditions EndConditionsFunc
	Priority      int
	seq           int
}

// AppliesTo reports whether the policy covers the operation.
func (p *CompiledPolicy) AppliesTo(op Operation) bool { return p.Operations[op] }

// TableRelationshipConfig is the registration payload for one table.
type TableRelationshipConfig struct {
	Relationships []RelationshipPath
	Policies      []Policy
}

// ============================================================================
// ROW FILTERS AND DECISIONS
// ============================================================================

// RowFilter is the declarative predicate a filter policy emits: join the
// path's steps, then constrain the target alias by Conditions. The engine
// never builds SQL; the collaborator query layer applies it.
type RowFilter struct {
	Path       *CompiledPath
	Conditions map[string]any
}

// AccessDecision is the outcome of evaluating a table/operation pair.
// Multiple row filters are alternatives: a row is visible when any filter
// admits it.
type AccessDecision struct {
	Allowed       bool
	Governed      bool
	MatchedPolicy string
	Reason        string
	Filters       []RowFilter
}

// ============================================================================
// RELATIONSHIP REGISTRY
// ============================================================================

type compiledTable struct {
	paths    map[string]*CompiledPath
	policies []*CompiledPolicy
}

// RelationshipRegistry compiles relationship paths and the policies that
// reference them. All validation happens at registration; evaluation never
// raises schema errors.
type RelationshipRegistry struct {
	mu     sync.RWMutex
	tables map[string]*compiledTable
	global map[string]*CompiledPath
	log    logger.Logger
}

func NewRelationshipRegistry(log logger.Logger) *RelationshipRegistry {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RelationshipRegistry{
		tables: make(map[string]*compiledTable),
		global: make(map[string]*CompiledPath),
		log:    log,
	}
}

// RegisterTable compiles and installs the relationships and policies for a
// table. Broken chains and unknown relationship references fail here with
// a SchemaError, never at query time.
func (r *RelationshipRegistry) RegisterTable(table string, cfg TableRelationshipConfig) error {
	if table == "" {
		return &SchemaError{Component: "relationship", Name: "", Detail: "table name required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[table]; exists {
		return &SchemaError{Component: "relationship", Name: table, Detail: "table already registered"}
	}

	compiled := &compiledTable{paths: make(map[string]*CompiledPath, len(cfg.Relationships))}
	for _, path := range cfg.Relationships {
		cp, err := compilePath(table, path)
		if err != nil {
			return err
		}
		if _, dup := compiled.paths[cp.Name]; dup {
			return &SchemaError{Component: "relationship", Name: cp.Name, Detail: "duplicate relationship name on table " + table}
		}
		compiled.paths[cp.Name] = cp
	}

	for i, pol := range cfg.Policies {
		if pol.Name == "" {
			return &SchemaError{Component: "policy", Name: table, Detail: fmt.Sprintf("policy %d requires a name", i)}
		}
		switch pol.Type {
		case PolicyAllow, PolicyDeny, PolicyFilter:
		default:
			return &SchemaError{Component: "policy", Name: pol.Name, Detail: fmt.Sprintf("unknown policy type %q", pol.Type)}
		}
		ops, err := normalizeOperations(pol.Operations)
		if err != nil {
			return &SchemaError{Component: "policy", Name: pol.Name, Detail: err.Error()}
		}
		if len(ops) == 0 {
			return &SchemaError{Component: "policy", Name: pol.Name, Detail: "policy covers no operations"}
		}
		var path *CompiledPath
		if pol.Relationship != "" {
			// table scope first, then global
			path = compiled.paths[pol.Relationship]
			if path == nil {
				path = r.global[pol.Relationship]
			}
			if path == nil {
				return &SchemaError{Component: "policy", Name: pol.Name, Detail: fmt.Sprintf("unknown relationship %q", pol.Relationship)}
			}
		} else if pol.Type == PolicyFilter {
			return &SchemaError{Component: "policy", Name: pol.Name, Detail: "filter policy requires a relationship path"}
		}
		compiled.policies = append(compiled.policies, &CompiledPolicy{
			Name:          pol.Name,
			Type:          pol.Type,
			Operations:    ops,
			Path:          path,
			EndConditions: pol.EndConditions,
			Priority:      pol.Priority,
			seq:           i,
		})
	}

	sort.SliceStable(compiled.policies, func(i, j int) bool {
		if compiled.policies[i].Priority != compiled.policies[j].Priority {
			return compiled.policies[i].Priority > compiled.policies[j].Priority
		}
		return compiled.policies[i].seq < compiled.policies[j].seq
	})

	r.tables[table] = compiled
	for name, cp := range compiled.paths {
		// first registration of a name owns the global slot
		if _, taken := r.global[name]; !taken {
			r.global[name] = cp
		}
	}
	r.log.Debug("relationship table registered", "table", table,
		"paths", len(compiled.paths), "policies", len(compiled.policies))
	return nil
}

// Governs reports whether the table has any ReBAC configuration.
func (r *RelationshipRegistry) Governs(table string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tables[table]
	return ok
}

// Policies returns the compiled policies for a table covering op, highest
// priority first.
func (r *RelationshipRegistry) Policies(table string, op Operation) []*CompiledPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.tables[table]
	if !ok {
		return nil
	}
	out := make([]*CompiledPolicy, 0, len(ct.policies))
	for _, p := range ct.policies {
		if p.AppliesTo(op) {
			out = append(out, p)
		}
	}
	return out
}

// Relationship resolves a compiled path, table scope first when table is
// non-empty, then the global namespace.
func (r *RelationshipRegistry) Relationship(name, table string) (*CompiledPath, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if table != "" {
		if ct, ok := r.tables[table]; ok {
			if cp, ok := ct.paths[name]; ok {
				return cp, true
			}
		}
	}
	cp, ok := r.global[name]
	return cp, ok
}

// Evaluate walks the applicable policies in priority order. Deny and allow
// short-circuit; filter policies accumulate row filters. A governed table
// with no applicable policy fails closed; an ungoverned table is untouched.
func (r *RelationshipRegistry) Evaluate(ac *AuthContext, table string, op Operation) *AccessDecision {
	if !r.Governs(table) {
		return &AccessDecision{Allowed: true, Governed: false, Reason: "table not governed"}
	}
	policies := r.Policies(table, op)
	if len(policies) == 0 {
		return &AccessDecision{Allowed: false, Governed: true, Reason: "no policy covers operation"}
	}

	decision := &AccessDecision{Governed: true}
	for _, p := range policies {
		switch p.Type {
		case PolicyDeny:
			decision.Allowed = false
			decision.MatchedPolicy = p.Name
			decision.Reason = "denied by policy"
			decision.Filters = nil
			return decision
		case PolicyAllow:
			decision.Allowed = true
			decision.MatchedPolicy = p.Name
			decision.Reason = "allowed by policy"
			return decision
		case PolicyFilter:
			conditions, err := evalEndConditions(p, ac)
			if err != nil {
				// fail closed: a filter whose conditions cannot be computed
				// denies instead of leaking rows
				r.log.Error("end condition evaluation failed, denying",
					"policy", p.Name, "table", table, "error", err)
				decision.Allowed = false
				decision.MatchedPolicy = p.Name
				decision.Reason = "end condition evaluation failed"
				decision.Filters = nil
				return decision
			}
			decision.Filters = append(decision.Filters, RowFilter{Path: p.Path, Conditions: conditions})
			if decision.MatchedPolicy == "" {
				decision.MatchedPolicy = p.Name
			}
		}
	}
	decision.Allowed = len(decision.Filters) > 0
	if decision.Allowed {
		decision.Reason = "filtered by policy"
	}
	return decision
}

func evalEndConditions(p *CompiledPolicy, ac *AuthContext) (conditions map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in end conditions of policy %q: %v", p.Name, rec)
		}
	}()
	if p.EndConditions == nil {
		return map[string]any{}, nil
	}
	return p.EndConditions(ac), nil
}
