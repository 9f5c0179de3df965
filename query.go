package rls

import (
	"context"
	"fmt"
)

// ============================================================================
// COLLABORATOR QUERY LAYER
// ============================================================================

// QueryHandle is the collaborator's opaque in-flight query.
type QueryHandle any

// QueryExecutor is the consumed interface to the query layer. The engine
// only describes joins and predicates; it never builds or executes SQL.
type QueryExecutor interface {
	// ApplyJoin attaches one relationship step as a JOIN-equivalent.
	ApplyJoin(q QueryHandle, step RelationshipStep) QueryHandle

	// ApplyFilter attaches a WHERE-equivalent predicate: conditions are
	// column/value pairs scoped to the given table alias. Successive
	// ApplyFilter calls for the same decision are alternatives (OR).
	ApplyFilter(q QueryHandle, alias string, conditions map[string]any) QueryHandle

	// Execute runs the query and returns its rows.
	Execute(ctx context.Context, q QueryHandle) ([]map[string]any, error)
}

// ApplyDecision translates an access decision into executor calls: for
// each row filter, the path's joins followed by its end conditions at the
// target alias. Denied decisions return an error so callers cannot
// accidentally run an unfiltered query.
func ApplyDecision(exec QueryExecutor, q QueryHandle, decision *AccessDecision) (QueryHandle, error) {
	if decision == nil {
		return nil, fmt.Errorf("nil access decision")
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("operation denied: %s", decision.Reason)
	}
	for _, filter := range decision.Filters {
		if filter.Path != nil {
			for _, step := range filter.Path.Steps {
				q = exec.ApplyJoin(q, step)
			}
			q = exec.ApplyFilter(q, filter.Path.TargetAlias, filter.Conditions)
		} else if len(filter.Conditions) > 0 {
			q = exec.ApplyFilter(q, "", filter.Conditions)
		}
	}
	return q, nil
}
