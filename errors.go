package rls

import (
	"fmt"
	"strings"
)

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// SchemaError reports invalid registration input: a resolver dependency
// cycle, a broken relationship chain, an unknown relationship reference.
// It is raised eagerly at registration or compile time, never mid-request.
type SchemaError struct {
	Component string // "resolver", "relationship", "policy", "field"
	Name      string
	Detail    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in %s %q: %s", e.Component, e.Name, e.Detail)
}

// ResolverError wraps a failure of a required context resolver. It aborts
// the enclosing resolution and surfaces to the caller.
type ResolverError struct {
	Resolver string
	Err      error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolver %q failed: %v", e.Resolver, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// PolicyViolation is returned by ValidateWrite when a mutation touches
// fields the caller may not write. Fields lists every offender.
type PolicyViolation struct {
	Table  string
	Fields []string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("write denied on %s: fields not writable: %s",
		e.Table, strings.Join(e.Fields, ", "))
}

// FieldEvaluationError records a panic or error inside a single field
// predicate. It is logged and converted to fail-closed masking; it never
// escapes to the caller of the read path.
type FieldEvaluationError struct {
	Table string
	Field string
	Err   error
}

func (e *FieldEvaluationError) Error() string {
	return fmt.Sprintf("field predicate %s.%s: %v", e.Table, e.Field, e.Err)
}

func (e *FieldEvaluationError) Unwrap() error { return e.Err }

// AuditError wraps an adapter failure inside the audit pipeline. It is
// routed to the logger's OnError hook and never to the guarded operation.
type AuditError struct {
	Err error
}

func (e *AuditError) Error() string { return fmt.Sprintf("audit adapter: %v", e.Err) }

func (e *AuditError) Unwrap() error { return e.Err }
