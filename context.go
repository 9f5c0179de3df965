package rls

import (
	"context"
	"maps"
	"slices"
)

// ============================================================================
// AUTHORIZATION CONTEXT
// ============================================================================

// RequestMeta carries transport-level details of the request that triggered
// the operation, for audit correlation.
type RequestMeta struct {
	RequestID string `json:"request_id"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// ResolvedData is the named payload produced by a single context resolver.
type ResolvedData map[string]any

// AuthContext describes who is performing the current logical operation.
// It is created once per operation and treated as immutable after
// enrichment: resolution returns a new enriched copy rather than mutating
// the base in place.
type AuthContext struct {
	UserID   string         `json:"user_id"`
	TenantID string         `json:"tenant_id,omitempty"`
	Roles    []string       `json:"roles"`
	IsSystem bool           `json:"is_system"`
	Resolved map[string]any `json:"resolved,omitempty"`
	Meta     *RequestMeta   `json:"meta,omitempty"`
}

// HasRole reports whether the context carries the given role.
func (a *AuthContext) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// ResolvedValue looks up a key in the merged resolved data.
func (a *AuthContext) ResolvedValue(key string) (any, bool) {
	if a == nil || a.Resolved == nil {
		return nil, false
	}
	v, ok := a.Resolved[key]
	return v, ok
}

// ResolvedString is ResolvedValue narrowed to string, empty when absent.
func (a *AuthContext) ResolvedString(key string) string {
	if v, ok := a.ResolvedValue(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Clone returns a deep-enough copy: roles and the resolved map are copied,
// nested resolved values are shared.
func (a *AuthContext) Clone() *AuthContext {
	if a == nil {
		return nil
	}
	dup := *a
	dup.Roles = slices.Clone(a.Roles)
	if a.Resolved != nil {
		dup.Resolved = maps.Clone(a.Resolved)
	}
	if a.Meta != nil {
		meta := *a.Meta
		dup.Meta = &meta
	}
	return &dup
}

// ============================================================================
// AMBIENT PROPAGATION
// ============================================================================

// The ambient authorization context rides on context.Context so that nested
// asynchronous work inside one logical operation sees the same identity
// without threading it as an explicit parameter. Two concurrent operations
// each derive their own context chain, so they can never observe each
// other's data.

type authCtxKey struct{}

// WithAuthContext binds ac as the ambient authorization context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, ac)
}

// AuthFromContext returns the ambient authorization context, if any.
func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authCtxKey{}).(*AuthContext)
	return ac, ok && ac != nil
}

// Run executes fn with ac bound for its dynamic extent. The binding lives
// on the derived context only; the caller's ctx is untouched on return.
func Run(ctx context.Context, ac *AuthContext, fn func(ctx context.Context) error) error {
	return fn(WithAuthContext(ctx, ac))
}
