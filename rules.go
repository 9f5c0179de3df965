package rls

import (
	"fmt"
	"strings"
)

// ============================================================================
// ACCESS RULE STRINGS
// ============================================================================

// ParseAccessRule turns a declarative rule string into a field predicate.
// Supported forms:
//
//	everyone              any caller
//	nobody                no caller
//	system                system identities only
//	owner:<column>        row's column equals the caller's user id
//	tenant:<column>       row's column equals the caller's tenant id
//	roles:a,b             caller holds at least one of the roles
//
// An empty rule returns nil, which means "use the table default".
func ParseAccessRule(s string) (FieldPredicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	head, arg, _ := strings.Cut(s, ":")
	switch strings.ToLower(head) {
	case "everyone", "public":
		return Everyone(), nil
	case "nobody", "none":
		return Nobody(), nil
	case "system":
		return SystemOnly(), nil
	case "owner":
		if arg == "" {
			return nil, fmt.Errorf("owner rule requires a column: %q", s)
		}
		return OwnerOnly(arg), nil
	case "tenant":
		if arg == "" {
			return nil, fmt.Errorf("tenant rule requires a column: %q", s)
		}
		return TenantMatch(arg), nil
	case "roles", "role":
		roles := splitCSV(arg)
		if len(roles) == 0 {
			return nil, fmt.Errorf("roles rule requires at least one role: %q", s)
		}
		return RolesOnly(roles...), nil
	}
	return nil, fmt.Errorf("unsupported access rule syntax: %q", s)
}

// ============================================================================
// END-CONDITION TEMPLATES
// ============================================================================

// CompileEndConditions binds a declarative condition map into an
// EndConditionsFunc. String values of the form ${...} are resolved from
// the request context at evaluation time:
//
//	${user_id}         caller's user id
//	${tenant_id}       caller's tenant id
//	${resolved.<key>}  merged resolved data
//
// Everything else passes through as a literal.
func CompileEndConditions(raw map[string]any) EndConditionsFunc {
	if len(raw) == 0 {
		return nil
	}
	return func(ac *AuthContext) map[string]any {
		out := make(map[string]any, len(raw))
		for column, value := range raw {
			out[column] = resolveTemplate(value, ac)
		}
		return out
	}
}

func resolveTemplate(value any, ac *AuthContext) any {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return value
	}
	ref := s[2 : len(s)-1]
	switch ref {
	case "user_id":
		return ac.UserID
	case "tenant_id":
		return ac.TenantID
	case "roles":
		return ac.Roles
	}
	if key, ok := strings.CutPrefix(ref, "resolved."); ok {
		v, _ := ac.ResolvedValue(key)
		return v
	}
	// unknown reference resolves to nil so the filter cannot silently
	// widen into an unconstrained match
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
