package utils

// MatchPattern reports whether value matches pattern. Patterns may contain
// '*' wildcards, each matching any run of characters (including none).
// Used for cache-key invalidation globs and role patterns.
func MatchPattern(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return matchHere(value, pattern)
}

func matchHere(value, pattern string) bool {
	vi, pi := 0, 0
	starP, starV := -1, 0
	for vi < len(value) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			// remember backtrack point
			starP = pi
			starV = vi
			pi++
		case pi < len(pattern) && pattern[pi] == value[vi]:
			pi++
			vi++
		case starP >= 0:
			// extend the last '*' by one character
			starV++
			vi = starV
			pi = starP + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// HasWildcard reports whether the pattern contains a '*' wildcard.
func HasWildcard(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return true
		}
	}
	return false
}
