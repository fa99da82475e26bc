package auth

import (
	"context"
	"sort"
	"strings"
)

// scopeContextKey is an unexported type so WithScopes/AppendScopes/GetScopes
// own their context slot.
type scopeContextKey struct{}

// WithScopes returns a context carrying exactly scopes (already cleaned),
// replacing any scopes already attached.
func WithScopes(ctx context.Context, scopes ...string) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, CleanScopes(scopes))
}

// AppendScopes returns a context carrying the union (cleaned) of any scopes
// already attached to ctx and the ones passed in.
func AppendScopes(ctx context.Context, scopes ...string) context.Context {
	old := GetScopes(ctx)
	merged := make([]string, 0, len(old)+len(scopes))
	merged = append(merged, old...)
	merged = append(merged, scopes...)
	return WithScopes(ctx, merged...)
}

// GetScopes returns the scopes attached to ctx, or nil.
func GetScopes(ctx context.Context) []string {
	scopes, ok := ctx.Value(scopeContextKey{}).([]string)
	if !ok {
		return nil
	}
	cp := make([]string, len(scopes))
	copy(cp, scopes)
	return cp
}

// CleanScopes normalizes, deduplicates, and merges actions for scopes of the
// form "resourceType:resourceName:actions". Trims whitespace, drops empty
// entries, splits actions on ',', sorts them ascending and collapses to '*'
// when present, then sorts the final scope list lexicographically.
// Idempotent: CleanScopes(CleanScopes(xs)) == CleanScopes(xs).
func CleanScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}

	// resourceType -> resourceName -> set of actions (or verbatim strings
	// for scopes that don't match the type:name:actions grammar).
	verbatim := make(map[string]bool)
	type key struct{ typ, name string }
	merged := make(map[key]map[string]bool)
	var order []key

	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		typ, name, actions, ok := splitScope(scope)
		if !ok {
			verbatim[scope] = true
			continue
		}
		k := key{typ, name}
		set, exists := merged[k]
		if !exists {
			set = make(map[string]bool)
			merged[k] = set
			order = append(order, k)
		}
		for _, a := range strings.Split(actions, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				set[a] = true
			}
		}
	}

	result := make([]string, 0, len(order)+len(verbatim))
	for _, k := range order {
		set := merged[k]
		if len(set) == 0 {
			continue
		}
		var actions []string
		if set["*"] {
			actions = []string{"*"}
		} else {
			for a := range set {
				actions = append(actions, a)
			}
			sort.Strings(actions)
		}
		result = append(result, k.typ+":"+k.name+":"+strings.Join(actions, ","))
	}
	for v := range verbatim {
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

// splitScope splits "type:name:actions" into its three parts. A scope
// missing the trailing ":actions" segment, or with fewer than two colons
// total, is not of this form and is returned verbatim (ok=false).
func splitScope(scope string) (typ, name, actions string, ok bool) {
	i := strings.IndexByte(scope, ':')
	if i < 0 {
		return "", "", "", false
	}
	rest := scope[i+1:]
	j := strings.LastIndexByte(rest, ':')
	if j < 0 {
		return "", "", "", false
	}
	return scope[:i], rest[:j], rest[j+1:], true
}
