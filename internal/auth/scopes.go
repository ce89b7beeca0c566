package auth

import "miniportal.org/internal/scope"

// legacyRoleScopes maps the single legacy role string to scopes for accounts
// that have no role relations yet. Keys are lowercase.
var legacyRoleScopes = map[string][]string{
	"admin": {
		ScopeUsersRead,
		ScopeUsersWrite,
		ScopeRolesRead,
		ScopeRolesWrite,
		ScopePermissionsRead,
		ScopePermissionsWrite,
		ScopeAppsRead,
		ScopeAppsWrite,
	},
	"user": {ScopeUsersRead},
}

// ScopesForLegacyRole returns the static scope list for a legacy role, or nil
// for unknown roles.
func ScopesForLegacyRole(role string) []string {
	mapped, ok := legacyRoleScopes[role]
	if !ok {
		return nil
	}
	out := make([]string, len(mapped))
	copy(out, mapped)
	return out
}

// DeriveScopes flattens a user's role/permission graph into a sorted,
// deduplicated scope list. When the graph yields nothing it falls back to the
// legacy role table. Deterministic: identical graphs produce byte-identical
// output, which token contents and cache keys rely on.
func DeriveScopes(user *User) []string {
	var collected []string
	for _, role := range user.Roles {
		for _, perm := range role.Permissions {
			collected = append(collected, perm.Code)
		}
	}
	if len(collected) == 0 && user.LegacyRole != "" {
		collected = ScopesForLegacyRole(user.LegacyRole)
	}
	return scope.Canon(collected)
}
