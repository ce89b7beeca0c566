package auth

// Builtin scope codes used by the portal itself.
const (
	ScopeUsersRead        = "users:read"
	ScopeUsersWrite       = "users:write"
	ScopeRolesRead        = "roles:read"
	ScopeRolesWrite       = "roles:write"
	ScopePermissionsRead  = "permissions:read"
	ScopePermissionsWrite = "permissions:write"
	ScopeAppsRead         = "apps:read"
	ScopeAppsWrite        = "apps:write"
)

// BuiltinPermissions are ensured at startup so roles can reference them.
var BuiltinPermissions = []Permission{
	{Code: ScopeUsersRead, Description: "List and read portal users"},
	{Code: ScopeUsersWrite, Description: "Create and modify portal users"},
	{Code: ScopeRolesRead, Description: "List and read roles"},
	{Code: ScopeRolesWrite, Description: "Create and modify roles"},
	{Code: ScopePermissionsRead, Description: "List permissions"},
	{Code: ScopePermissionsWrite, Description: "Manage the permission catalog"},
	{Code: ScopeAppsRead, Description: "List registered applications"},
	{Code: ScopeAppsWrite, Description: "Register and modify applications"},
}
