package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// UserStore manages users. Find and FindByEmail return users with their role
// relations (and each role's permissions) populated.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
}

// RoleStore manages roles and user assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	AssignToUser(ctx context.Context, userID, roleID string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, codes []string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// RefreshTokenStore manages refresh token lifecycle.
//
// Consume is the rotation primitive: it atomically marks the active
// (non-revoked) token with the given hash as revoked and returns its prior
// state. Two concurrent calls with the same hash must not both succeed; the
// loser gets ErrNotFound. Expiry is the caller's concern: Consume revokes
// regardless, so an expired token presented for rotation still burns.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Consume(ctx context.Context, tokenHash string) (*RefreshToken, error)
	SetReplacedBy(ctx context.Context, id, successorHash string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}
