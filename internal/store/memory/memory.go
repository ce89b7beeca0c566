// Package memory provides a mutex-guarded in-process implementation of the
// auth and registry stores. It backs tests and DSN-less deployments; the
// single lock makes refresh rotation naturally atomic.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"miniportal.org/internal/auth"
	"miniportal.org/internal/ids"
	"miniportal.org/internal/registry"
)

// Store keeps all records in maps. Implements auth.Store and registry.Store.
type Store struct {
	mu sync.Mutex

	users       map[string]*auth.User
	roles       map[string]*auth.Role
	perms       map[string]auth.Permission // by code
	userRoles   map[string][]string        // userID -> roleIDs
	rolePerms   map[string][]string        // roleID -> permission codes
	refresh     map[string]*auth.RefreshToken
	refreshByID map[string]*auth.RefreshToken
	apps        map[string]*registry.App
}

func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		roles:       make(map[string]*auth.Role),
		perms:       make(map[string]auth.Permission),
		userRoles:   make(map[string][]string),
		rolePerms:   make(map[string][]string),
		refresh:     make(map[string]*auth.RefreshToken),
		refreshByID: make(map[string]*auth.RefreshToken),
		apps:        make(map[string]*registry.App),
	}
}

var (
	_ auth.Store     = (*Store)(nil)
	_ registry.Store = (*Store)(nil)
)

func (s *Store) Users(context.Context) auth.UserStore             { return (*userStore)(s) }
func (s *Store) Roles(context.Context) auth.RoleStore             { return (*roleStore)(s) }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return (*permStore)(s) }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return (*refreshStore)(s)
}

// User store ---------------------------------------------------------------

type userStore Store

func (s *userStore) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return auth.ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	clone := *u
	s.users[u.ID] = &clone
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return (*Store)(s).resolveUserLocked(u), nil
}

func (s *userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return (*Store)(s).resolveUserLocked(u), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *userStore) List(_ context.Context) ([]*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, (*Store)(s).resolveUserLocked(u))
	}
	return out, nil
}

func (s *userStore) Update(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[u.ID]
	if !ok {
		return auth.ErrNotFound
	}
	stored.Email = u.Email
	stored.FirstName = u.FirstName
	stored.LastName = u.LastName
	stored.LegacyRole = u.LegacyRole
	if u.PasswordHash != "" {
		stored.PasswordHash = u.PasswordHash
	}
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// resolveUserLocked returns a copy of the user with role relations (and each
// role's permissions) populated. Callers hold s.mu.
func (s *Store) resolveUserLocked(u *auth.User) *auth.User {
	clone := *u
	clone.Roles = nil
	for _, roleID := range s.userRoles[u.ID] {
		role, ok := s.roles[roleID]
		if !ok {
			continue
		}
		rc := *role
		rc.Permissions = nil
		for _, code := range s.rolePerms[roleID] {
			if perm, ok := s.perms[code]; ok {
				rc.Permissions = append(rc.Permissions, perm)
			}
		}
		clone.Roles = append(clone.Roles, rc)
	}
	return &clone
}

// Role store ---------------------------------------------------------------

type roleStore Store

func (s *roleStore) Create(_ context.Context, role *auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	clone := *role
	clone.Permissions = nil
	s.roles[role.ID] = &clone
	return nil
}

func (s *roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *role
	return &clone, nil
}

func (s *roleStore) List(_ context.Context) ([]*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.Role, 0, len(s.roles))
	for _, role := range s.roles {
		clone := *role
		out = append(out, &clone)
	}
	return out, nil
}

func (s *roleStore) AssignToUser(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, id := range s.userRoles[userID] {
		if id == roleID {
			return nil
		}
	}
	s.userRoles[userID] = append(s.userRoles[userID], roleID)
	return nil
}

// Permission store ---------------------------------------------------------

type permStore Store

func (s *permStore) Ensure(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.perms[p.Code]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = time.Now().UTC()
		s.perms[p.Code] = p
	}
	return nil
}

func (s *permStore) List(_ context.Context) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out, nil
}

func (s *permStore) SetForRole(_ context.Context, roleID string, codes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, code := range codes {
		if _, ok := s.perms[code]; !ok {
			return auth.ErrNotFound
		}
	}
	s.rolePerms[roleID] = append([]string(nil), codes...)
	return nil
}

func (s *permStore) PermissionsForRole(_ context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Permission
	for _, code := range s.rolePerms[roleID] {
		if p, ok := s.perms[code]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Refresh token store ------------------------------------------------------

type refreshStore Store

func (s *refreshStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[tok.TokenHash]; ok {
		return auth.ErrAlreadyExists
	}
	now := time.Now().UTC()
	tok.CreatedAt, tok.UpdatedAt = now, now
	clone := *tok
	s.refresh[tok.TokenHash] = &clone
	s.refreshByID[tok.ID] = &clone
	return nil
}

func (s *refreshStore) Consume(_ context.Context, tokenHash string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[tokenHash]
	if !ok || tok.Revoked {
		return nil, auth.ErrNotFound
	}
	prior := *tok
	tok.Revoked = true
	tok.UpdatedAt = time.Now().UTC()
	return &prior, nil
}

func (s *refreshStore) SetReplacedBy(_ context.Context, id, successorHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refreshByID[id]
	if !ok {
		return auth.ErrNotFound
	}
	tok.ReplacedBy = successorHash
	tok.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *refreshStore) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.refresh {
		if tok.UserID == userID {
			tok.Revoked = true
			tok.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// App registry store -------------------------------------------------------

func (s *Store) Create(_ context.Context, app *registry.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apps {
		if existing.Name == app.Name || existing.Code == app.Code {
			return registry.ErrAlreadyExists
		}
	}
	if app.ID == "" {
		app.ID = ids.New()
	}
	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now
	clone := *app
	s.apps[app.ID] = &clone
	return nil
}

func (s *Store) Find(_ context.Context, id string) (*registry.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	clone := *app
	return &clone, nil
}

func (s *Store) FindByName(_ context.Context, name string) (*registry.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.Name == name {
			clone := *app
			return &clone, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (s *Store) List(_ context.Context) ([]*registry.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registry.App, 0, len(s.apps))
	for _, app := range s.apps {
		clone := *app
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, app *registry.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.apps[app.ID]
	if !ok {
		return registry.ErrNotFound
	}
	for _, other := range s.apps {
		if other.ID != app.ID && (other.Name == app.Name || other.Code == app.Code) {
			return registry.ErrAlreadyExists
		}
	}
	app.CreatedAt = stored.CreatedAt
	app.UpdatedAt = time.Now().UTC()
	clone := *app
	s.apps[app.ID] = &clone
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[id]; !ok {
		return registry.ErrNotFound
	}
	delete(s.apps, id)
	return nil
}
