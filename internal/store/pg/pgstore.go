// Package pg implements the auth and registry stores on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"miniportal.org/internal/auth"
	"miniportal.org/internal/ids"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool (tests inject sqlmock here).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users(context.Context) auth.UserStore             { return &userStore{db: s.db} }
func (s *Store) Roles(context.Context) auth.RoleStore             { return &roleStore{db: s.db} }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return &permStore{db: s.db} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return &refreshStore{db: s.db}
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, password_hash, first_name, last_name, legacy_role)
		values ($1,$2,$3,$4,$5,$6)
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.LegacyRole)
	return err
}

const userColumns = `id, email, password_hash, first_name, last_name, legacy_role, created_at, updated_at`

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where id=$1`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where email=$1`, email)
}

func (s *userStore) findOne(ctx context.Context, query string, arg any) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var u auth.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.LegacyRole, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	roles, err := rolesForUser(ctx, s.db, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.User
	for rows.Next() {
		var u auth.User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
			&u.LegacyRole, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *userStore) Update(ctx context.Context, u *auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set email=$2, first_name=$3, last_name=$4, legacy_role=$5, updated_at=now()
		where id=$1
	`, u.ID, u.Email, u.FirstName, u.LastName, u.LegacyRole)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// rolesForUser loads the full role/permission graph for one user.
func rolesForUser(ctx context.Context, db *sql.DB, userID string) ([]auth.Role, error) {
	rows, err := db.QueryContext(ctx, `
		select r.id, r.name, r.description, p.id, p.code, p.description
		from user_roles ur
		join roles r on r.id = ur.role_id
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by r.id, p.code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		roles []auth.Role
		idx   = map[string]int{}
	)
	for rows.Next() {
		var (
			role     auth.Role
			permID   sql.NullString
			permCode sql.NullString
			permDesc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &permID, &permCode, &permDesc); err != nil {
			return nil, err
		}
		i, ok := idx[role.ID]
		if !ok {
			i = len(roles)
			idx[role.ID] = i
			roles = append(roles, role)
		}
		if permCode.Valid {
			roles[i].Permissions = append(roles[i].Permissions, auth.Permission{
				ID:   permID.String,
				Code: permCode.String,
			})
		}
		_ = permDesc
	}
	return roles, rows.Err()
}

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, description) values ($1,$2,$3)`,
		role.ID, role.Name, role.Description)
	return err
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at, updated_at from roles where id=$1`, id)
	var role auth.Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, description, created_at, updated_at from roles order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &role)
	}
	return out, rows.Err()
}

func (s *roleStore) AssignToUser(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles(user_id, role_id) values ($1,$2)
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	return err
}

// Permission store ---------------------------------------------------------

type permStore struct{ db *sql.DB }

func (s *permStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions(id, code, description) values ($1,$2,$3)
			on conflict (code) do nothing
		`, id, p.Code, p.Description); err != nil {
			return err
		}
	}
	return nil
}

func (s *permStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, code, description, created_at from permissions order by code asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *permStore) SetForRole(ctx context.Context, roleID string, codes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, code := range codes {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions(role_id, permission_id)
			select $1, id from permissions where code=$2
		`, roleID, code)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permStore) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.code, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.code asc
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Refresh token store ------------------------------------------------------

type refreshStore struct{ db *sql.DB }

func (s *refreshStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	// token_hash carries a unique index; a duplicate insert fails instead of
	// trusting two rows for one secret.
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at)
		values ($1,$2,$3,$4)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt)
	return err
}

// Consume revokes the active row with the given hash and returns its prior
// state in one statement. Concurrent rotations of the same token race on the
// `not revoked` predicate; exactly one wins.
func (s *refreshStore) Consume(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		update refresh_tokens
		set revoked = true, updated_at = now()
		where token_hash = $1 and not revoked
		returning id, user_id, token_hash, expires_at, created_at
	`, tokenHash)
	var tok auth.RefreshToken
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (s *refreshStore) SetReplacedBy(ctx context.Context, id, successorHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set replaced_by = $2, updated_at = now() where id = $1
	`, id, successorHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *refreshStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true, updated_at = now()
		where user_id = $1 and not revoked
	`, userID)
	return err
}

// Helpers ------------------------------------------------------------------

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
