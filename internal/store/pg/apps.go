package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"miniportal.org/internal/ids"
	"miniportal.org/internal/registry"
)

// AppStore implements registry.Store on the same pool.
type AppStore struct {
	db *sql.DB
}

var _ registry.Store = (*AppStore)(nil)

func (s *Store) Apps() *AppStore { return &AppStore{db: s.db} }

const appColumns = `id, name, code, origin, icon, allowed_scopes, remote_entry, created_at, updated_at`

func (s *AppStore) Create(ctx context.Context, app *registry.App) error {
	if app.ID == "" {
		app.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into apps(id, name, code, origin, icon, allowed_scopes, remote_entry)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, app.ID, app.Name, app.Code, app.Origin, app.Icon,
		joinScopes(app.AllowedScopes), app.RemoteEntry)
	return err
}

func (s *AppStore) Find(ctx context.Context, id string) (*registry.App, error) {
	return s.findOne(ctx, `select `+appColumns+` from apps where id=$1`, id)
}

func (s *AppStore) FindByName(ctx context.Context, name string) (*registry.App, error) {
	return s.findOne(ctx, `select `+appColumns+` from apps where name=$1`, name)
}

func (s *AppStore) findOne(ctx context.Context, query string, arg any) (*registry.App, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	app, err := scanApp(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrNotFound
		}
		return nil, err
	}
	return app, nil
}

func (s *AppStore) List(ctx context.Context) ([]*registry.App, error) {
	rows, err := s.db.QueryContext(ctx, `select `+appColumns+` from apps order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*registry.App
	for rows.Next() {
		app, err := scanApp(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (s *AppStore) Update(ctx context.Context, app *registry.App) error {
	res, err := s.db.ExecContext(ctx, `
		update apps set name=$2, code=$3, origin=$4, icon=$5, allowed_scopes=$6,
			remote_entry=$7, updated_at=now()
		where id=$1
	`, app.ID, app.Name, app.Code, app.Origin, app.Icon,
		joinScopes(app.AllowedScopes), app.RemoteEntry)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *AppStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from apps where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func scanApp(scan func(dest ...any) error) (*registry.App, error) {
	var (
		app    registry.App
		scopes string
	)
	if err := scan(&app.ID, &app.Name, &app.Code, &app.Origin, &app.Icon,
		&scopes, &app.RemoteEntry, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return nil, err
	}
	app.AllowedScopes = splitScopes(scopes)
	return &app, nil
}

// Allowed scopes live in one text column, comma separated.
func joinScopes(scopes []string) string { return strings.Join(scopes, ",") }

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
