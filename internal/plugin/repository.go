package plugin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zource/zource/internal/database"
)

const pluginColumns = `id, name, namespaces, active, description, installed_at, updated_at`

// Repository is the SQLite-backed Registry
type Repository struct {
	db     *database.DB
	logger *slog.Logger
}

var _ Registry = (*Repository)(nil)

// NewRepository creates a registry over db; migrations must already have run
func NewRepository(db *database.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With("component", "plugin-registry"),
	}
}

// FindByName returns the plugin called name, or nil
func (r *Repository) FindByName(ctx context.Context, name string) (*Plugin, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE name = ?`, name)
	return r.scanOne(row)
}

// FindByID returns the plugin with id, or nil
func (r *Repository) FindByID(ctx context.Context, id string) (*Plugin, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE id = ?`, id)
	return r.scanOne(row)
}

// FindAll returns every plugin ordered by name
func (r *Repository) FindAll(ctx context.Context) ([]*Plugin, error) {
	return r.query(ctx, `SELECT `+pluginColumns+` FROM plugins ORDER BY name`)
}

// FindActive returns the active plugins ordered by name
func (r *Repository) FindActive(ctx context.Context) ([]*Plugin, error) {
	return r.query(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE active = 1 ORDER BY name`)
}

// Save inserts p, or updates it when its ID already exists.
// A new plugin gets an ID and timestamps assigned.
func (r *Repository) Save(ctx context.Context, p *Plugin) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	if p.InstalledAt.IsZero() {
		p.InstalledAt = now
	}
	p.UpdatedAt = now

	namespaces, err := json.Marshal(p.Namespaces)
	if err != nil {
		return fmt.Errorf("%w: encode namespaces: %v", ErrPersistence, err)
	}

	active := 0
	if p.Active {
		active = 1
	}

	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plugins (`+pluginColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				namespaces = excluded.namespaces,
				active = excluded.active,
				description = excluded.description,
				updated_at = excluded.updated_at
		`, p.ID, p.Name, string(namespaces), active, p.Description, p.InstalledAt.Unix(), p.UpdatedAt.Unix())
		return err
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyInstalled, p.Name)
		}
		return fmt.Errorf("%w: save %s: %v", ErrPersistence, p.Name, err)
	}

	r.logger.Debug("Plugin saved", "id", p.ID, "name", p.Name, "active", p.Active)
	return nil
}

// Remove deletes p from the registry
func (r *Repository) Remove(ctx context.Context, p *Plugin) error {
	var affected int64
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, p.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrPersistence, p.Name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, p.Name)
	}

	r.logger.Debug("Plugin removed", "id", p.ID, "name", p.Name)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanOne(row *sql.Row) (*Plugin, error) {
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return p, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*Plugin, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	plugins := make([]*Plugin, 0)
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		plugins = append(plugins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return plugins, nil
}

func scanPlugin(s rowScanner) (*Plugin, error) {
	p := &Plugin{}
	var namespaces string
	var active int
	var installedAt, updatedAt int64

	if err := s.Scan(&p.ID, &p.Name, &namespaces, &active, &p.Description, &installedAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(namespaces), &p.Namespaces); err != nil {
		return nil, fmt.Errorf("decode namespaces of %s: %w", p.Name, err)
	}
	if p.Namespaces == nil {
		p.Namespaces = map[string]string{}
	}
	p.Active = active == 1
	p.InstalledAt = time.Unix(installedAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}
