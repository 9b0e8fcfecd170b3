package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nucleus/prsync-core/internal/model"
)

// SQLCatalog reads repository registrations through database/sql. The
// catalog is admin-owned reference data, so it lives on a plain read-mostly
// connection rather than the entity pool.
type SQLCatalog struct {
	db *sql.DB
}

// NewSQLCatalog opens a catalog connection.
func NewSQLCatalog(dsn string) (*SQLCatalog, error) {
	if dsn == "" {
		return nil, errors.New("catalog dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &SQLCatalog{db: db}, nil
}

// NewSQLCatalogWithDB reuses an existing connection.
func NewSQLCatalogWithDB(db *sql.DB) (*SQLCatalog, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &SQLCatalog{db: db}, nil
}

// Close releases the connection.
func (c *SQLCatalog) Close() error { return c.db.Close() }

const repoColumns = `id, external_id, name, description, default_branch, private, created_at, updated_at`

func (c *SQLCatalog) ListRepositories(ctx context.Context) ([]model.RepositoryRecord, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, storageError(err)
	}
	defer rows.Close()

	var out []model.RepositoryRecord
	for rows.Next() {
		rec, err := scanRepository(rows)
		if err != nil {
			return nil, storageError(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err)
	}
	return out, nil
}

func (c *SQLCatalog) GetRepository(ctx context.Context, id int64) (model.RepositoryRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE id=$1`, id)
	rec, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RepositoryRecord{}, &model.APIError{Code: model.CodeNotFound, Err: fmt.Errorf("repository %d not registered", id)}
		}
		return model.RepositoryRecord{}, storageError(err)
	}
	return rec, nil
}

// EnsureRepository registers a repository by owner/name if it is not present
// yet. Used by the dev bootstrap; production registrations come from the
// admin layer.
func (c *SQLCatalog) EnsureRepository(ctx context.Context, name string) (model.RepositoryRecord, error) {
	row := c.db.QueryRowContext(ctx, `
INSERT INTO repositories (external_id, name)
VALUES ($1, $1)
ON CONFLICT (external_id) DO UPDATE SET updated_at=now()
RETURNING `+repoColumns, name)
	rec, err := scanRepository(row)
	if err != nil {
		return model.RepositoryRecord{}, storageError(err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (model.RepositoryRecord, error) {
	var rec model.RepositoryRecord
	err := row.Scan(&rec.ID, &rec.ExternalID, &rec.Name, &rec.Description,
		&rec.DefaultBranch, &rec.Private, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}
