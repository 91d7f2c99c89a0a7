package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanline/internal/domain/scanning"
	"github.com/ahrav/scanline/internal/infra/storage"
)

var _ scanning.RepositoryDirectory = (*repositoryDirectory)(nil)

// repositoryDirectory reads the repositories table maintained by the
// surrounding product.
type repositoryDirectory struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewRepositoryDirectory creates a Postgres-backed scanning.RepositoryDirectory.
func NewRepositoryDirectory(pool *pgxpool.Pool, tracer trace.Tracer) *repositoryDirectory {
	return &repositoryDirectory{db: pool, tracer: tracer}
}

// GetRepository loads a repository by ID.
func (d *repositoryDirectory) GetRepository(ctx context.Context, id uuid.UUID) (*scanning.Repository, error) {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("repository_id", id.String()))

	var repo *scanning.Repository
	err := storage.ExecuteAndTrace(ctx, d.tracer, "postgres.get_repository", dbAttrs, func(ctx context.Context) error {
		r := scanning.Repository{ID: id}
		err := d.db.QueryRow(ctx,
			`SELECT full_name, clone_url, default_branch FROM repositories WHERE id = $1`, pgUUID(id),
		).Scan(&r.FullName, &r.CloneURL, &r.DefaultBranch)
		if errors.Is(err, pgx.ErrNoRows) {
			return scanning.ErrRepositoryNotFound
		}
		if err != nil {
			return fmt.Errorf("get repository query error: %w", err)
		}

		repo = &r
		return nil
	})

	return repo, err
}

// UpsertRepository records a repository. The surrounding product calls it
// when a repository is connected; tests use it for fixtures.
func (d *repositoryDirectory) UpsertRepository(ctx context.Context, repo scanning.Repository) error {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("repository_id", repo.ID.String()))

	return storage.ExecuteAndTrace(ctx, d.tracer, "postgres.upsert_repository", dbAttrs, func(ctx context.Context) error {
		_, err := d.db.Exec(ctx, `
			INSERT INTO repositories (id, full_name, clone_url, default_branch)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				full_name = EXCLUDED.full_name,
				clone_url = EXCLUDED.clone_url,
				default_branch = EXCLUDED.default_branch`,
			pgUUID(repo.ID), repo.FullName, repo.CloneURL, repo.DefaultBranch,
		)
		if err != nil {
			return fmt.Errorf("upsert repository error: %w", err)
		}
		return nil
	})
}
