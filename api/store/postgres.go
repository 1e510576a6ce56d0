package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"ferry/api/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	Pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate brings ferry's own tables up to date using the embedded goose
// migrations.
func Migrate(ctx context.Context, db *DB) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := goose.UpContext(runCtx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Healthy checks the database connection.
func (db *DB) Healthy(ctx context.Context) error {
	var n int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Errorf(model.KindNotFound, format, args...)
	}
	return err
}

// --- environments ---

const envColumns = `branch, label, status, current_revision, instance_id, artifact,
	schema_version, schema_name, production, created_at, updated_at`

func scanEnvironment(row pgx.Row) (*model.Environment, error) {
	var e model.Environment
	err := row.Scan(&e.Branch, &e.Label, &e.Status, &e.CurrentRevision, &e.InstanceID, &e.Artifact,
		&e.SchemaVersion, &e.SchemaName, &e.Production, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) GetEnvironment(ctx context.Context, branch string) (*model.Environment, error) {
	env, err := scanEnvironment(db.Pool.QueryRow(ctx,
		`SELECT `+envColumns+` FROM environments WHERE branch = $1`, branch))
	if err != nil {
		return nil, notFound(err, "environment %s not found", branch)
	}
	return env, nil
}

func (db *DB) PutEnvironment(ctx context.Context, e *model.Environment) error {
	e.UpdatedAt = time.Now()
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO environments (`+envColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (branch) DO UPDATE SET
			label = EXCLUDED.label,
			status = EXCLUDED.status,
			current_revision = EXCLUDED.current_revision,
			instance_id = EXCLUDED.instance_id,
			artifact = EXCLUDED.artifact,
			schema_version = EXCLUDED.schema_version,
			schema_name = EXCLUDED.schema_name,
			production = EXCLUDED.production,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		e.Branch, e.Label, e.Status, e.CurrentRevision, e.InstanceID, e.Artifact,
		e.SchemaVersion, e.SchemaName, e.Production, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (db *DB) ListEnvironments(ctx context.Context) ([]model.Environment, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+envColumns+` FROM environments ORDER BY branch`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []model.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *e)
	}
	return envs, rows.Err()
}

// --- revisions ---

func (db *DB) AppendRevision(ctx context.Context, rev *model.Revision) (*model.Revision, error) {
	out := *rev
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO revisions (branch, seq, commit_sha, artifact_ref, schema_version, parent, created_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6 FROM revisions WHERE branch = $1
		 RETURNING seq`,
		out.Branch, out.CommitSHA, out.ArtifactRef, out.SchemaVersion, out.Parent, out.CreatedAt,
	).Scan(&out.Seq)
	if err != nil {
		return nil, fmt.Errorf("append revision: %w", err)
	}
	return &out, nil
}

func (db *DB) GetRevision(ctx context.Context, branch string, seq int64) (*model.Revision, error) {
	var r model.Revision
	err := db.Pool.QueryRow(ctx,
		`SELECT branch, seq, commit_sha, artifact_ref, schema_version, parent, created_at
		 FROM revisions WHERE branch = $1 AND seq = $2`, branch, seq,
	).Scan(&r.Branch, &r.Seq, &r.CommitSHA, &r.ArtifactRef, &r.SchemaVersion, &r.Parent, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "revision %d of %s not found", seq, branch)
	}
	return &r, nil
}

func (db *DB) ListRevisions(ctx context.Context, branch string, limit int) ([]model.Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT branch, seq, commit_sha, artifact_ref, schema_version, parent, created_at
		 FROM revisions WHERE branch = $1 ORDER BY seq DESC LIMIT $2`, branch, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []model.Revision
	for rows.Next() {
		var r model.Revision
		if err := rows.Scan(&r.Branch, &r.Seq, &r.CommitSHA, &r.ArtifactRef, &r.SchemaVersion, &r.Parent, &r.CreatedAt); err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// --- migration ledger ---

func (db *DB) AppliedMigrations(ctx context.Context, schema string) (map[int64]bool, error) {
	rows, err := db.Pool.Query(ctx, `SELECT version FROM migration_applied WHERE schema_name = $1`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (db *DB) MarkApplied(ctx context.Context, schema string, version int64) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO migration_applied (version, schema_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		version, schema)
	return err
}

func (db *DB) MarkReverted(ctx context.Context, schema string, version int64) error {
	_, err := db.Pool.Exec(ctx,
		`DELETE FROM migration_applied WHERE version = $1 AND schema_name = $2`, version, schema)
	return err
}

func (db *DB) ClearApplied(ctx context.Context, schema string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM migration_applied WHERE schema_name = $1`, schema)
	return err
}
