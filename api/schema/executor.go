package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor runs migration scripts inside one environment's database schema.
type Executor interface {
	EnsureSchema(ctx context.Context, schema string) error
	DropSchema(ctx context.Context, schema string) error
	Begin(ctx context.Context, schema string) (Tx, error)
	// Transactional reports whether a Tx is atomic. Non-transactional
	// executors apply each Exec immediately.
	Transactional() bool
}

type Tx interface {
	Exec(ctx context.Context, script string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PostgresExecutor isolates environments as Postgres schemas in one database
// and runs scripts with search_path pointed at the environment's schema.
type PostgresExecutor struct {
	pool *pgxpool.Pool
}

func NewPostgresExecutor(pool *pgxpool.Pool) *PostgresExecutor {
	return &PostgresExecutor{pool: pool}
}

func (e *PostgresExecutor) Transactional() bool { return true }

func (e *PostgresExecutor) EnsureSchema(ctx context.Context, schema string) error {
	_, err := e.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

func (e *PostgresExecutor) DropSchema(ctx context.Context, schema string) error {
	_, err := e.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	if err != nil {
		return fmt.Errorf("drop schema %s: %w", schema, err)
	}
	return nil
}

func (e *PostgresExecutor) Begin(ctx context.Context, schema string) (Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("set search_path: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, script string) error {
	_, err := t.tx.Exec(ctx, script)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// MemoryExecutor records executed scripts per schema. Scripts registered
// with FailOn return an error instead of running.
type MemoryExecutor struct {
	mu            sync.Mutex
	transactional bool
	schemas       map[string][]string
	failOn        map[string]error
}

func NewMemoryExecutor(transactional bool) *MemoryExecutor {
	return &MemoryExecutor{
		transactional: transactional,
		schemas:       make(map[string][]string),
		failOn:        make(map[string]error),
	}
}

func (e *MemoryExecutor) Transactional() bool { return e.transactional }

func (e *MemoryExecutor) FailOn(script string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOn[script] = err
}

func (e *MemoryExecutor) EnsureSchema(ctx context.Context, schema string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.schemas[schema]; !ok {
		e.schemas[schema] = []string{}
	}
	return nil
}

func (e *MemoryExecutor) DropSchema(ctx context.Context, schema string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.schemas, schema)
	return nil
}

// Exists reports whether schema has been created and not dropped.
func (e *MemoryExecutor) Exists(schema string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.schemas[schema]
	return ok
}

// Executed returns the committed scripts run in schema, oldest first.
func (e *MemoryExecutor) Executed(schema string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.schemas[schema]...)
}

func (e *MemoryExecutor) Begin(ctx context.Context, schema string) (Tx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.schemas[schema]; !ok {
		return nil, fmt.Errorf("schema %s does not exist", schema)
	}
	return &memTx{e: e, schema: schema}, nil
}

type memTx struct {
	e       *MemoryExecutor
	schema  string
	pending []string
}

func (t *memTx) Exec(ctx context.Context, script string) error {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if err := t.e.failOn[script]; err != nil {
		return err
	}
	if t.e.transactional {
		t.pending = append(t.pending, script)
		return nil
	}
	t.e.schemas[t.schema] = append(t.e.schemas[t.schema], script)
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	t.e.schemas[t.schema] = append(t.e.schemas[t.schema], t.pending...)
	t.pending = nil
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.pending = nil
	return nil
}
