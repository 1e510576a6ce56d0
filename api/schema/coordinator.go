package schema

import (
	"context"
	"log"

	"ferry/api/model"
	"ferry/api/store"
)

// Coordinator moves an environment's database schema between catalog
// versions. Every migration is applied to an environment at most once; the
// applied set lives in the ledger. Only the environment's own worker calls
// it, so calls for one environment never overlap.
type Coordinator struct {
	catalog *Catalog
	exec    Executor
	ledger  store.Ledger
}

func NewCoordinator(catalog *Catalog, exec Executor, ledger store.Ledger) *Coordinator {
	return &Coordinator{catalog: catalog, exec: exec, ledger: ledger}
}

func (c *Coordinator) Catalog() *Catalog { return c.catalog }

// Prepare creates the environment's schema if needed.
func (c *Coordinator) Prepare(ctx context.Context, env *model.Environment) error {
	return c.exec.EnsureSchema(ctx, env.SchemaName)
}

// Drop removes the environment's schema and forgets its applied set.
func (c *Coordinator) Drop(ctx context.Context, env *model.Environment) error {
	if err := c.exec.DropSchema(ctx, env.SchemaName); err != nil {
		return err
	}
	return c.ledger.ClearApplied(ctx, env.SchemaName)
}

// Migrate applies or reverts as needed to move from one version to another.
// It returns the version the schema is at afterwards, which differs from to
// only on error.
func (c *Coordinator) Migrate(ctx context.Context, env *model.Environment, from, to int64) (int64, error) {
	if to < from {
		return c.Revert(ctx, env, from, to)
	}
	return c.Apply(ctx, env, from, to)
}

// Apply runs the forward scripts of every migration in (from, to] that the
// environment has not applied yet, in ascending order. With a transactional
// executor the whole range commits or none of it does.
func (c *Coordinator) Apply(ctx context.Context, env *model.Environment, from, to int64) (int64, error) {
	if to < from {
		return from, model.Errorf(model.KindMigration, "cannot apply from %d down to %d", from, to)
	}
	if !c.catalog.Known(to) {
		return from, model.Errorf(model.KindMigration, "schema version %d is not in the catalog", to)
	}

	applied, err := c.ledger.AppliedMigrations(ctx, env.SchemaName)
	if err != nil {
		return from, model.Wrap(model.KindMigration, err, "load applied migrations for %s", env.Branch)
	}
	var pending []model.Migration
	for _, m := range c.catalog.Between(from, to) {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return to, nil
	}

	if c.exec.Transactional() {
		if err := c.runTx(ctx, env, pending, true); err != nil {
			return from, err
		}
		for _, m := range pending {
			if err := c.ledger.MarkApplied(ctx, env.SchemaName, m.Version); err != nil {
				return to, model.Wrap(model.KindMigration, err, "record migration %d for %s", m.Version, env.Branch)
			}
		}
		log.Printf("schema: %s applied %d migration(s), now at %d", env.Branch, len(pending), to)
		return to, nil
	}

	reached := from
	for _, m := range pending {
		if err := c.runTx(ctx, env, []model.Migration{m}, true); err != nil {
			return reached, err
		}
		if err := c.ledger.MarkApplied(ctx, env.SchemaName, m.Version); err != nil {
			return m.Version, model.Wrap(model.KindMigration, err, "record migration %d for %s", m.Version, env.Branch)
		}
		reached = m.Version
	}
	log.Printf("schema: %s applied %d migration(s), now at %d", env.Branch, len(pending), to)
	return to, nil
}

// Preflight checks that every migration in (to, from] can be reverted.
// Nothing is executed.
func (c *Coordinator) Preflight(from, to int64) error {
	if to > from {
		return nil
	}
	if !c.catalog.Known(from) {
		return model.Errorf(model.KindIrreversibleMigration, "schema version %d is not in the catalog", from)
	}
	if !c.catalog.Known(to) {
		return model.Errorf(model.KindIrreversibleMigration, "schema version %d is not in the catalog", to)
	}
	var blocked []int64
	for _, m := range c.catalog.Between(to, from) {
		if !m.Reversible() {
			blocked = append(blocked, m.Version)
		}
	}
	if len(blocked) > 0 {
		return model.Errorf(model.KindIrreversibleMigration,
			"cannot revert schema %d → %d: migration(s) %v have no reverse script", from, to, blocked)
	}
	return nil
}

// Revert runs reverse scripts for every applied migration in (to, from], in
// descending order. The whole range is checked with Preflight first, so an
// irreversible range fails before anything is executed.
func (c *Coordinator) Revert(ctx context.Context, env *model.Environment, from, to int64) (int64, error) {
	if to > from {
		return from, model.Errorf(model.KindMigration, "cannot revert from %d up to %d", from, to)
	}
	if err := c.Preflight(from, to); err != nil {
		return from, err
	}

	applied, err := c.ledger.AppliedMigrations(ctx, env.SchemaName)
	if err != nil {
		return from, model.Wrap(model.KindMigration, err, "load applied migrations for %s", env.Branch)
	}
	span := c.catalog.Between(to, from)
	var pending []model.Migration
	for i := len(span) - 1; i >= 0; i-- {
		if applied[span[i].Version] {
			pending = append(pending, span[i])
		}
	}
	if len(pending) == 0 {
		return to, nil
	}

	if c.exec.Transactional() {
		if err := c.runTx(ctx, env, pending, false); err != nil {
			return from, err
		}
		for _, m := range pending {
			if err := c.ledger.MarkReverted(ctx, env.SchemaName, m.Version); err != nil {
				return to, model.Wrap(model.KindMigration, err, "record revert of %d for %s", m.Version, env.Branch)
			}
		}
		log.Printf("schema: %s reverted %d migration(s), now at %d", env.Branch, len(pending), to)
		return to, nil
	}

	reached := from
	for _, m := range pending {
		if err := c.runTx(ctx, env, []model.Migration{m}, false); err != nil {
			return reached, err
		}
		if err := c.ledger.MarkReverted(ctx, env.SchemaName, m.Version); err != nil {
			return c.below(m.Version, to), model.Wrap(model.KindMigration, err, "record revert of %d for %s", m.Version, env.Branch)
		}
		reached = c.below(m.Version, to)
	}
	log.Printf("schema: %s reverted %d migration(s), now at %d", env.Branch, len(pending), to)
	return to, nil
}

// below returns the catalog version preceding v, never lower than floor.
func (c *Coordinator) below(v, floor int64) int64 {
	prev := floor
	for _, m := range c.catalog.Between(floor, v-1) {
		prev = m.Version
	}
	return prev
}

func (c *Coordinator) runTx(ctx context.Context, env *model.Environment, ms []model.Migration, up bool) error {
	tx, err := c.exec.Begin(ctx, env.SchemaName)
	if err != nil {
		return model.Wrap(model.KindMigration, err, "open schema %s", env.SchemaName)
	}
	for _, m := range ms {
		script, dir := m.Up, "apply"
		if !up {
			script, dir = m.Down, "revert"
		}
		if err := tx.Exec(ctx, script); err != nil {
			tx.Rollback(ctx)
			return model.Wrap(model.KindMigration, err, "%s migration %d (%s) on %s", dir, m.Version, m.Name, env.Branch)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Wrap(model.KindMigration, err, "commit migrations on %s", env.Branch)
	}
	return nil
}
