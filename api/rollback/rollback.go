package rollback

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"ferry/api/metrics"
	"ferry/api/model"
	"ferry/api/provider"
	"ferry/api/registry"
	"ferry/api/saga"
	"ferry/api/schema"
	"ferry/api/store"
)

type Config struct {
	Registry  *registry.Registry
	Revisions store.Revisions
	Fetcher   provider.Fetcher
	Compute   provider.Compute
	Prober    provider.Prober
	Schema    *schema.Coordinator
	// HealthTimeout bounds the post-swap probe. Default 2m.
	HealthTimeout time.Duration
	// Budget is how long a rollback may take before it is reported slow.
	// It never aborts a running rollback. Default 60s.
	Budget time.Duration
}

// Engine returns environments to an earlier revision of their own chain,
// code and schema together.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Minute
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 60 * time.Second
	}
	return &Engine{cfg: cfg}
}

// Rollback queues a rollback of branch to revision target. Precondition
// failures (NotAncestor, RollbackUnavailable) are returned directly and
// nothing is queued. The target's artifact starts prefetching before the
// checks run.
func (e *Engine) Rollback(ctx context.Context, branch string, target int64) (*registry.Ticket, error) {
	env, err := e.cfg.Registry.Get(ctx, branch)
	if err != nil {
		return nil, err
	}
	if env.Destroyed() {
		return nil, model.Errorf(model.KindNotFound, "environment %s is destroyed", branch)
	}

	rev, err := e.cfg.Revisions.GetRevision(ctx, branch, target)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Errorf(model.KindNotAncestor, "revision %d does not exist on %s", target, branch)
	}
	if err != nil {
		return nil, err
	}

	prefetched, cancel := e.prefetch(branch, rev.ArtifactRef)
	if err := e.check(ctx, env, rev); err != nil {
		cancel()
		return nil, err
	}

	tk, err := e.cfg.Registry.Submit(ctx, branch, &job{e: e, target: rev, prefetched: prefetched, cancelPrefetch: cancel})
	if err != nil {
		cancel()
		return nil, err
	}
	return tk, nil
}

// prefetch warms the artifact cache in the background. The returned channel
// closes when the fetch ends, successfully or not.
func (e *Engine) prefetch(branch, ref string) (<-chan struct{}, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Budget)
	done := make(chan struct{})
	if e.cfg.Fetcher == nil {
		close(done)
		return done, cancel
	}
	go func() {
		defer close(done)
		if err := e.cfg.Fetcher.Prefetch(ctx, ref); err != nil && ctx.Err() == nil {
			log.Printf("rollback: %s: prefetch %s: %v", branch, ref, err)
		}
	}()
	return done, cancel
}

// check verifies that target is on env's chain and that the schema can be
// reverted to its version. It changes nothing.
func (e *Engine) check(ctx context.Context, env *model.Environment, target *model.Revision) error {
	ok, err := store.IsAncestor(ctx, e.cfg.Revisions, env.Branch, env.CurrentRevision, target.Seq)
	if err != nil {
		return err
	}
	if !ok {
		return model.Errorf(model.KindNotAncestor, "revision %d is not an ancestor of %s's current revision %d",
			target.Seq, env.Branch, env.CurrentRevision)
	}
	if err := e.cfg.Schema.Preflight(env.SchemaVersion, target.SchemaVersion); err != nil {
		return model.Wrap(model.KindRollbackUnavailable, err, "cannot roll %s back to revision %d", env.Branch, target.Seq)
	}
	return nil
}

type job struct {
	e              *Engine
	target         *model.Revision
	prefetched     <-chan struct{}
	cancelPrefetch context.CancelFunc
}

func (j *job) Kind() model.DeployKind { return model.KindRollback }
func (j *job) Key() string            { return "" }
func (j *job) Commit() string         { return j.target.CommitSHA }

func (j *job) Run(ctx context.Context, w *registry.Writer) registry.Result {
	defer j.cancelPrefetch()
	e := j.e
	start := time.Now()

	env := w.Env()
	// the environment may have moved since the request was accepted
	if err := e.check(ctx, env, j.target); err != nil {
		return registry.Fail(model.StatusFailed, err)
	}
	if env.Status == model.EnvLive && env.CurrentRevision == j.target.Seq {
		res := registry.Ok(model.StatusLive)
		res.Revision = j.target.Seq
		return res
	}

	ctx, err := w.EnterCritical(ctx)
	if err != nil {
		return registry.Fail(model.StatusFailed, err)
	}
	if err := w.SetStatus(ctx, model.EnvRollingBack); err != nil {
		return registry.Fail(model.StatusFailed, err)
	}

	sg := w.Saga()
	slow := time.AfterFunc(e.cfg.Budget, func() {
		metrics.RollbackSlowTotal.Inc()
		log.Printf("rollback: %s: rollback to revision %d exceeded its %s budget", env.Branch, j.target.Seq, e.cfg.Budget)
		sg.Log(context.Background(), saga.ActionRollbackSlow, "rollback exceeded budget of "+e.cfg.Budget.String(), map[string]string{
			"target":   strconv.FormatInt(j.target.Seq, 10),
			"budgetMs": strconv.FormatInt(e.cfg.Budget.Milliseconds(), 10),
		})
	})
	defer slow.Stop()

	if err := j.revertSchema(ctx, w); err != nil {
		return degrade(ctx, w, err)
	}

	select {
	case <-j.prefetched:
	case <-ctx.Done():
	}

	step(ctx, w, model.StatusSwappingCode)
	sg.StepStart(ctx, "swap")
	swapStart := time.Now()
	if err := e.cfg.Compute.Swap(ctx, w.Env(), j.target.ArtifactRef); err != nil {
		err = model.Wrap(model.KindProvisioning, err, "swap %s to %s", env.Label, j.target.ArtifactRef)
		sg.StepFailed(ctx, "swap", err)
		return degrade(ctx, w, err)
	}
	if err := w.Update(ctx, func(env *model.Environment) { env.Artifact = j.target.ArtifactRef }); err != nil {
		return degrade(ctx, w, err)
	}
	sg.StepComplete(ctx, "swap", time.Since(swapStart).Milliseconds())

	step(ctx, w, model.StatusHealthChecking)
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	err = e.cfg.Prober.Probe(probeCtx, w.Env())
	cancel()
	if err != nil {
		err = model.Wrap(model.KindHealthCheck, err, "%s did not become healthy on %s", env.Label, j.target.ArtifactRef)
		sg.StepFailed(ctx, "health", err)
		return degrade(ctx, w, err)
	}

	err = w.Update(ctx, func(env *model.Environment) {
		env.CurrentRevision = j.target.Seq
		env.Status = model.EnvLive
	})
	if err != nil {
		return degrade(ctx, w, err)
	}

	took := time.Since(start)
	metrics.RollbackDuration.Observe(took.Seconds())
	log.Printf("rollback: %s back at revision %d (%s, schema %d) in %s",
		env.Branch, j.target.Seq, model.ShortSHA(j.target.CommitSHA), j.target.SchemaVersion, took.Round(time.Millisecond))
	res := registry.Ok(model.StatusLive)
	res.Revision = j.target.Seq
	return res
}

func (j *job) revertSchema(ctx context.Context, w *registry.Writer) error {
	env := w.Env()
	if env.SchemaVersion == j.target.SchemaVersion {
		return nil
	}
	step(ctx, w, model.StatusMigratingSchema)
	w.Saga().StepStart(ctx, "migrate")
	start := time.Now()

	reached, err := j.e.cfg.Schema.Migrate(ctx, env, env.SchemaVersion, j.target.SchemaVersion)
	if reached != env.SchemaVersion {
		if uerr := w.Update(ctx, func(env *model.Environment) { env.SchemaVersion = reached }); uerr != nil && err == nil {
			err = uerr
		}
	}
	if err != nil {
		w.Saga().StepFailed(ctx, "migrate", err)
		return err
	}
	w.Saga().StepComplete(ctx, "migrate", time.Since(start).Milliseconds())
	return nil
}

func step(ctx context.Context, w *registry.Writer, status model.DeployStatus) {
	if err := w.Step(ctx, status); err != nil {
		log.Printf("rollback: %s: record step %s: %v", w.Env().Branch, status, err)
	}
}

// degrade leaves the environment neither cleanly old nor new; a human has to
// look at it. Rollbacks are never retried automatically.
func degrade(ctx context.Context, w *registry.Writer, err error) registry.Result {
	if uerr := w.SetStatus(ctx, model.EnvDegraded); uerr != nil {
		log.Printf("rollback: mark degraded: %v", uerr)
	}
	log.Printf("rollback: %s degraded: %v", w.Env().Branch, err)
	return registry.Fail(model.StatusDegraded, err)
}
