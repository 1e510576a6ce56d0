package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ferry/api/metrics"
	"ferry/api/model"
	"ferry/api/provider"
	"ferry/api/registry"
	"ferry/api/schema"
	"ferry/api/store"
)

type Config struct {
	Registry  *registry.Registry
	Revisions store.Revisions
	Artifacts provider.Artifacts
	Compute   provider.Compute
	Prober    provider.Prober
	Schema    *schema.Coordinator
	// HealthTimeout bounds the post-swap probe. Default 2m.
	HealthTimeout time.Duration
}

// Pipeline drives deploy attempts through build, provision, schema
// migration, code swap and health check on each environment's worker.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) *Pipeline {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Minute
	}
	return &Pipeline{cfg: cfg}
}

type DeployRequest struct {
	Commit string
	// Artifact, when set, is deployed as is and the build step is skipped.
	Artifact *model.Artifact
	// Kind defaults to deploy. Promotions are never superseded by pushes.
	Kind model.DeployKind
}

// Deploy queues a deploy of req on branch's environment.
func (p *Pipeline) Deploy(ctx context.Context, branch string, req DeployRequest) (*registry.Ticket, error) {
	if req.Commit == "" {
		return nil, model.Errorf(model.KindConflict, "deploy to %s: commit is required", branch)
	}
	if req.Kind == "" {
		req.Kind = model.KindDeploy
	}
	return p.cfg.Registry.Submit(ctx, branch, &deployJob{p: p, req: req})
}

type deployJob struct {
	p   *Pipeline
	req DeployRequest
}

func (j *deployJob) Kind() model.DeployKind { return j.req.Kind }
func (j *deployJob) Commit() string         { return j.req.Commit }

func (j *deployJob) Key() string {
	if j.req.Kind == model.KindPromote {
		return ""
	}
	return j.req.Commit
}

func (j *deployJob) Run(ctx context.Context, w *registry.Writer) registry.Result {
	a := &attempt{p: j.p, w: w, req: j.req, prev: w.Env()}
	if rev, ok := a.alreadyLive(ctx); ok {
		log.Printf("pipeline: %s already live at revision %d (%s), nothing to do", a.prev.Branch, rev.Seq, model.ShortSHA(rev.CommitSHA))
		res := registry.Ok(model.StatusLive)
		res.Revision = rev.Seq
		return res
	}
	return a.run(ctx)
}

type step struct {
	name   string
	status model.DeployStatus
	fn     func(ctx context.Context) error
	// critical steps may not be superseded once started
	critical bool
}

// attempt is the state of one deploy while it runs.
type attempt struct {
	p    *Pipeline
	w    *registry.Writer
	req  DeployRequest
	prev *model.Environment

	artifact *model.Artifact
	// schemaAt is the version the environment's schema was left at.
	schemaAt int64
	swapped  bool
}

func (a *attempt) alreadyLive(ctx context.Context) (*model.Revision, bool) {
	if a.prev.Status != model.EnvLive || a.prev.CurrentRevision == 0 {
		return nil, false
	}
	rev, err := a.p.cfg.Revisions.GetRevision(ctx, a.prev.Branch, a.prev.CurrentRevision)
	if err != nil {
		return nil, false
	}
	if rev.CommitSHA != a.req.Commit {
		return nil, false
	}
	if a.req.Artifact != nil && a.req.Artifact.Ref != rev.ArtifactRef {
		return nil, false
	}
	return rev, true
}

func (a *attempt) run(ctx context.Context) registry.Result {
	a.schemaAt = a.prev.SchemaVersion
	steps := []step{{name: "build", status: model.StatusBuilding, fn: a.build}}
	if a.prev.InstanceID == "" {
		steps = append(steps, step{name: "provision", status: model.StatusProvisioning, fn: a.provision})
	}
	steps = append(steps,
		step{name: "migrate", status: model.StatusMigratingSchema, fn: a.migrate, critical: true},
		step{name: "swap", status: model.StatusSwappingCode, fn: a.swap},
		step{name: "health", status: model.StatusHealthChecking, fn: a.health},
	)

	sg := a.w.Saga()
	for _, s := range steps {
		if s.critical {
			var err error
			if ctx, err = a.w.EnterCritical(ctx); err != nil {
				return registry.Fail(model.StatusSuperseded, err)
			}
			if a.prev.Status != model.EnvProvisioning {
				if err := a.w.SetStatus(ctx, model.EnvDeploying); err != nil {
					return registry.Fail(model.StatusFailed, err)
				}
			}
		}
		if err := a.w.Step(ctx, s.status); err != nil {
			log.Printf("pipeline: %s: %v", a.prev.Branch, err)
		}
		sg.StepStart(ctx, s.name)

		start := time.Now()
		err := s.fn(ctx)
		elapsed := time.Since(start)
		metrics.StepDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())

		if err != nil {
			sg.StepFailed(ctx, s.name, err)
			return a.fail(ctx, s.name, err)
		}
		sg.StepComplete(ctx, s.name, elapsed.Milliseconds())
	}
	return a.live(ctx)
}

func (a *attempt) build(ctx context.Context) error {
	if a.req.Artifact != nil {
		a.artifact = a.req.Artifact
	} else {
		art, err := a.p.cfg.Artifacts.Build(ctx, a.prev.Branch, a.req.Commit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.Wrap(model.KindProvisioning, err, "build of %s failed", model.ShortSHA(a.req.Commit))
		}
		a.artifact = art
	}
	if !a.p.cfg.Schema.Catalog().Known(a.artifact.SchemaVersion) {
		return model.Errorf(model.KindMigration, "%s declares schema version %d, which is not in the catalog",
			a.artifact.Ref, a.artifact.SchemaVersion)
	}
	if err := a.p.cfg.Artifacts.Prefetch(ctx, a.artifact.Ref); err != nil {
		log.Printf("pipeline: %s: prefetch %s: %v", a.prev.Branch, a.artifact.Ref, err)
	}
	return nil
}

func (a *attempt) provision(ctx context.Context) error {
	return a.w.EnsureProvisioned(ctx)
}

func (a *attempt) migrate(ctx context.Context) error {
	env := a.w.Env()
	if err := a.p.cfg.Schema.Prepare(ctx, env); err != nil {
		return model.Wrap(model.KindMigration, err, "prepare schema %s", env.SchemaName)
	}
	reached, err := a.p.cfg.Schema.Migrate(ctx, env, env.SchemaVersion, a.artifact.SchemaVersion)
	a.schemaAt = reached
	if reached != env.SchemaVersion {
		if uerr := a.w.Update(ctx, func(env *model.Environment) { env.SchemaVersion = reached }); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

func (a *attempt) swap(ctx context.Context) error {
	env := a.w.Env()
	if err := a.p.cfg.Compute.Swap(ctx, env, a.artifact.Ref); err != nil {
		return model.Wrap(model.KindProvisioning, err, "swap %s to %s", env.Label, a.artifact.Ref)
	}
	a.swapped = true
	return a.w.Update(ctx, func(env *model.Environment) { env.Artifact = a.artifact.Ref })
}

func (a *attempt) health(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, a.p.cfg.HealthTimeout)
	defer cancel()
	if err := a.p.cfg.Prober.Probe(probeCtx, a.w.Env()); err != nil {
		return model.Wrap(model.KindHealthCheck, err, "%s did not become healthy on %s", a.prev.Label, a.artifact.Ref)
	}
	return nil
}

func (a *attempt) live(ctx context.Context) registry.Result {
	rev, err := a.p.cfg.Revisions.AppendRevision(ctx, &model.Revision{
		Branch:        a.prev.Branch,
		CommitSHA:     a.req.Commit,
		ArtifactRef:   a.artifact.Ref,
		SchemaVersion: a.artifact.SchemaVersion,
		Parent:        a.prev.CurrentRevision,
	})
	if err != nil {
		return a.degrade(ctx, fmt.Errorf("record revision: %w", err))
	}
	err = a.w.Update(ctx, func(env *model.Environment) {
		env.CurrentRevision = rev.Seq
		env.Artifact = rev.ArtifactRef
		env.SchemaVersion = rev.SchemaVersion
		env.Status = model.EnvLive
	})
	if err != nil {
		return a.degrade(ctx, err)
	}
	log.Printf("pipeline: %s live at revision %d (%s, schema %d)", a.prev.Branch, rev.Seq, model.ShortSHA(rev.CommitSHA), rev.SchemaVersion)
	res := registry.Ok(model.StatusLive)
	res.Revision = rev.Seq
	return res
}

// fail ends the attempt after step failed, undoing whatever the attempt
// changed so the environment serves its previous revision again.
func (a *attempt) fail(ctx context.Context, step string, err error) registry.Result {
	switch step {
	case "build", "provision":
		return registry.Fail(model.StatusFailed, err)
	case "migrate":
		if errors.Is(err, model.ErrIrreversibleMigration) {
			// nothing ran
			return a.restore(ctx, err)
		}
		return a.degrade(ctx, err)
	}

	if a.swapped {
		if serr := a.p.cfg.Compute.Swap(ctx, a.w.Env(), a.prev.Artifact); serr != nil {
			return a.degrade(ctx, model.Wrap(model.KindHealthCheck, serr, "%s; swapping back to %q failed", model.ReasonOf(err), a.prev.Artifact))
		}
		if uerr := a.w.Update(ctx, func(env *model.Environment) { env.Artifact = a.prev.Artifact }); uerr != nil {
			return a.degrade(ctx, uerr)
		}
		log.Printf("pipeline: %s: swapped back to %q", a.prev.Branch, a.prev.Artifact)
	}
	if a.schemaAt != a.prev.SchemaVersion {
		reached, merr := a.p.cfg.Schema.Migrate(ctx, a.w.Env(), a.schemaAt, a.prev.SchemaVersion)
		if reached != a.schemaAt {
			if uerr := a.w.Update(ctx, func(env *model.Environment) { env.SchemaVersion = reached }); uerr != nil {
				log.Printf("pipeline: %s: record schema version %d: %v", a.prev.Branch, reached, uerr)
			}
			a.schemaAt = reached
		}
		if merr != nil {
			return a.degrade(ctx, model.Wrap(model.KindMigration, merr, "%s; reverting schema to %d failed", model.ReasonOf(err), a.prev.SchemaVersion))
		}
	}
	return a.restore(ctx, err)
}

// restore puts the environment back in the status it had before the
// attempt and reports err as a plain failure.
func (a *attempt) restore(ctx context.Context, err error) registry.Result {
	if uerr := a.w.SetStatus(ctx, a.prev.Status); uerr != nil {
		log.Printf("pipeline: %s: restore status: %v", a.prev.Branch, uerr)
	}
	return registry.Fail(model.StatusFailed, err)
}

// degrade leaves the environment Degraded for a human to inspect.
func (a *attempt) degrade(ctx context.Context, err error) registry.Result {
	if uerr := a.w.SetStatus(ctx, model.EnvDegraded); uerr != nil {
		log.Printf("pipeline: %s: mark degraded: %v", a.prev.Branch, uerr)
	}
	log.Printf("pipeline: %s degraded: %v", a.prev.Branch, err)
	return registry.Fail(model.StatusDegraded, err)
}
