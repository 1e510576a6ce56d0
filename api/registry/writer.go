package registry

import (
	"context"
	"fmt"
	"time"

	"ferry/api/model"
	"ferry/api/provider"
	"ferry/api/saga"
)

// Writer is a running job's handle on its environment. Only the job holding
// it may change the environment.
type Writer struct {
	r    *Registry
	w    *worker
	e    *entry
	saga *saga.Saga
}

// Env returns a snapshot of the environment.
func (wr *Writer) Env() *model.Environment {
	wr.w.mu.Lock()
	defer wr.w.mu.Unlock()
	return wr.w.env.Clone()
}

func (wr *Writer) Saga() *saga.Saga { return wr.saga }

func (wr *Writer) DeploymentID() string { return wr.e.ticket.ID }

// Update applies fn to a copy of the environment, persists it and then makes
// it current. Persisting ignores cancellation of ctx so the stored record
// never lags behind what the worker believes.
func (wr *Writer) Update(ctx context.Context, fn func(env *model.Environment)) error {
	wr.w.mu.Lock()
	prev := wr.w.env
	next := prev.Clone()
	wr.w.mu.Unlock()

	fn(next)
	next.UpdatedAt = time.Now()
	if err := wr.r.cfg.Store.PutEnvironment(context.WithoutCancel(ctx), next); err != nil {
		return fmt.Errorf("persist environment %s: %w", next.Branch, err)
	}

	wr.w.mu.Lock()
	wr.w.env = next
	wr.w.mu.Unlock()

	if prev.Status != next.Status {
		wr.saga.Transition(context.WithoutCancel(ctx), string(prev.Status), string(next.Status), "", "environment "+string(next.Status))
	}
	wr.r.broadcast(next.Clone())
	return nil
}

func (wr *Writer) SetStatus(ctx context.Context, status model.EnvStatus) error {
	return wr.Update(ctx, func(env *model.Environment) { env.Status = status })
}

// Step records the attempt's progress through its states.
func (wr *Writer) Step(ctx context.Context, status model.DeployStatus) error {
	d := wr.e.deployment
	from := d.Status
	d.Status = status
	if err := wr.r.cfg.Store.UpdateDeployment(context.WithoutCancel(ctx), d); err != nil {
		return fmt.Errorf("record %s step %s: %w", d.Kind, status, err)
	}
	wr.saga.Transition(context.WithoutCancel(ctx), string(from), string(status), "", "")
	return nil
}

// EnterCritical marks the point after which the job may no longer be
// superseded. It returns a context that is not cancelled when the job's is,
// or the reason the job was cancelled before reaching this point.
func (wr *Writer) EnterCritical(ctx context.Context) (context.Context, error) {
	if err := wr.e.enterCritical(); err != nil {
		return ctx, err
	}
	return context.WithoutCancel(ctx), nil
}

// EnsureProvisioned gives the environment a compute instance if it has none
// and makes sure its database schema exists.
func (wr *Writer) EnsureProvisioned(ctx context.Context) error {
	env := wr.Env()
	if env.InstanceID == "" {
		var id string
		err := provider.Retry(ctx, wr.r.cfg.Backoff, "provision "+env.Label, func(ctx context.Context) error {
			var err error
			id, err = wr.r.cfg.Compute.Provision(ctx, env)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.Wrap(model.KindProvisioning, err, "provision %s", env.Branch)
		}
		if err := wr.Update(ctx, func(env *model.Environment) { env.InstanceID = id }); err != nil {
			return err
		}
		env.InstanceID = id
	}
	if wr.r.cfg.Schema != nil {
		if err := wr.r.cfg.Schema.Prepare(ctx, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.Wrap(model.KindProvisioning, err, "prepare schema %s", env.SchemaName)
		}
	}
	return nil
}

// Deprovision releases the environment's compute instance, if any.
func (wr *Writer) Deprovision(ctx context.Context) error {
	env := wr.Env()
	if env.InstanceID == "" {
		return nil
	}
	err := provider.Retry(ctx, wr.r.cfg.Backoff, "deprovision "+env.Label, func(ctx context.Context) error {
		return wr.r.cfg.Compute.Deprovision(ctx, env.InstanceID)
	})
	if err != nil {
		return model.Wrap(model.KindProvisioning, err, "deprovision %s", env.Branch)
	}
	return wr.Update(ctx, func(env *model.Environment) { env.InstanceID = "" })
}

type provisionJob struct{}

func (provisionJob) Kind() model.DeployKind { return model.KindProvision }
func (provisionJob) Key() string            { return "" }
func (provisionJob) Commit() string         { return "" }

func (provisionJob) Run(ctx context.Context, w *Writer) Result {
	if err := w.EnsureProvisioned(ctx); err != nil {
		return Fail(model.StatusFailed, err)
	}
	return Ok(model.StatusDone)
}

type destroyJob struct{}

func (destroyJob) Kind() model.DeployKind { return model.KindDestroy }
func (destroyJob) Key() string            { return "" }
func (destroyJob) Commit() string         { return "" }

func (destroyJob) Run(ctx context.Context, w *Writer) Result {
	ctx, err := w.EnterCritical(ctx)
	if err != nil {
		return Fail(model.StatusFailed, err)
	}
	if err := w.Deprovision(ctx); err != nil {
		return Fail(model.StatusFailed, err)
	}
	if s := w.r.cfg.Schema; s != nil {
		if err := s.Drop(ctx, w.Env()); err != nil {
			return Fail(model.StatusFailed, model.Wrap(model.KindProvisioning, err, "drop schema"))
		}
	}
	err = w.Update(ctx, func(env *model.Environment) {
		env.Status = model.EnvDestroyed
		env.Artifact = ""
		env.CurrentRevision = 0
		env.SchemaVersion = 0
	})
	if err != nil {
		return Fail(model.StatusFailed, err)
	}
	return Ok(model.StatusDone)
}
