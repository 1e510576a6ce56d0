package promotion

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/registry"
	"ferry/api/store"
)

type Config struct {
	Registry         *registry.Registry
	Pipeline         *pipeline.Pipeline
	Revisions        store.Revisions
	ProductionBranch string
}

// Controller promotes a merged branch's live revision to production through
// the regular deploy pipeline, then destroys the branch's environment.
type Controller struct {
	cfg Config
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// OnMerge promotes branch and blocks until the production deploy finishes.
// A branch without an environment was already promoted or never deployed;
// that is a no-op so redelivered merge events are harmless.
func (c *Controller) OnMerge(ctx context.Context, branch string) (registry.Result, error) {
	noop := registry.Result{Branch: branch, Kind: model.KindPromote, Status: model.StatusDone, EnvStatus: model.EnvDestroyed}
	if branch == c.cfg.ProductionBranch {
		return registry.Result{}, model.Errorf(model.KindConflict, "%s is the production branch", branch)
	}

	env, err := c.cfg.Registry.Get(ctx, branch)
	if errors.Is(err, model.ErrNotFound) {
		log.Printf("promotion: %s has no environment, nothing to promote", branch)
		return noop, nil
	}
	if err != nil {
		return registry.Result{}, err
	}
	if env.Destroyed() {
		log.Printf("promotion: %s already destroyed, nothing to promote", branch)
		return noop, nil
	}
	if env.CurrentRevision == 0 {
		return registry.Result{}, model.Errorf(model.KindConflict, "%s has no live revision to promote", branch)
	}

	rev, err := c.cfg.Revisions.GetRevision(ctx, branch, env.CurrentRevision)
	if err != nil {
		return registry.Result{}, fmt.Errorf("load revision %d of %s: %w", env.CurrentRevision, branch, err)
	}
	// The promotion and the cleanup after it outlive the caller; a caller
	// that stops waiting only abandons its own wait.
	bg := context.WithoutCancel(ctx)
	if err := c.ensureProduction(bg); err != nil {
		return registry.Result{}, err
	}

	log.Printf("promotion: promoting %s revision %d (%s) to %s", branch, rev.Seq, model.ShortSHA(rev.CommitSHA), c.cfg.ProductionBranch)
	tk, err := c.cfg.Pipeline.Deploy(bg, c.cfg.ProductionBranch, pipeline.DeployRequest{
		Commit:   rev.CommitSHA,
		Artifact: &model.Artifact{Ref: rev.ArtifactRef, SchemaVersion: rev.SchemaVersion},
		Kind:     model.KindPromote,
	})
	if err != nil {
		return registry.Result{}, err
	}

	done := make(chan registry.Result, 1)
	go func() { done <- c.finish(bg, branch, tk) }()
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		log.Printf("promotion: stopped waiting for %s (%s), promotion continues", branch, tk.ID)
		return registry.Result{}, ctx.Err()
	}
}

// finish waits for the production deploy and destroys branch once it is live.
func (c *Controller) finish(ctx context.Context, branch string, tk *registry.Ticket) registry.Result {
	res, err := tk.Wait(ctx)
	if err != nil {
		log.Printf("promotion: waiting for %s to reach production: %v", branch, err)
		return registry.Result{Branch: c.cfg.ProductionBranch, Kind: model.KindPromote, Status: model.StatusFailed, Error: err.Error()}
	}
	if res.Status != model.StatusLive {
		log.Printf("promotion: %s not promoted: %s (%s)", branch, res.Status, res.Error)
		return res
	}

	destroy, err := c.cfg.Registry.DestroyEnvironment(ctx, branch)
	if err != nil {
		log.Printf("promotion: destroy %s after promotion: %v", branch, err)
		return res
	}
	if dr, err := destroy.Wait(ctx); err != nil {
		log.Printf("promotion: waiting for %s to be destroyed: %v", branch, err)
	} else if dr.Status != model.StatusDone {
		log.Printf("promotion: destroy %s after promotion: %s", branch, dr.Error)
	}
	return res
}

func (c *Controller) ensureProduction(ctx context.Context) error {
	env, err := c.cfg.Registry.Get(ctx, c.cfg.ProductionBranch)
	if err == nil && !env.Destroyed() {
		return nil
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	_, _, err = c.cfg.Registry.CreateEnvironment(ctx, c.cfg.ProductionBranch)
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return fmt.Errorf("create production environment: %w", err)
	}
	return nil
}
