package events

import (
	"context"
	"errors"
	"log"

	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/registry"
)

type Environments interface {
	CreateEnvironment(ctx context.Context, branch string) (*model.Environment, *registry.Ticket, error)
	DestroyEnvironment(ctx context.Context, branch string) (*registry.Ticket, error)
}

type Deployer interface {
	Deploy(ctx context.Context, branch string, req pipeline.DeployRequest) (*registry.Ticket, error)
}

type Promoter interface {
	OnMerge(ctx context.Context, branch string) (registry.Result, error)
}

const (
	ActionDeploy    = "deploy"
	ActionPromote   = "promote"
	ActionDestroy   = "destroy"
	ActionSkipped   = "skipped"
	ActionDuplicate = "duplicate"
)

// Outcome says what a dispatched event led to.
type Outcome struct {
	Event  Event            `json:"event"`
	Action string           `json:"action"`
	Ticket *registry.Ticket `json:"-"`
	// Result is set for promotions, which run to completion inside Dispatch.
	Result *registry.Result `json:"result,omitempty"`
}

// Dispatcher turns events into registry, pipeline and promotion calls.
// Handling is idempotent under redelivery.
type Dispatcher struct {
	envs     Environments
	deployer Deployer
	promoter Promoter
	dedup    Deduper
}

func NewDispatcher(envs Environments, deployer Deployer, promoter Promoter, dedup Deduper) *Dispatcher {
	if dedup == nil {
		dedup = NewMemoryDeduper(0)
	}
	return &Dispatcher{envs: envs, deployer: deployer, promoter: promoter, dedup: dedup}
}

// Dispatch handles e. Pushes and closes return once their job is queued; a
// merge returns after the production deploy finishes.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) (Outcome, error) {
	out := Outcome{Event: e}
	if err := e.Validate(); err != nil {
		return out, err
	}
	if e.Type == TypeBranchPushed && Skipped(e.Message) {
		log.Printf("events: %s@%s skipped by commit message", e.Branch, model.ShortSHA(e.Commit))
		out.Action = ActionSkipped
		return out, nil
	}

	key := e.Key()
	if key != "" {
		first, err := d.dedup.Claim(ctx, key)
		if err != nil {
			// handling twice is safe; losing an event is not
			log.Printf("events: dedup unavailable, handling %s anyway: %v", key, err)
			first = true
		}
		if !first {
			log.Printf("events: duplicate %s (delivery %s)", key, e.Delivery)
			out.Action = ActionDuplicate
			return out, nil
		}
	}

	var err error
	switch e.Type {
	case TypeBranchPushed:
		out.Action = ActionDeploy
		out.Ticket, err = d.push(ctx, e)
	case TypePullRequestMerged:
		out.Action = ActionPromote
		var res registry.Result
		res, err = d.promoter.OnMerge(ctx, e.Branch)
		if err == nil {
			out.Result = &res
		}
	case TypeBranchClosed:
		out.Action = ActionDestroy
		out.Ticket, err = d.envs.DestroyEnvironment(ctx, e.Branch)
	}
	if err != nil && key != "" {
		if rerr := d.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
			log.Printf("events: release %s: %v", key, rerr)
		}
	}
	return out, err
}

func (d *Dispatcher) push(ctx context.Context, e Event) (*registry.Ticket, error) {
	_, _, err := d.envs.CreateEnvironment(ctx, e.Branch)
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return nil, err
	}
	return d.deployer.Deploy(ctx, e.Branch, pipeline.DeployRequest{Commit: e.Commit})
}
