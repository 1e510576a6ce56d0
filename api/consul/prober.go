package consul

import (
	"context"
	"fmt"
	"time"

	"ferry/api/model"
)

type catalog interface {
	Instances(ctx context.Context, service string) ([]Instance, error)
}

// Prober reports an environment healthy once every registered instance of
// its service passes its checks and serves the environment's artifact.
// Probe polls until that holds or ctx expires.
type Prober struct {
	src      catalog
	Interval time.Duration
}

func NewProber(c *Client) *Prober {
	return &Prober{src: c, Interval: 2 * time.Second}
}

func (p *Prober) Probe(ctx context.Context, env *model.Environment) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	var last string
	for {
		ok, reason, err := p.check(ctx, env)
		if err != nil {
			last = err.Error()
		} else if ok {
			return nil
		} else {
			last = reason
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not healthy: %s", env.Label, last)
		case <-ticker.C:
		}
	}
}

func (p *Prober) check(ctx context.Context, env *model.Environment) (bool, string, error) {
	instances, err := p.src.Instances(ctx, env.Label)
	if err != nil {
		return false, "", fmt.Errorf("query consul: %w", err)
	}
	if len(instances) == 0 {
		return false, "no registered instances", nil
	}
	for _, inst := range instances {
		if env.Artifact != "" && inst.Artifact != env.Artifact {
			return false, fmt.Sprintf("instance on %s still serves %s", inst.Node, inst.Artifact), nil
		}
		if !inst.Passing() {
			return false, fmt.Sprintf("instance on %s is %s", inst.Node, inst.Status), nil
		}
	}
	return true, "", nil
}
