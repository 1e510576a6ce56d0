// Package providertest provides scriptable in-memory capabilities for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ferry/api/model"
)

// Compute records instances and the artifact each one serves.
type Compute struct {
	mu            sync.Mutex
	seq           int
	serving       map[string]string // instance -> artifact
	ProvisionErrs []error           // consumed one per Provision call
	SwapErr       func(artifact string) error
	Swaps         []string
	Deprovisioned []string
}

func NewCompute() *Compute {
	return &Compute{serving: make(map[string]string)}
}

func (c *Compute) Provision(ctx context.Context, env *model.Environment) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ProvisionErrs) > 0 {
		err := c.ProvisionErrs[0]
		c.ProvisionErrs = c.ProvisionErrs[1:]
		if err != nil {
			return "", err
		}
	}
	c.seq++
	id := fmt.Sprintf("%s-%d", env.Label, c.seq)
	c.serving[id] = ""
	return id, nil
}

func (c *Compute) Swap(ctx context.Context, env *model.Environment, artifact string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SwapErr != nil {
		if err := c.SwapErr(artifact); err != nil {
			return err
		}
	}
	if _, ok := c.serving[env.InstanceID]; !ok {
		return fmt.Errorf("instance %s not found", env.InstanceID)
	}
	c.serving[env.InstanceID] = artifact
	c.Swaps = append(c.Swaps, artifact)
	return nil
}

func (c *Compute) Deprovision(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.serving, instanceID)
	c.Deprovisioned = append(c.Deprovisioned, instanceID)
	return nil
}

// Serving returns the artifact served by instanceID.
func (c *Compute) Serving(instanceID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.serving[instanceID]
	return a, ok
}

func (c *Compute) Instances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.serving)
}

func (c *Compute) SwapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Swaps)
}

// Artifacts builds "artifact-<commit>" with the schema version registered
// for the commit. Build can be held open to exercise cancellation and
// concurrency.
type Artifacts struct {
	mu         sync.Mutex
	versions   map[string]int64
	buildErr   map[string]error
	hold       map[string]chan struct{}
	Builds     []string
	Prefetched []string
	Delay      time.Duration

	inFlight    map[string]int
	maxInFlight map[string]int
	total       int
	maxTotal    int

	// Started receives the commit of every build that begins, if non-nil.
	Started chan string
}

func NewArtifacts() *Artifacts {
	return &Artifacts{
		versions:    make(map[string]int64),
		buildErr:    make(map[string]error),
		hold:        make(map[string]chan struct{}),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

// SetSchemaVersion declares the schema version the commit's build reports.
func (a *Artifacts) SetSchemaVersion(commit string, version int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.versions[commit] = version
}

func (a *Artifacts) FailBuild(commit string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buildErr[commit] = err
}

// Hold makes builds of commit block until Release is called or the build's
// context is cancelled.
func (a *Artifacts) Hold(commit string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold[commit] = make(chan struct{})
}

func (a *Artifacts) Release(commit string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.hold[commit]; ok {
		close(ch)
		delete(a.hold, commit)
	}
}

func Ref(commit string) string { return "artifact-" + commit }

func (a *Artifacts) Build(ctx context.Context, branch, commit string) (*model.Artifact, error) {
	a.mu.Lock()
	a.Builds = append(a.Builds, commit)
	a.inFlight[branch]++
	if a.inFlight[branch] > a.maxInFlight[branch] {
		a.maxInFlight[branch] = a.inFlight[branch]
	}
	a.total++
	if a.total > a.maxTotal {
		a.maxTotal = a.total
	}
	hold := a.hold[commit]
	delay := a.Delay
	started := a.Started
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight[branch]--
		a.total--
		a.mu.Unlock()
	}()

	if started != nil {
		started <- commit
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.buildErr[commit]; err != nil {
		return nil, err
	}
	return &model.Artifact{Ref: Ref(commit), SchemaVersion: a.versions[commit]}, nil
}

func (a *Artifacts) Prefetch(ctx context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Prefetched = append(a.Prefetched, ref)
	return nil
}

func (a *Artifacts) PrefetchedRefs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Prefetched...)
}

// MaxConcurrentBuilds returns the most builds ever running at once for branch.
func (a *Artifacts) MaxConcurrentBuilds(branch string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInFlight[branch]
}

// MaxConcurrentTotal returns the most builds ever running at once overall.
func (a *Artifacts) MaxConcurrentTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxTotal
}

func (a *Artifacts) BuildCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Builds)
}

var ErrUnhealthy = errors.New("health check failed")

// Prober fails for every artifact marked unhealthy.
type Prober struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	Probes    []string
}

func NewProber() *Prober {
	return &Prober{unhealthy: make(map[string]bool)}
}

func (p *Prober) FailArtifact(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[ref] = true
}

func (p *Prober) Probe(ctx context.Context, env *model.Environment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Probes = append(p.Probes, env.Artifact)
	if p.unhealthy[env.Artifact] {
		return fmt.Errorf("%s serving %s: %w", env.Label, env.Artifact, ErrUnhealthy)
	}
	return nil
}
