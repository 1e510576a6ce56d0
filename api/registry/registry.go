package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ferry/api/hub"
	"ferry/api/metrics"
	"ferry/api/model"
	"ferry/api/provider"
	"ferry/api/saga"
	"ferry/api/schema"
	"ferry/api/store"
)

// Job is a unit of work run on an environment's worker.
type Job interface {
	Kind() model.DeployKind
	// Key identifies equivalent jobs. Jobs with a non-empty key are
	// deduplicated against each other and superseded by newer keyed jobs.
	Key() string
	Commit() string
	Run(ctx context.Context, w *Writer) Result
}

type Broadcaster interface {
	Broadcast(evt hub.Event)
}

type Config struct {
	Store   store.Store
	Sagas   saga.Store
	Compute provider.Compute
	Schema  *schema.Coordinator
	Gate    *Gate
	Hub     Broadcaster // optional

	ProductionBranch string
	// Backoff bounds Compute.Provision and Compute.Deprovision retries.
	Backoff provider.Backoff
}

var (
	errSuperseded = model.Errorf(model.KindConflict, "superseded by a newer push")
	errShutdown   = model.Errorf(model.KindConflict, "ferry is shutting down")
	errDestroying = model.Errorf(model.KindConflict, "environment is being destroyed")
)

// Registry owns every environment and the single worker that mutates it.
// Jobs for one environment run strictly one at a time in submission order;
// jobs for different environments run in parallel up to the gate capacity.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*worker
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Registry {
	if cfg.Gate == nil {
		cfg.Gate = NewGate(4)
	}
	return &Registry{cfg: cfg, workers: make(map[string]*worker)}
}

func (r *Registry) ProductionBranch() string { return r.cfg.ProductionBranch }

func (r *Registry) Gate() *Gate { return r.cfg.Gate }

// Recover marks attempts interrupted by a restart as failed and environments
// caught mid-change as Degraded. Call it once before serving requests.
func (r *Registry) Recover(ctx context.Context) error {
	if err := r.cfg.Store.RecoverInFlightDeployments(ctx); err != nil {
		return fmt.Errorf("recover in-flight deployments: %w", err)
	}
	return nil
}

// CreateEnvironment records a new environment for branch and queues its
// provisioning. A destroyed environment may be created again; it starts with
// no current revision.
func (r *Registry) CreateEnvironment(ctx context.Context, branch string) (*model.Environment, *Ticket, error) {
	if branch == "" {
		return nil, nil, model.Errorf(model.KindNotFound, "branch name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, nil, errShutdown
	}

	env := model.NewEnvironment(branch, branch == r.cfg.ProductionBranch)

	if w, ok := r.workers[branch]; ok {
		w.mu.Lock()
		if !w.env.Destroyed() {
			w.mu.Unlock()
			return nil, nil, model.Errorf(model.KindAlreadyExists, "environment %s already exists", branch)
		}
		if err := r.cfg.Store.PutEnvironment(ctx, env); err != nil {
			w.mu.Unlock()
			return nil, nil, fmt.Errorf("create environment %s: %w", branch, err)
		}
		w.env = env
		w.closing = false
		t, err := r.enqueueLocked(ctx, w, &provisionJob{})
		w.mu.Unlock()
		return env.Clone(), t, err
	}

	existing, err := r.cfg.Store.GetEnvironment(ctx, branch)
	switch {
	case err == nil && !existing.Destroyed():
		return nil, nil, model.Errorf(model.KindAlreadyExists, "environment %s already exists", branch)
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return nil, nil, err
	}
	if err := r.cfg.Store.PutEnvironment(ctx, env); err != nil {
		return nil, nil, fmt.Errorf("create environment %s: %w", branch, err)
	}
	log.Printf("registry: created environment %s (%s)", branch, env.Label)

	w := r.startWorkerLocked(env)
	w.mu.Lock()
	t, err := r.enqueueLocked(ctx, w, &provisionJob{})
	w.mu.Unlock()
	return env.Clone(), t, err
}

// DestroyEnvironment queues deprovisioning of branch. Queued deploys are
// dropped. Destroying a missing or already destroyed environment is a no-op
// returning a resolved ticket.
func (r *Registry) DestroyEnvironment(ctx context.Context, branch string) (*Ticket, error) {
	if branch == r.cfg.ProductionBranch {
		return nil, model.Errorf(model.KindConflict, "the production environment cannot be destroyed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, errShutdown
	}

	w, err := r.workerLocked(ctx, branch)
	if errors.Is(err, model.ErrNotFound) {
		return Resolved(Result{Branch: branch, Kind: model.KindDestroy, Status: model.StatusDone, EnvStatus: model.EnvDestroyed}), nil
	}
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.env.Destroyed() {
		return Resolved(Result{Branch: branch, Kind: model.KindDestroy, Status: model.StatusDone, EnvStatus: model.EnvDestroyed}), nil
	}
	if w.closing {
		for _, e := range w.queue {
			if e.job.Kind() == model.KindDestroy {
				return e.ticket, nil
			}
		}
		if w.current != nil && w.current.job.Kind() == model.KindDestroy {
			return w.current.ticket, nil
		}
	}
	r.dropKeyedLocked(ctx, w, "", errDestroying)
	t, err := r.enqueueLocked(ctx, w, &destroyJob{})
	if err == nil {
		w.closing = true
	}
	return t, err
}

// Get returns the environment for branch, including destroyed ones.
func (r *Registry) Get(ctx context.Context, branch string) (*model.Environment, error) {
	r.mu.Lock()
	w, ok := r.workers[branch]
	r.mu.Unlock()
	if ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.env.Clone(), nil
	}
	return r.cfg.Store.GetEnvironment(ctx, branch)
}

// List returns every environment that has not been destroyed.
func (r *Registry) List(ctx context.Context) ([]model.Environment, error) {
	all, err := r.cfg.Store.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, env := range all {
		if !env.Destroyed() {
			out = append(out, env)
		}
	}
	return out, nil
}

// Submit queues job on branch's worker.
//
// A keyed job that matches a queued or running job with the same key returns
// that job's ticket. Otherwise queued keyed jobs are dropped, and a running
// keyed job is cancelled if it has not yet entered its critical section.
func (r *Registry) Submit(ctx context.Context, branch string, job Job) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, errShutdown
	}

	w, err := r.workerLocked(ctx, branch)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.env.Destroyed() || w.closing {
		return nil, model.Errorf(model.KindNotFound, "environment %s is destroyed", branch)
	}

	if key := job.Key(); key != "" {
		if cur := w.current; cur != nil && cur.job.Key() == key && !cur.cancelled() {
			return cur.ticket, nil
		}
		for _, e := range w.queue {
			if e.job.Key() == key {
				return e.ticket, nil
			}
		}
		r.dropKeyedLocked(ctx, w, key, errSuperseded)
	}
	return r.enqueueLocked(ctx, w, job)
}

// QueueDepth returns how many jobs wait behind branch's worker.
func (r *Registry) QueueDepth(branch string) int {
	r.mu.Lock()
	w, ok := r.workers[branch]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Shutdown stops accepting jobs, fails queued ones and cancels running jobs
// that have not entered their critical section. It waits for the workers to
// exit or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed.Store(true)
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		for _, e := range w.queue {
			r.finishDropped(ctx, e, errShutdown, model.StatusFailed)
		}
		w.queue = nil
		if w.current != nil {
			w.current.cancelWith(errShutdown)
		}
		w.mu.Unlock()
		w.signal()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workerLocked returns the running worker for branch, starting one for an
// environment that exists only in the store. r.mu must be held.
func (r *Registry) workerLocked(ctx context.Context, branch string) (*worker, error) {
	if w, ok := r.workers[branch]; ok {
		return w, nil
	}
	env, err := r.cfg.Store.GetEnvironment(ctx, branch)
	if err != nil {
		return nil, err
	}
	if env.Destroyed() {
		return nil, model.Errorf(model.KindNotFound, "environment %s is destroyed", branch)
	}
	return r.startWorkerLocked(env), nil
}

func (r *Registry) startWorkerLocked(env *model.Environment) *worker {
	w := &worker{
		branch: env.Branch,
		env:    env,
		wake:   make(chan struct{}, 1),
	}
	r.workers[env.Branch] = w
	r.wg.Add(1)
	go r.loop(w)
	return w
}

// enqueueLocked records a Pending attempt and appends it to w's queue.
// w.mu must be held.
func (r *Registry) enqueueLocked(ctx context.Context, w *worker, job Job) (*Ticket, error) {
	id := uuid.New().String()
	d := &model.Deployment{
		ID:        id,
		Branch:    w.branch,
		Kind:      job.Kind(),
		CommitSHA: job.Commit(),
		Status:    model.StatusPending,
		StartedAt: time.Now(),
	}
	if err := r.cfg.Store.InsertDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("record %s attempt for %s: %w", job.Kind(), w.branch, err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job:        job,
		ticket:     newTicket(id, w.branch, job.Kind(), job.Key()),
		deployment: d,
		ctx:        jobCtx,
		cancel:     cancel,
	}
	w.queue = append(w.queue, e)
	metrics.QueueDepth.WithLabelValues(w.branch).Set(float64(len(w.queue)))
	w.signal()
	return e.ticket, nil
}

// dropKeyedLocked removes queued keyed jobs whose key differs from keep and
// cancels the running keyed job if it is still cancellable. w.mu must be held.
func (r *Registry) dropKeyedLocked(ctx context.Context, w *worker, keep string, reason error) {
	kept := w.queue[:0]
	for _, e := range w.queue {
		if e.job.Key() != "" && e.job.Key() != keep {
			r.finishDropped(ctx, e, reason, model.StatusSuperseded)
			continue
		}
		kept = append(kept, e)
	}
	w.queue = kept
	metrics.QueueDepth.WithLabelValues(w.branch).Set(float64(len(w.queue)))

	if cur := w.current; cur != nil && cur.job.Key() != "" && cur.job.Key() != keep {
		if cur.cancelWith(reason) {
			log.Printf("registry: %s: cancelling %s attempt %s: %v", w.branch, cur.job.Kind(), cur.ticket.ID, reason)
		}
	}
}

// finishDropped resolves a job that never ran.
func (r *Registry) finishDropped(ctx context.Context, e *entry, reason error, status model.DeployStatus) {
	e.cancel()
	res := Fail(status, reason)
	res.DeploymentID = e.ticket.ID
	res.Branch = e.ticket.Branch
	res.Kind = e.job.Kind()
	res.Commit = e.job.Commit()

	e.deployment.Status = status
	e.deployment.ErrorKind = res.ErrorKind
	e.deployment.Error = res.Error
	if err := r.cfg.Store.UpdateDeployment(ctx, e.deployment); err != nil {
		log.Printf("registry: update dropped attempt %s: %v", e.ticket.ID, err)
	}
	if status == model.StatusSuperseded {
		metrics.SupersededTotal.Inc()
	}
	metrics.AttemptsTotal.WithLabelValues(string(res.Kind), string(status)).Inc()
	e.ticket.resolve(res)
}
