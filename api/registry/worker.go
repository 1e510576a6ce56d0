package registry

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"ferry/api/hub"
	"ferry/api/metrics"
	"ferry/api/model"
	"ferry/api/saga"
)

// worker is the single writer of one environment.
type worker struct {
	branch string
	wake   chan struct{}

	mu      sync.Mutex
	env     *model.Environment
	queue   []*entry
	current *entry
	closing bool
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

type entry struct {
	job        Job
	ticket     *Ticket
	deployment *model.Deployment
	ctx        context.Context
	cancel     context.CancelFunc

	mu       sync.Mutex
	critical bool
	reason   error
}

// cancelWith cancels the job unless it already entered its critical section.
func (e *entry) cancelWith(reason error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.critical || e.reason != nil {
		return false
	}
	e.reason = reason
	e.cancel()
	return true
}

func (e *entry) cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason != nil
}

func (e *entry) enterCritical() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reason != nil {
		return e.reason
	}
	e.critical = true
	return nil
}

func (e *entry) cancelResult() Result {
	e.mu.Lock()
	reason := e.reason
	e.mu.Unlock()
	if reason == nil {
		reason = errSuperseded
	}
	if reason == errShutdown {
		return Fail(model.StatusFailed, reason)
	}
	return Fail(model.StatusSuperseded, reason)
}

func (r *Registry) loop(w *worker) {
	defer r.wg.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			idle := r.closed.Load() || w.env.Destroyed()
			w.mu.Unlock()
			if idle && r.retire(w) {
				return
			}
			if !idle {
				<-w.wake
			}
			continue
		}
		e := w.queue[0]
		w.queue = w.queue[1:]
		w.current = e
		metrics.QueueDepth.WithLabelValues(w.branch).Set(float64(len(w.queue)))
		w.mu.Unlock()

		r.run(w, e)

		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
	}
}

// retire removes an idle worker whose environment is gone or whose registry
// is shutting down. It reports false if work arrived in the meantime.
func (r *Registry) retire(w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	if !r.closed.Load() && !w.env.Destroyed() {
		return false
	}
	if r.workers[w.branch] == w {
		delete(r.workers, w.branch)
	}
	metrics.QueueDepth.DeleteLabelValues(w.branch)
	log.Printf("registry: worker for %s stopped", w.branch)
	return true
}

func (r *Registry) run(w *worker, e *entry) {
	defer e.cancel()
	start := time.Now()

	var res Result
	if err := r.cfg.Gate.Acquire(e.ctx); err != nil {
		res = e.cancelResult()
	} else {
		res = r.execute(w, e)
		r.cfg.Gate.Release()
	}
	r.finish(w, e, res, time.Since(start))
}

func (r *Registry) execute(w *worker, e *entry) Result {
	kind := e.job.Kind()
	wr := &Writer{
		r:    r,
		w:    w,
		e:    e,
		saga: saga.NewWithID(r.cfg.Sagas, e.ticket.ID, w.branch, "registry", string(kind)),
	}

	w.mu.Lock()
	destroyed := w.env.Destroyed()
	w.mu.Unlock()
	if destroyed && kind != model.KindDestroy {
		return Fail(model.StatusFailed, model.Errorf(model.KindNotFound, "environment %s is destroyed", w.branch))
	}
	if e.ctx.Err() != nil {
		return e.cancelResult()
	}

	log.Printf("registry: %s: starting %s attempt %s", w.branch, kind, e.ticket.ID)
	wr.saga.Log(e.ctx, saga.ActionDeployStart, string(kind)+" started", map[string]string{
		"commit": e.job.Commit(),
	})

	res := e.job.Run(e.ctx, wr)
	if res.Status == "" || !res.Status.Terminal() {
		res = Fail(model.StatusFailed, model.Errorf(model.KindConflict, "%s ended without a terminal status", kind))
	}
	// A cancelled job reports whatever its last call returned; surface the
	// cancellation instead.
	if e.cancelled() && res.Status != model.StatusLive && res.Status != model.StatusDone {
		e.mu.Lock()
		critical := e.critical
		e.mu.Unlock()
		if !critical {
			res = e.cancelResult()
		}
	}
	return res
}

func (r *Registry) finish(w *worker, e *entry, res Result, took time.Duration) {
	ctx := context.Background()

	res.DeploymentID = e.ticket.ID
	res.Branch = w.branch
	res.Kind = e.job.Kind()
	if res.Commit == "" {
		res.Commit = e.job.Commit()
	}
	w.mu.Lock()
	res.EnvStatus = w.env.Status
	env := w.env.Clone()
	w.mu.Unlock()

	d := e.deployment
	d.Status = res.Status
	d.ErrorKind = res.ErrorKind
	d.Error = res.Error
	if res.Commit != "" {
		d.CommitSHA = res.Commit
	}
	if res.Revision != 0 {
		d.RevisionSeq = res.Revision
	}
	if err := r.cfg.Store.UpdateDeployment(ctx, d); err != nil {
		log.Printf("registry: update attempt %s: %v", d.ID, err)
	}

	sg := saga.NewWithID(r.cfg.Sagas, e.ticket.ID, w.branch, "registry", string(res.Kind))
	msg := string(res.Kind) + " " + string(res.Status)
	if res.Error != "" {
		msg += ": " + res.Error
	}
	sg.Log(ctx, saga.ActionDeployFinish, msg, map[string]string{
		"status":     string(res.Status),
		"envStatus":  string(res.EnvStatus),
		"errorKind":  string(res.ErrorKind),
		"durationMs": strconv.FormatInt(took.Milliseconds(), 10),
	})

	metrics.AttemptsTotal.WithLabelValues(string(res.Kind), string(res.Status)).Inc()
	if res.ErrorKind != "" {
		metrics.AttemptErrorsTotal.WithLabelValues(string(res.Kind), string(res.ErrorKind)).Inc()
	}
	if res.Status == model.StatusSuperseded {
		metrics.SupersededTotal.Inc()
	}
	r.broadcast(env)

	if res.Error != "" {
		log.Printf("registry: %s: %s attempt %s ended %s (%s): %s", w.branch, res.Kind, e.ticket.ID, res.Status, res.ErrorKind, res.Error)
	} else {
		log.Printf("registry: %s: %s attempt %s ended %s in %s", w.branch, res.Kind, e.ticket.ID, res.Status, took.Round(time.Millisecond))
	}
	e.ticket.resolve(res)
}

func (r *Registry) broadcast(env *model.Environment) {
	if r.cfg.Hub == nil {
		return
	}
	r.cfg.Hub.Broadcast(hub.Event{Type: hub.TypeEnvStatus, Branch: env.Branch, Payload: env})
}
