package registry

import (
	"context"
	"sync"

	"ferry/api/model"
)

// Result is the terminal outcome of a job.
type Result struct {
	DeploymentID string             `json:"deploymentId"`
	Branch       string             `json:"branch"`
	Kind         model.DeployKind   `json:"kind"`
	Status       model.DeployStatus `json:"status"`
	EnvStatus    model.EnvStatus    `json:"envStatus"`
	Commit       string             `json:"commit,omitempty"`
	Revision     int64              `json:"revision,omitempty"`
	ErrorKind    model.ErrorKind    `json:"errorKind,omitempty"`
	Error        string             `json:"error,omitempty"`

	err error
}

// Err returns the failure that ended the job, if any.
func (r Result) Err() error { return r.err }

// Ok ends a job successfully with status.
func Ok(status model.DeployStatus) Result {
	return Result{Status: status}
}

// Fail ends a job with status and the error that caused it.
func Fail(status model.DeployStatus, err error) Result {
	return Result{Status: status, ErrorKind: model.KindOf(err), Error: model.ReasonOf(err), err: err}
}

// Ticket tracks a submitted job until it reaches a terminal state.
type Ticket struct {
	ID     string
	Branch string
	Kind   model.DeployKind
	Key    string

	once   sync.Once
	done   chan struct{}
	result Result
}

func newTicket(id, branch string, kind model.DeployKind, key string) *Ticket {
	return &Ticket{ID: id, Branch: branch, Kind: kind, Key: key, done: make(chan struct{})}
}

// Resolved returns a ticket that is already done with r.
func Resolved(r Result) *Ticket {
	t := newTicket(r.DeploymentID, r.Branch, r.Kind, "")
	t.resolve(r)
	return t
}

func (t *Ticket) resolve(r Result) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome once Done is closed.
func (t *Ticket) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the job is done or ctx expires. Cancelling ctx does not
// cancel the job.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
