package saga

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	ActionStepStart    = "step.start"
	ActionStepComplete = "step.complete"
	ActionStepFailed   = "step.failed"
	ActionTransition   = "state.transition"
	ActionDeployStart  = "deploy.start"
	ActionDeployFinish = "deploy.finish"
	ActionRollbackSlow = "rollback.slow"
)

// Event is one entry of the append-only deploy audit log. Events are never
// mutated once appended.
type Event struct {
	ID        string            `json:"id"`
	SagaID    string            `json:"sagaId"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Branch    string            `json:"branch"`
	Category  string            `json:"category"` // deploy, rollback, promote, destroy, system
	Action    string            `json:"action"`   // step.start, step.complete, state.transition, etc.
	FromState string            `json:"fromState,omitempty"`
	ToState   string            `json:"toState,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Append(ctx context.Context, evt *Event) error
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	ListByBranch(ctx context.Context, branch string, limit int) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Saga is a helper for logging structured events of one deployment attempt.
// Its ID is the attempt's deployment ID.
type Saga struct {
	ID       string
	Branch   string
	Source   string
	Category string
	store    Store
}

func New(store Store, branch, source, category string) *Saga {
	return NewWithID(store, uuid.New().String(), branch, source, category)
}

func NewWithID(store Store, id, branch, source, category string) *Saga {
	return &Saga{
		ID:       id,
		Branch:   branch,
		Source:   source,
		Category: category,
		store:    store,
	}
}

func (s *Saga) append(ctx context.Context, evt *Event) error {
	evt.ID = uuid.New().String()
	evt.SagaID = s.ID
	evt.Timestamp = time.Now()
	evt.Source = s.Source
	evt.Branch = s.Branch
	evt.Category = s.Category
	if err := s.store.Append(ctx, evt); err != nil {
		log.Printf("saga: append %s for %s: %v", evt.Action, s.Branch, err)
		return err
	}
	return nil
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	return s.append(ctx, &Event{Action: action, Message: message, Metadata: metadata})
}

// Transition records a state change of the environment or attempt.
func (s *Saga) Transition(ctx context.Context, from, to, outcome, message string) error {
	return s.append(ctx, &Event{
		Action:    ActionTransition,
		FromState: from,
		ToState:   to,
		Outcome:   outcome,
		Message:   message,
	})
}

func (s *Saga) StepStart(ctx context.Context, step string) error {
	return s.Log(ctx, ActionStepStart, step+" started", map[string]string{"step": step})
}

func (s *Saga) StepComplete(ctx context.Context, step string, durationMs int64) error {
	return s.Log(ctx, ActionStepComplete, step+" completed", map[string]string{
		"step":       step,
		"durationMs": strconv.FormatInt(durationMs, 10),
	})
}

func (s *Saga) StepFailed(ctx context.Context, step string, err error) error {
	return s.Log(ctx, ActionStepFailed, step+" failed: "+err.Error(), map[string]string{
		"step":  step,
		"error": err.Error(),
	})
}
