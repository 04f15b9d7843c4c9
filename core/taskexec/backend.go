// Package taskexec adapts the NATS bus and the Redis task store into the
// execution backend the task flow core dispatches to. Workers pick tasks up
// from the bus and report progress through the store; the gateway only ever
// talks to this adapter.
package taskexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skylens/skylens/core/infra/bus"
	"github.com/skylens/skylens/core/infra/memory"
	"github.com/skylens/skylens/core/taskflow"
)

// TaskPublisher is the bus surface Enqueue needs.
type TaskPublisher interface {
	PublishTask(subject string, task *bus.Task) error
}

// TaskStore is the state surface QueryState needs.
type TaskStore interface {
	SetState(ctx context.Context, uid string, phase memory.Phase) error
	GetState(ctx context.Context, uid string) (memory.Phase, error)
	GetResult(ctx context.Context, uid string) ([]byte, error)
}

// Backend implements taskflow.Backend over the bus and the task store.
type Backend struct {
	pub   TaskPublisher
	store TaskStore
}

func New(pub TaskPublisher, store TaskStore) *Backend {
	return &Backend{pub: pub, store: store}
}

// Enqueue marks the handle pending and publishes the task envelope. The state
// is written first: a worker that wins the race to the envelope observes a
// valid PENDING -> RUNNING transition instead of an absent record.
func (b *Backend) Enqueue(ctx context.Context, uid string, sub taskflow.Submission) error {
	if err := b.store.SetState(ctx, uid, memory.PhasePending); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	task := &bus.Task{
		UID:         uid,
		Kind:        string(sub.Kind),
		Start:       sub.Start,
		Stop:        sub.Stop,
		Geometries:  sub.Geometries,
		Threshold:   sub.Threshold,
		SubmittedAt: time.Now().UTC(),
	}
	if err := b.pub.PublishTask(bus.SubmitSubject(task.Kind), task); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// QueryState maps the store's phase onto the flow core's vocabulary. Results
// are only fetched for terminal phases.
func (b *Backend) QueryState(ctx context.Context, uid string) (taskflow.BackendState, error) {
	phase, err := b.store.GetState(ctx, uid)
	if err != nil {
		return taskflow.BackendState{}, fmt.Errorf("get state: %w", err)
	}

	st := taskflow.BackendState{Phase: mapPhase(phase)}
	if !st.Phase.Terminal() {
		return st, nil
	}
	result, err := b.store.GetResult(ctx, uid)
	if err != nil {
		return taskflow.BackendState{}, fmt.Errorf("get result: %w", err)
	}
	if len(result) > 0 {
		st.Result = json.RawMessage(result)
	}
	return st, nil
}

func mapPhase(p memory.Phase) taskflow.BackendPhase {
	switch p {
	case memory.PhasePending:
		return taskflow.BackendPending
	case memory.PhaseRunning:
		return taskflow.BackendRunning
	case memory.PhaseSucceeded:
		return taskflow.BackendSucceeded
	case memory.PhaseFailed:
		return taskflow.BackendFailed
	default:
		return taskflow.BackendAbsent
	}
}
