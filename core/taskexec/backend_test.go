package taskexec

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/skylens/skylens/core/infra/bus"
	"github.com/skylens/skylens/core/infra/memory"
	"github.com/skylens/skylens/core/taskflow"
)

type capturePublisher struct {
	subjects []string
	tasks    []*bus.Task
	err      error
}

func (p *capturePublisher) PublishTask(subject string, task *bus.Task) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.tasks = append(p.tasks, task)
	return nil
}

func newTestStore(t *testing.T) *memory.RedisTaskStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := memory.NewRedisTaskStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSubmission() taskflow.Submission {
	return taskflow.Submission{
		Kind:       taskflow.KindAnalyze,
		Start:      "2024_01",
		Stop:       "2024_02",
		Geometries: []string{`{"type":"Point","coordinates":[1,2]}`},
	}
}

func TestEnqueuePublishesAndMarksPending(t *testing.T) {
	store := newTestStore(t)
	pub := &capturePublisher{}
	backend := New(pub, store)
	ctx := context.Background()

	if err := backend.Enqueue(ctx, "uid-1", testSubmission()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "task.submit.analyze" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
	task := pub.tasks[0]
	if task.UID != "uid-1" || task.Kind != "analyze" || task.Start != "2024_01" {
		t.Fatalf("unexpected envelope %+v", task)
	}

	st, err := backend.QueryState(ctx, "uid-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if st.Phase != taskflow.BackendPending {
		t.Fatalf("expected pending, got %s", st.Phase)
	}
}

func TestEnqueuePublishFailure(t *testing.T) {
	store := newTestStore(t)
	pubErr := errors.New("bus down")
	backend := New(&capturePublisher{err: pubErr}, store)

	err := backend.Enqueue(context.Background(), "uid-1", testSubmission())
	if !errors.Is(err, pubErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestQueryStateAbsent(t *testing.T) {
	backend := New(&capturePublisher{}, newTestStore(t))
	st, err := backend.QueryState(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if st.Phase != taskflow.BackendAbsent {
		t.Fatalf("expected absent, got %s", st.Phase)
	}
}

func TestQueryStateTerminalCarriesResult(t *testing.T) {
	store := newTestStore(t)
	backend := New(&capturePublisher{}, store)
	ctx := context.Background()

	if err := backend.Enqueue(ctx, "uid-1", testSubmission()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.SetState(ctx, "uid-1", memory.PhaseRunning); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if err := store.SetResult(ctx, "uid-1", []byte(`{"tiles":7}`)); err != nil {
		t.Fatalf("set result: %v", err)
	}
	if err := store.SetState(ctx, "uid-1", memory.PhaseSucceeded); err != nil {
		t.Fatalf("set succeeded: %v", err)
	}

	st, err := backend.QueryState(ctx, "uid-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if st.Phase != taskflow.BackendSucceeded {
		t.Fatalf("expected succeeded, got %s", st.Phase)
	}
	if string(st.Result) != `{"tiles":7}` {
		t.Fatalf("unexpected result %s", st.Result)
	}
}

func TestQueryStateRunningSkipsResultFetch(t *testing.T) {
	store := newTestStore(t)
	backend := New(&capturePublisher{}, store)
	ctx := context.Background()

	if err := store.SetState(ctx, "uid-1", memory.PhaseRunning); err != nil {
		t.Fatalf("set running: %v", err)
	}
	st, err := backend.QueryState(ctx, "uid-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if st.Phase != taskflow.BackendRunning || st.Result != nil {
		t.Fatalf("unexpected state %+v", st)
	}
}
