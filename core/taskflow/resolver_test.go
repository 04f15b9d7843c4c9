package taskflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStatusRunningWhileInFlight(t *testing.T) {
	store := newTestRegistry(t)
	backend := newStubBackend()
	coord := NewCoordinator(store, backend, nil)
	resolver := NewResolver(store, backend)
	ctx := context.Background()

	uid, err := coord.Submit(ctx, "owner-a", validSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for _, phase := range []BackendPhase{BackendPending, BackendRunning} {
		backend.setPhase(uid, phase, nil)
		st, err := resolver.Status(ctx, "owner-a", uid)
		if err != nil {
			t.Fatalf("status at %s: %v", phase, err)
		}
		if st.State != StateRunning {
			t.Fatalf("phase %s should report running, got %s", phase, st.State)
		}
	}
}

func TestStatusCompletedEvictsRecord(t *testing.T) {
	store := newTestRegistry(t)
	backend := newStubBackend()
	coord := NewCoordinator(store, backend, nil)
	resolver := NewResolver(store, backend)
	ctx := context.Background()

	uid, err := coord.Submit(ctx, "owner-a", validSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result := json.RawMessage(`{"tiles":42}`)
	backend.setPhase(uid, BackendSucceeded, result)

	st, err := resolver.Status(ctx, "owner-a", uid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateCompleted {
		t.Fatalf("expected completed, got %s", st.State)
	}
	if string(st.Result) != string(result) {
		t.Fatalf("result %s, want %s", st.Result, result)
	}

	records, err := store.List(ctx, "owner-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("terminal status must evict the record, got %+v", records)
	}

	// After eviction the handle is no longer the owner's.
	st, err = resolver.Status(ctx, "owner-a", uid)
	if err != nil {
		t.Fatalf("second status: %v", err)
	}
	if st.State != StateUnknown {
		t.Fatalf("expected unknown after eviction, got %s", st.State)
	}
}

func TestStatusFailedEvictsAndFreesFingerprint(t *testing.T) {
	store := newTestRegistry(t)
	backend := newStubBackend()
	coord := NewCoordinator(store, backend, nil)
	resolver := NewResolver(store, backend)
	ctx := context.Background()

	uid, err := coord.Submit(ctx, "owner-a", validSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.setPhase(uid, BackendFailed, json.RawMessage(`{"error":"boom"}`))

	st, err := resolver.Status(ctx, "owner-a", uid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateFailed {
		t.Fatalf("expected failed, got %s", st.State)
	}
	if string(st.Result) != `{"error":"boom"}` {
		t.Fatalf("failed status must carry the backend result, got %s", st.Result)
	}

	// Eviction frees the fingerprint for a retry.
	if _, err := coord.Submit(ctx, "owner-a", validSubmission()); err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
}

func TestStatusUnknownHandle(t *testing.T) {
	store := newTestRegistry(t)
	backend := newStubBackend()
	resolver := NewResolver(store, backend)

	st, err := resolver.Status(context.Background(), "owner-a", NewUID())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateUnknown {
		t.Fatalf("expected unknown, got %s", st.State)
	}
}

func TestStatusCrossOwnerIsolation(t *testing.T) {
	store := newTestRegistry(t)
	backend := newStubBackend()
	coord := NewCoordinator(store, backend, nil)
	resolver := NewResolver(store, backend)
	ctx := context.Background()

	uid, err := coord.Submit(ctx, "owner-a", validSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.setPhase(uid, BackendSucceeded, json.RawMessage(`{"tiles":42}`))

	st, err := resolver.Status(ctx, "owner-b", uid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateUnknown {
		t.Fatalf("owner-b must not see owner-a's task, got %s", st.State)
	}
	if st.Result != nil {
		t.Fatal("owner-b must not receive owner-a's result")
	}

	// owner-a's record is untouched by the foreign query.
	records, err := store.List(ctx, "owner-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("owner-a record evicted by foreign query, got %d records", len(records))
	}
}

type failingBackend struct{ stubBackend }

func (b *failingBackend) QueryState(ctx context.Context, uid string) (BackendState, error) {
	return BackendState{}, errBackendDown
}

func TestStatusBackendErrorPropagates(t *testing.T) {
	store := newTestRegistry(t)
	resolver := NewResolver(store, &failingBackend{})
	_, err := resolver.Status(context.Background(), "owner-a", NewUID())
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
