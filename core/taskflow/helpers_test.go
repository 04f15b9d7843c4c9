package taskflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/skylens/skylens/core/infra/registry"
)

// stubBackend is an in-memory Backend double. Enqueued handles start in the
// pending phase; tests advance them by hand.
type stubBackend struct {
	mu         sync.Mutex
	states     map[string]BackendState
	enqueued   []string
	enqueueErr error
}

func newStubBackend() *stubBackend {
	return &stubBackend{states: make(map[string]BackendState)}
}

func (b *stubBackend) Enqueue(ctx context.Context, uid string, sub Submission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.enqueued = append(b.enqueued, uid)
	b.states[uid] = BackendState{Phase: BackendPending}
	return nil
}

func (b *stubBackend) QueryState(ctx context.Context, uid string) (BackendState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[uid]
	if !ok {
		return BackendState{Phase: BackendAbsent}, nil
	}
	return st, nil
}

func (b *stubBackend) setPhase(uid string, phase BackendPhase, result json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[uid] = BackendState{Phase: phase, Result: result}
}

func newTestRegistry(t *testing.T) registry.Store {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := registry.NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("registry store: %v", err)
	}
	return store
}

func validSubmission() Submission {
	return Submission{
		Kind:       KindAnalyze,
		Start:      "2024_01",
		Stop:       "2024_03",
		Geometries: []string{`{"type":"Point","coordinates":[10.5,45.2]}`},
	}
}

var errBackendDown = errors.New("backend unavailable")
