package taskflow

import (
	"context"
	"fmt"

	"github.com/skylens/skylens/core/infra/logging"
	"github.com/skylens/skylens/core/infra/registry"
)

// Resolver answers status queries by reconciling the owner's registry view
// with the backend's execution state. The registry record is what binds a
// handle to its owner: without it, even a terminal backend state is reported
// as unknown, so one owner can never observe another owner's results.
type Resolver struct {
	registry registry.Store
	backend  Backend
}

// NewResolver wires a resolver to its registry and backend.
func NewResolver(store registry.Store, backend Backend) *Resolver {
	return &Resolver{registry: store, backend: backend}
}

// Status resolves the current state of a handle on behalf of an owner.
// Reconciliation happens as a side effect: a terminal backend state evicts
// the registry record, freeing the fingerprint for resubmission.
func (r *Resolver) Status(ctx context.Context, owner, uid string) (Status, error) {
	bs, err := r.backend.QueryState(ctx, uid)
	if err != nil {
		return Status{}, fmt.Errorf("query backend: %w", err)
	}

	records, err := r.registry.List(ctx, owner)
	if err != nil {
		return Status{}, fmt.Errorf("registry list: %w", err)
	}
	registered := false
	for _, rec := range records {
		if rec.UID == uid {
			registered = true
			break
		}
	}

	if bs.Phase.Terminal() {
		if !registered {
			return Status{State: StateUnknown}, nil
		}
		if err := r.registry.Remove(ctx, owner, uid); err != nil {
			// The result is still delivered; the stale record only blocks a
			// resubmission until the next query retires it.
			logging.Warn("resolver", "failed to evict finished task", "uid", uid, "error", err)
		}
		if bs.Phase == BackendFailed {
			return Status{State: StateFailed, Result: bs.Result}, nil
		}
		return Status{State: StateCompleted, Result: bs.Result}, nil
	}

	if registered {
		return Status{State: StateRunning}, nil
	}
	return Status{State: StateUnknown}, nil
}
