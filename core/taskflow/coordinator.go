package taskflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/skylens/skylens/core/infra/logging"
	"github.com/skylens/skylens/core/infra/registry"
)

// Coordinator admits new submissions: it fingerprints the payload, claims a
// slot in the shared registry, and dispatches to the execution backend. The
// claim is atomic, so two concurrent submissions with the same fingerprint
// from the same owner cannot both be admitted, regardless of which gateway
// instance serves them.
type Coordinator struct {
	registry registry.Store
	backend  Backend

	// validateGeometry is the external schema validator; nil skips the check
	// (fingerprinting still rejects undecodable geometries).
	validateGeometry func(string) error
}

// NewCoordinator wires a coordinator to its registry, backend, and geometry
// validator.
func NewCoordinator(store registry.Store, backend Backend, validateGeometry func(string) error) *Coordinator {
	return &Coordinator{
		registry:         store,
		backend:          backend,
		validateGeometry: validateGeometry,
	}
}

// Submit admits one unit of work and returns its handle. Validation and
// duplicate rejection happen before any dispatch; the backend never sees a
// payload that failed either.
func (c *Coordinator) Submit(ctx context.Context, owner string, sub Submission) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", fmt.Errorf("owner required")
	}
	if err := sub.Validate(); err != nil {
		return "", err
	}
	if c.validateGeometry != nil {
		for i, g := range sub.Geometries {
			if err := c.validateGeometry(g); err != nil {
				return "", &ValidationError{
					Field:  "target_geojsons",
					Reason: fmt.Sprintf("geometry %d: %v", i, err),
				}
			}
		}
	}

	fp, err := Fingerprint(sub)
	if err != nil {
		return "", err
	}

	uid := NewUID()
	claimed, err := c.registry.Claim(ctx, owner, uid, fp)
	if err != nil {
		return "", fmt.Errorf("registry claim: %w", err)
	}
	if !claimed {
		return "", &DuplicateError{Fingerprint: fp}
	}

	if err := c.backend.Enqueue(ctx, uid, sub); err != nil {
		// The record must not survive a failed dispatch, or the owner would be
		// locked out of resubmitting until someone cleans it up by hand.
		if rmErr := c.registry.Remove(ctx, owner, uid); rmErr != nil {
			logging.Error("coordinator", "orphaned registry record after failed dispatch",
				"uid", uid, "error", rmErr)
		}
		return "", fmt.Errorf("dispatch: %w", err)
	}
	return uid, nil
}

// NewUID mints a task handle: a fixed-length 32-character hex string, unique
// within the backend's ID space at issue time.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
