package registry

import "context"

// Record is one in-flight submission tracked for an owner: the task handle
// and the content fingerprint it was admitted under.
type Record struct {
	UID         string `json:"uid"`
	Fingerprint string `json:"fingerprint"`
}

// Store tracks each owner's in-flight submissions in shared storage. All
// gateway instances operate on the same store; entries must survive gateway
// restarts.
//
// Claim is the only admission path that closes the check-then-act race:
// callers must not emulate it with List followed by Append.
type Store interface {
	// List returns the owner's records in insertion order; an unknown owner
	// yields an empty slice, not an error.
	List(ctx context.Context, owner string) ([]Record, error)

	// Append adds a record at the tail without any duplicate check.
	Append(ctx context.Context, owner, uid, fingerprint string) error

	// Claim atomically appends the record unless a record with the same
	// fingerprint already exists for the owner. Returns false on collision.
	Claim(ctx context.Context, owner, uid, fingerprint string) (bool, error)

	// Remove deletes every record with the given uid for the owner.
	// Removing an absent uid is a no-op.
	Remove(ctx context.Context, owner, uid string) error
}
