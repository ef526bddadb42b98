// Package store provides the durable storage surfaces the migration core and
// the roster consume: a key-value table for control state, member item
// accessors for bulk transfer, and the workspace pointer that names the
// authoritative store.
//
// Both the on-device store and the sync store are SQLite databases opened in
// WAL mode; migration only sees them through the Accessor interface, so a
// future remote backend slots in without touching the engine.
package store

import (
	"context"
	"errors"

	"github.com/crewbase/crew/internal/roster"
)

// ErrNotFound is returned when a member ID does not exist in the store.
var ErrNotFound = errors.New("member not found")

// KV is the durable key-value surface used for migration checkpoints and
// other small control state. Implementations must provide read-your-writes
// consistency within one process.
type KV interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Accessor exposes a member store to the migration engine: paged enumeration
// in stable ID order, idempotent upserts keyed by member ID, and the cheap
// count/checksum pair the verify phase compares.
type Accessor interface {
	// Enumerate returns up to limit members with ID greater than afterID,
	// in ascending ID order. An empty afterID starts from the beginning;
	// an empty result means the enumeration is complete.
	Enumerate(ctx context.Context, afterID string, limit int) ([]*roster.Member, error)

	// Read returns the member with the given ID, or ErrNotFound.
	Read(ctx context.Context, id string) (*roster.Member, error)

	// Upsert inserts or replaces the member row keyed by ID. Re-applying
	// the same member is a no-op, which is what makes resumed batches safe.
	Upsert(ctx context.Context, member *roster.Member) error

	// Delete removes the member row. Missing IDs are not an error.
	Delete(ctx context.Context, id string) error

	// Count returns the number of members in the store.
	Count(ctx context.Context) (int64, error)

	// Checksum returns a digest over the ID-ordered member content,
	// comparable across stores holding the same records.
	Checksum(ctx context.Context) (string, error)
}

// Pointer names which store downstream reads consult. Switching it is the
// atomic cutover step at the end of a migration.
type Pointer interface {
	Active() (string, error)
	Switch(name string) error
}
