package beads

import "context"

// Store is the bead persistence boundary. BD implements it over the bd
// subprocess; Memory implements it in-process for tests.
type Store interface {
	// Init prepares the backing store (bd init). Safe to call when
	// already initialized.
	Init(ctx context.Context) error
	// Doctor reports whether the backing store is healthy.
	Doctor(ctx context.Context) (bool, error)
	// Sync flushes and reloads the backing store's index.
	Sync(ctx context.Context) error

	Create(ctx context.Context, opts CreateOptions) (*Bead, error)
	Show(ctx context.Context, id string) (*Bead, error)
	List(ctx context.Context, opts ListOptions) ([]*Bead, error)
	// Ready returns open beads whose blockers have all reached done.
	Ready(ctx context.Context) ([]*Bead, error)
	Update(ctx context.Context, id string, opts UpdateOptions) error
	// AddDependency makes child depend on parent.
	AddDependency(ctx context.Context, childID, parentID string) error
}
