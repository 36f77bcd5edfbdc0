package collab

import (
	"context"
)

// the authoritative board store boundary. The core treats the store as a
// black box: it submits commands, receives confirmation records with
// precomputed inverses, and refetches the full document to converge.
//
// `version == nil` addresses the live, editable head. A non-nil version
// addresses an immutable snapshot; only `GetBoard` accepts one.
type BoardStore interface {
	GetBoard(ctx context.Context, key BoardKey, version *Version) (*Board, error)

	// applies the batch in order and returns one confirmation per command.
	// Idempotent-safe to retry on the refetch path, but the core never
	// retries automatically.
	ExecuteCommands(ctx context.Context, key BoardKey, commands []*Command) ([]*ExecutedCommand, error)

	// applies the inverses of `batch` in reverse order
	Undo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error

	// re-applies `batch` in forward order
	Redo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error

	// tags the current head as an immutable snapshot
	CreateVersion(ctx context.Context, key BoardKey) (Version, error)

	ListVersions(ctx context.Context, key BoardKey) ([]Version, error)
}
