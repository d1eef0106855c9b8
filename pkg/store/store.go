// Package store defines the persistence contract for the conversation graph.
//
// The Store is the primary collaborator of the dag, ancestry, diff and merge
// packages - it handles point lookups, filtered ordered scans, inserts, the
// few permitted updates (summaries, memories, idempotency results) and
// transactional execution.
package store

import (
	"context"

	"github.com/convohubhq/convohub/pkg/model"
)

// Store persists and retrieves conversation graph entities.
//
// Implementations must make WithTx atomic: either every write inside the
// callback becomes visible, or none do. WithTx joins an enclosing transaction
// when one is already open on the context; only the outermost call commits.
type Store interface {
	// CreateThread inserts a thread.
	CreateThread(ctx context.Context, thread *model.Thread) error

	// GetThread retrieves a thread by id.
	GetThread(ctx context.Context, id string) (*model.Thread, error)

	// DeleteThread removes a thread and cascades to its branches, messages,
	// edges, summaries, memories and merges.
	DeleteThread(ctx context.Context, id string) error

	// CreateBranch inserts a branch.
	CreateBranch(ctx context.Context, branch *model.Branch) error

	// GetBranch retrieves a branch by id.
	GetBranch(ctx context.Context, id string) (*model.Branch, error)

	// ListBranches returns all branches of a thread ordered by creation time.
	ListBranches(ctx context.Context, threadID string) ([]*model.Branch, error)

	// CreateMessage inserts a message.
	CreateMessage(ctx context.Context, msg *model.Message) error

	// GetMessage retrieves a message by id.
	GetMessage(ctx context.Context, id string) (*model.Message, error)

	// ListBranchMessages returns a branch's messages ordered by created_at
	// ascending.
	ListBranchMessages(ctx context.Context, branchID string) ([]*model.Message, error)

	// ListThreadMessages returns every message in a thread, across all of its
	// branches, ordered by created_at ascending.
	ListThreadMessages(ctx context.Context, threadID string) ([]*model.Message, error)

	// BranchTip returns the most recently created message of a branch, or
	// (nil, nil) when the branch has no messages. When lock is true and the
	// call happens inside WithTx, SQL implementations take a row lock so
	// concurrent writers to the same branch tip serialize.
	BranchTip(ctx context.Context, branchID string, lock bool) (*model.Message, error)

	// Children returns the messages whose primary parent pointer references
	// the given message.
	Children(ctx context.Context, messageID string) ([]*model.Message, error)

	// CreateEdge inserts an edge. A (from, to) uniqueness violation surfaces
	// as DuplicateError.
	CreateEdge(ctx context.Context, edge *model.Edge) error

	// DeleteEdge removes the (from, to) edge, reporting whether it existed.
	DeleteEdge(ctx context.Context, fromID, toID string) (bool, error)

	// EdgesFrom returns edges whose from side is the given message.
	EdgesFrom(ctx context.Context, messageID string) ([]*model.Edge, error)

	// EdgesTo returns edges whose to side is the given message.
	EdgesTo(ctx context.Context, messageID string) ([]*model.Edge, error)

	// CurrentSummaries returns the is_current summaries of a thread.
	CurrentSummaries(ctx context.Context, threadID string) ([]*model.Summary, error)

	// CurrentSummary returns the is_current summary of the given type, or
	// (nil, nil) when none exists.
	CurrentSummary(ctx context.Context, threadID, summaryType string) (*model.Summary, error)

	// CreateSummary inserts a summary.
	CreateSummary(ctx context.Context, summary *model.Summary) error

	// UpdateSummary replaces a summary row (used to clear is_current).
	UpdateSummary(ctx context.Context, summary *model.Summary) error

	// ListMemories returns all memories of a thread.
	ListMemories(ctx context.Context, threadID string) ([]*model.Memory, error)

	// UpsertMemory inserts a memory, replacing any existing row with the same
	// (thread, key).
	UpsertMemory(ctx context.Context, memory *model.Memory) error

	// CreateMerge inserts a merge record.
	CreateMerge(ctx context.Context, merge *model.Merge) error

	// GetMerge retrieves a merge record by id.
	GetMerge(ctx context.Context, id string) (*model.Merge, error)

	// GetIdempotency retrieves the record for (key, operation), or (nil, nil)
	// when absent.
	GetIdempotency(ctx context.Context, key, operation string) (*model.IdempotencyRecord, error)

	// CreateIdempotency inserts a record. A (key, operation) uniqueness
	// violation surfaces as DuplicateError; callers treat that as a lost race.
	CreateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error

	// UpdateIdempotency replaces the record for (key, operation).
	UpdateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error

	// DeleteIdempotency removes the record for (key, operation).
	DeleteIdempotency(ctx context.Context, key, operation string) error

	// WithTx runs fn atomically. The callback receives a context carrying the
	// transaction; nested WithTx calls join it and only the outermost commits.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Close releases the store's resources.
	Close() error
}
