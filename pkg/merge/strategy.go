// Package merge combines two branches of a thread: it resolves the lowest
// common ancestor, computes per-branch deltas, applies a strategy to combine
// derived state (summaries, memories), and commits a merge message plus a
// Merge record in one transaction.
package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// Context carries the identifiers and the transactional store a strategy
// operates against.
type Context struct {
	ThreadID       string
	SourceBranchID string
	TargetBranchID string
	MergeID        string
	Store          store.Store
}

// MergedSummary is a strategy's combined summary output.
type MergedSummary struct {
	Content  string
	Metadata map[string]any
}

// MergedMemory is one entry of a strategy's combined memory output.
type MergedMemory struct {
	Key        string
	Value      string
	MemoryType model.MemoryType
	Confidence string
	Source     string
	Metadata   map[string]any
}

// Result is the complete output of a strategy application.
type Result struct {
	Summary  *MergedSummary
	Memories []MergedMemory
	Metadata map[string]any
}

// Strategy combines the derived state of two branches.
type Strategy interface {
	// Name is the identifier callers select the strategy by.
	Name() string

	// MergeSummariesAndMemories combines summaries and memories from the
	// source and target branches.
	MergeSummariesAndMemories(ctx context.Context, mc Context) (*Result, error)
}

// UnknownStrategyError is returned when no registered strategy matches.
type UnknownStrategyError struct {
	Name string
}

func (e UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown merge strategy: %s", e.Name)
}

// Registry holds the available strategies. It is constructed at process
// start and injected wherever merges run; there is no ambient global.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Name()] = s
	}
	return r
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, UnknownStrategyError{Name: name}
	}
	return s, nil
}

// Names lists the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// branchSummaries returns the current summaries of a branch's thread.
// A missing branch yields an empty list, not an error.
func branchSummaries(ctx context.Context, s store.Store, branchID string) ([]*model.Summary, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.CurrentSummaries(ctx, branch.ThreadID)
}

// branchMemories returns the memories of a branch's thread.
func branchMemories(ctx context.Context, s store.Store, branchID string) ([]*model.Memory, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.ListMemories(ctx, branch.ThreadID)
}
