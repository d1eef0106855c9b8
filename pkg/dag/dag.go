// Package dag validates and manipulates the conversation graph.
//
// Messages carry a primary parent pointer; the edge table adds explicit
// multi-parent relationships (merge provenance, references). Both together
// form the combined graph this package traverses. Validation is iterative -
// an explicit stack and a visited set, never recursion - so deep chains and
// repeated nodes cost nothing extra.
package dag

import (
	"context"
	"fmt"
	"time"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// Validator answers reachability questions over the combined graph.
type Validator struct {
	store store.Store
}

// NewValidator creates a Validator backed by the given store.
func NewValidator(s store.Store) *Validator {
	return &Validator{store: s}
}

// ValidateNoCycles checks that attaching messageID under each of parentIDs
// keeps the graph acyclic. A parent equal to the message itself, or a parent
// that already has the message among its descendants, closes a cycle.
func (v *Validator) ValidateNoCycles(ctx context.Context, messageID string, parentIDs []string) error {
	for _, parentID := range parentIDs {
		if parentID == messageID {
			return CycleError{MessageID: messageID, ParentID: parentID}
		}

		found, err := v.reachableDownward(ctx, parentID, messageID)
		if err != nil {
			return err
		}
		if found {
			return CycleError{MessageID: messageID, ParentID: parentID}
		}
	}
	return nil
}

// reachableDownward reports whether target is reachable from start by
// following child pointers and outgoing edges.
func (v *Validator) reachableDownward(ctx context.Context, start, target string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == target {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		next, err := v.childrenOf(ctx, current)
		if err != nil {
			return false, err
		}
		for _, id := range next {
			if !visited[id] {
				stack = append(stack, id)
			}
		}
	}
	return false, nil
}

func (v *Validator) childrenOf(ctx context.Context, messageID string) ([]string, error) {
	children, err := v.store.Children(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading children of %s: %w", messageID, err)
	}
	edges, err := v.store.EdgesFrom(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading outgoing edges of %s: %w", messageID, err)
	}

	ids := make([]string, 0, len(children)+len(edges))
	for _, child := range children {
		ids = append(ids, child.ID)
	}
	for _, edge := range edges {
		ids = append(ids, edge.ToMessageID)
	}
	return ids, nil
}

func (v *Validator) parentsOf(ctx context.Context, messageID string) ([]string, error) {
	msg, err := v.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", messageID, err)
	}
	edges, err := v.store.EdgesTo(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading incoming edges of %s: %w", messageID, err)
	}

	var ids []string
	if msg.ParentMessageID != nil {
		ids = append(ids, *msg.ParentMessageID)
	}
	for _, edge := range edges {
		ids = append(ids, edge.FromMessageID)
	}
	return ids, nil
}

// Ancestors returns every message reachable upward from messageID through
// parent pointers and incoming edges. The message itself is excluded.
func (v *Validator) Ancestors(ctx context.Context, messageID string) (map[string]bool, error) {
	return v.collect(ctx, messageID, v.parentsOf)
}

// Descendants returns every message reachable downward from messageID through
// child pointers and outgoing edges. The message itself is excluded.
func (v *Validator) Descendants(ctx context.Context, messageID string) (map[string]bool, error) {
	return v.collect(ctx, messageID, v.childrenOf)
}

func (v *Validator) collect(ctx context.Context, start string, next func(context.Context, string) ([]string, error)) (map[string]bool, error) {
	result := map[string]bool{}
	visited := map[string]bool{start: true}
	stack := []string{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ids, err := next(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if visited[id] {
				continue
			}
			visited[id] = true
			result[id] = true
			stack = append(stack, id)
		}
	}
	return result, nil
}

// Direction selects which edges GetEdges returns.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// EdgeManager adds and removes explicit edges, running cycle validation
// before every insert.
type EdgeManager struct {
	store     store.Store
	validator *Validator
}

// NewEdgeManager creates an EdgeManager backed by the given store.
func NewEdgeManager(s store.Store) *EdgeManager {
	return &EdgeManager{store: s, validator: NewValidator(s)}
}

// AddEdge creates a from -> to edge of the given type. It verifies both
// endpoints exist, rejects types outside the closed set, runs cycle
// validation, and surfaces a duplicate (from, to) pair as DuplicateError.
func (m *EdgeManager) AddEdge(ctx context.Context, fromID, toID string, edgeType model.EdgeType, weight *string) (*model.Edge, error) {
	if !edgeType.Valid() {
		return nil, InvalidEdgeTypeError{EdgeType: string(edgeType)}
	}

	if _, err := m.store.GetMessage(ctx, fromID); err != nil {
		return nil, err
	}
	if _, err := m.store.GetMessage(ctx, toID); err != nil {
		return nil, err
	}

	if err := m.validator.ValidateNoCycles(ctx, toID, []string{fromID}); err != nil {
		return nil, err
	}

	edge := &model.Edge{
		FromMessageID: fromID,
		ToMessageID:   toID,
		EdgeType:      edgeType,
		Weight:        weight,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateEdge(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// RemoveEdge deletes the (from, to) edge. Removing an absent edge is not an
// error; the bool reports whether anything was deleted.
func (m *EdgeManager) RemoveEdge(ctx context.Context, fromID, toID string) (bool, error) {
	return m.store.DeleteEdge(ctx, fromID, toID)
}

// GetEdges returns the edges touching a message, filtered by direction.
func (m *EdgeManager) GetEdges(ctx context.Context, messageID string, direction Direction) ([]*model.Edge, error) {
	switch direction {
	case DirectionIn:
		return m.store.EdgesTo(ctx, messageID)
	case DirectionOut:
		return m.store.EdgesFrom(ctx, messageID)
	case DirectionBoth:
		in, err := m.store.EdgesTo(ctx, messageID)
		if err != nil {
			return nil, err
		}
		out, err := m.store.EdgesFrom(ctx, messageID)
		if err != nil {
			return nil, err
		}
		return append(in, out...), nil
	default:
		return nil, ErrInvalidDirection
	}
}
