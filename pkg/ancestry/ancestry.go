// Package ancestry walks primary parent chains: ancestor sets, lowest common
// ancestor resolution, path extraction and chronological interleaving.
//
// Everything here follows ParentMessageID only. Explicit edges record extra
// provenance but never participate in ancestry - a merge commit's lineage is
// its primary chain, not its merge parents.
package ancestry

import (
	"context"
	"fmt"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// Engine resolves ancestry questions against a store.
type Engine struct {
	store store.Store
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// chain returns the messages from tipID up to the root, tip first.
func (e *Engine) chain(ctx context.Context, tipID string) ([]*model.Message, error) {
	var msgs []*model.Message
	seen := map[string]bool{}

	id := tipID
	for id != "" && !seen[id] {
		seen[id] = true
		msg, err := e.store.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walking chain at %s: %w", id, err)
		}
		msgs = append(msgs, msg)
		if msg.ParentMessageID == nil {
			break
		}
		id = *msg.ParentMessageID
	}
	return msgs, nil
}

// AncestorSet returns the ids on the primary chain from tipID to the root,
// including tipID itself.
func (e *Engine) AncestorSet(ctx context.Context, tipID string) (map[string]bool, error) {
	msgs, err := e.chain(ctx, tipID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		set[msg.ID] = true
	}
	return set, nil
}

// contentKey is the fallback identity of a message when ids diverge across
// branches: same speaker, same text.
func contentKey(msg *model.Message) string {
	return string(msg.Role) + "\x00" + msg.Text()
}

// FindLCA returns the lowest common ancestor of two tips.
//
// It first walks tipB's chain looking for an id present in tipA's chain.
// When the chains share no ids - branches rebuilt from copied content - it
// falls back to matching by role and text: the first message on tipB's chain
// whose content matches any of tipA's ancestors is returned. Disjoint trees
// with no shared content yield (nil, nil).
func (e *Engine) FindLCA(ctx context.Context, tipAID, tipBID string) (*model.Message, error) {
	chainA, err := e.chain(ctx, tipAID)
	if err != nil {
		return nil, err
	}
	chainB, err := e.chain(ctx, tipBID)
	if err != nil {
		return nil, err
	}

	idsA := make(map[string]bool, len(chainA))
	for _, msg := range chainA {
		idsA[msg.ID] = true
	}
	for _, msg := range chainB {
		if idsA[msg.ID] {
			return msg, nil
		}
	}

	contentA := make(map[string]bool, len(chainA))
	for _, msg := range chainA {
		contentA[contentKey(msg)] = true
	}
	for _, msg := range chainB {
		if contentA[contentKey(msg)] {
			return msg, nil
		}
	}
	return nil, nil
}

// PathAfter returns tipID's chain strictly after fromID, oldest first.
// A nil fromID, or a fromID not on the chain, yields the full chain.
func (e *Engine) PathAfter(ctx context.Context, tipID string, fromID *string) ([]*model.Message, error) {
	var path []*model.Message
	seen := map[string]bool{}

	id := tipID
	for id != "" && !seen[id] {
		if fromID != nil && id == *fromID {
			break
		}
		seen[id] = true
		msg, err := e.store.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walking chain at %s: %w", id, err)
		}
		path = append(path, msg)
		if msg.ParentMessageID == nil {
			break
		}
		id = *msg.ParentMessageID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// InterleaveByCreatedAt merges two chronologically ordered message sequences
// into one, ordered by created_at. Ties go to the first sequence, so the
// merge is stable for same-timestamp messages.
func InterleaveByCreatedAt(a, b []*model.Message) []*model.Message {
	merged := make([]*model.Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if !a[i].CreatedAt.After(b[j].CreatedAt) {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}
