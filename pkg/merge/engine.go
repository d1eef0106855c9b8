package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/convohubhq/convohub/pkg/ancestry"
	"github.com/convohubhq/convohub/pkg/events"
	"github.com/convohubhq/convohub/pkg/idempotency"
	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// Operation is the idempotency operation name for merges.
const Operation = "merge"

// MergedSummaryType is the summary_type written for strategy-produced
// summaries.
const MergedSummaryType = "merged"

// ThreadMismatchError is returned when the declared thread id does not match
// the branches' thread.
type ThreadMismatchError struct {
	DeclaredThreadID string
	ActualThreadID   string
}

func (e ThreadMismatchError) Error() string {
	return fmt.Sprintf("declared thread %s does not match branch thread %s", e.DeclaredThreadID, e.ActualThreadID)
}

// CrossThreadError is returned when source and target branches belong to
// different threads.
type CrossThreadError struct {
	SourceBranchID string
	TargetBranchID string
}

func (e CrossThreadError) Error() string {
	return fmt.Sprintf("branches %s and %s belong to different threads", e.SourceBranchID, e.TargetBranchID)
}

// EmptyBranchError is returned when a merged branch has no messages.
type EmptyBranchError struct {
	BranchID string
}

func (e EmptyBranchError) Error() string {
	return fmt.Sprintf("branch %s has no messages", e.BranchID)
}

// Request describes one merge invocation.
type Request struct {
	ThreadID       string
	SourceBranchID string
	TargetBranchID string
	Strategy       string

	// IdempotencyKey is optional; empty means unguarded.
	IdempotencyKey string
}

// Outcome identifies the committed merge.
type Outcome struct {
	MergeID             string `json:"merge_id"`
	MergedIntoMessageID string `json:"merged_into_message_id"`
}

// Engine orchestrates merges: Requested, LCA-resolved, Strategy-applied,
// Committed. Steps after tip resolution run in one transaction; either the
// merge message, summary, memories and Merge record all appear, or none do.
type Engine struct {
	store     store.Store
	registry  *Registry
	idem      *idempotency.Coordinator
	publisher events.Publisher
	logger    *slog.Logger
}

// NewEngine wires a merge Engine.
func NewEngine(s store.Store, registry *Registry, idem *idempotency.Coordinator, publisher events.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, registry: registry, idem: idem, publisher: publisher, logger: logger}
}

func messageIDs(msgs []*model.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

// Merge runs the full merge flow for the request.
func (e *Engine) Merge(ctx context.Context, req Request) (*Outcome, error) {
	strategy, err := e.registry.Get(req.Strategy)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		cached, err := e.idem.CheckAndLock(ctx, req.IdempotencyKey, Operation)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			var outcome Outcome
			if err := json.Unmarshal(cached, &outcome); err != nil {
				return nil, fmt.Errorf("decoding cached merge result: %w", err)
			}
			return &outcome, nil
		}
	}

	var outcome Outcome
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		committed, err := e.mergeTx(ctx, tx, req, strategy)
		if err != nil {
			return err
		}
		outcome = *committed
		return nil
	})
	if err != nil {
		// The idempotency claim, if any, deliberately stays: a retry with
		// the same key reports a conflict until the TTL clears it.
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if err := e.idem.StoreResult(ctx, req.IdempotencyKey, Operation, outcome); err != nil {
			e.logger.Warn("storing merge idempotency result failed", "key", req.IdempotencyKey, "error", err)
		}
	}
	e.publish(ctx, req, outcome)
	return &outcome, nil
}

func (e *Engine) mergeTx(ctx context.Context, tx store.Store, req Request, strategy Strategy) (*Outcome, error) {
	src, err := tx.GetBranch(ctx, req.SourceBranchID)
	if err != nil {
		return nil, err
	}
	tgt, err := tx.GetBranch(ctx, req.TargetBranchID)
	if err != nil {
		return nil, err
	}
	if src.ThreadID != tgt.ThreadID {
		return nil, CrossThreadError{SourceBranchID: src.ID, TargetBranchID: tgt.ID}
	}
	if tgt.ThreadID != req.ThreadID {
		return nil, ThreadMismatchError{DeclaredThreadID: req.ThreadID, ActualThreadID: tgt.ThreadID}
	}

	tgtTip, err := tx.BranchTip(ctx, tgt.ID, true)
	if err != nil {
		return nil, err
	}
	if tgtTip == nil {
		return nil, EmptyBranchError{BranchID: tgt.ID}
	}
	srcTip, err := tx.BranchTip(ctx, src.ID, false)
	if err != nil {
		return nil, err
	}
	if srcTip == nil {
		return nil, EmptyBranchError{BranchID: src.ID}
	}

	anc := ancestry.NewEngine(tx)
	lca, err := anc.FindLCA(ctx, srcTip.ID, tgtTip.ID)
	if err != nil {
		return nil, err
	}

	var srcPath, tgtPath []*model.Message
	var lcaID *string
	if lca != nil {
		lcaID = &lca.ID
		if srcPath, err = anc.PathAfter(ctx, srcTip.ID, lcaID); err != nil {
			return nil, err
		}
		if tgtPath, err = anc.PathAfter(ctx, tgtTip.ID, lcaID); err != nil {
			return nil, err
		}
	}
	mergedOrder := ancestry.InterleaveByCreatedAt(srcPath, tgtPath)

	diffSummary := map[string]any{
		"lca":          nil,
		"src_delta":    messageIDs(srcPath),
		"tgt_delta":    messageIDs(tgtPath),
		"merged_order": messageIDs(mergedOrder),
	}
	if lcaID != nil {
		diffSummary["lca"] = *lcaID
	}

	mergeID := model.NewID()
	result, strategyErr := strategy.MergeSummariesAndMemories(ctx, Context{
		ThreadID:       tgt.ThreadID,
		SourceBranchID: src.ID,
		TargetBranchID: tgt.ID,
		MergeID:        mergeID,
		Store:          tx,
	})
	if strategyErr != nil {
		// Strategy failures degrade, never abort the merge.
		e.logger.Warn("merge strategy failed, degrading to append-last",
			"strategy", req.Strategy, "error", strategyErr)
		result, err = NewAppendLast().MergeSummariesAndMemories(ctx, Context{
			ThreadID:       tgt.ThreadID,
			SourceBranchID: src.ID,
			TargetBranchID: tgt.ID,
			MergeID:        mergeID,
			Store:          tx,
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	mergeMsg := &model.Message{
		ID:              model.NewID(),
		BranchID:        tgt.ID,
		ParentMessageID: &tgtTip.ID,
		Role:            model.RoleAssistant,
		Content: map[string]any{
			"text": fmt.Sprintf("[merge:%s] merged %s -> %s", req.Strategy, src.ID, tgt.ID),
			"diff": diffSummary,
		},
		StateSnapshot: map[string]any{"v": 1, "note": "merged-stub"},
		Origin:        model.OriginMerge,
		CreatedAt:     now,
	}
	if err := tx.CreateMessage(ctx, mergeMsg); err != nil {
		return nil, err
	}

	if result.Summary != nil {
		if err := e.commitSummary(ctx, tx, tgt.ThreadID, result.Summary, now); err != nil {
			return nil, err
		}
	}
	for _, memory := range result.Memories {
		if err := tx.UpsertMemory(ctx, &model.Memory{
			ID:         model.NewID(),
			ThreadID:   tgt.ThreadID,
			MemoryType: memory.MemoryType,
			Key:        memory.Key,
			Value:      memory.Value,
			Metadata:   memory.Metadata,
			Confidence: memory.Confidence,
			Source:     memory.Source,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return nil, err
		}
	}

	recordSummary := map[string]any{}
	for k, v := range diffSummary {
		recordSummary[k] = v
	}
	recordSummary["strategy_metadata"] = result.Metadata
	if strategyErr != nil {
		recordSummary["strategy_error"] = strategyErr.Error()
	}

	if err := tx.CreateMerge(ctx, &model.Merge{
		ID:                  mergeID,
		ThreadID:            tgt.ThreadID,
		SourceBranchID:      src.ID,
		TargetBranchID:      tgt.ID,
		Strategy:            req.Strategy,
		LCAMessageID:        lcaID,
		MergedIntoMessageID: mergeMsg.ID,
		Summary:             recordSummary,
		CreatedAt:           now,
	}); err != nil {
		return nil, err
	}

	return &Outcome{MergeID: mergeID, MergedIntoMessageID: mergeMsg.ID}, nil
}

// commitSummary deactivates the thread's current summaries and writes the
// merged one as the new current, bumping the version past any prior.
func (e *Engine) commitSummary(ctx context.Context, tx store.Store, threadID string, merged *MergedSummary, now time.Time) error {
	current, err := tx.CurrentSummaries(ctx, threadID)
	if err != nil {
		return err
	}
	version := 1
	for _, summary := range current {
		if summary.Version >= version {
			version = summary.Version + 1
		}
		summary.IsCurrent = false
		summary.UpdatedAt = now
		if err := tx.UpdateSummary(ctx, summary); err != nil {
			return err
		}
	}

	return tx.CreateSummary(ctx, &model.Summary{
		ID:          model.NewID(),
		ThreadID:    threadID,
		SummaryType: MergedSummaryType,
		Content:     merged.Content,
		Metadata:    merged.Metadata,
		IsCurrent:   true,
		Version:     version,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (e *Engine) publish(ctx context.Context, req Request, outcome Outcome) {
	if e.publisher == nil {
		return
	}

	merge, err := e.store.GetMerge(ctx, outcome.MergeID)
	if err != nil {
		e.logger.Warn("loading merge for event failed", "merge_id", outcome.MergeID, "error", err)
		return
	}
	event := &events.Event{
		SchemaVersion: events.SchemaVersionV1,
		EventType:     events.EventTypeMergeCompleted,
		EventID:       model.NewID(),
		EmittedAt:     time.Now().UTC(),
		ThreadID:      merge.ThreadID,
		Merge: &events.MergeCompleted{
			MergeID:             merge.ID,
			SourceBranchID:      merge.SourceBranchID,
			TargetBranchID:      merge.TargetBranchID,
			Strategy:            merge.Strategy,
			LCAMessageID:        merge.LCAMessageID,
			MergedIntoMessageID: merge.MergedIntoMessageID,
		},
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("publishing merge event failed", "merge_id", merge.ID, "error", err)
	}
}
