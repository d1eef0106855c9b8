package merge

import (
	"context"
	"time"

	"github.com/convohubhq/convohub/pkg/model"
)

// StrategyAppendLast is the name of the deterministic baseline strategy.
const StrategyAppendLast = "append-last"

const summarySeparator = "\n\n---\n\n"

// AppendLast is the baseline strategy: summaries are concatenated with
// provenance labels, memories are unioned with newest-created-at wins.
type AppendLast struct{}

// NewAppendLast creates the append-last strategy.
func NewAppendLast() *AppendLast { return &AppendLast{} }

// Name returns "append-last".
func (a *AppendLast) Name() string { return StrategyAppendLast }

// MergeSummariesAndMemories concatenates summaries and unions memories.
func (a *AppendLast) MergeSummariesAndMemories(ctx context.Context, mc Context) (*Result, error) {
	sourceSummaries, err := branchSummaries(ctx, mc.Store, mc.SourceBranchID)
	if err != nil {
		return nil, err
	}
	targetSummaries, err := branchSummaries(ctx, mc.Store, mc.TargetBranchID)
	if err != nil {
		return nil, err
	}
	sourceMemories, err := branchMemories(ctx, mc.Store, mc.SourceBranchID)
	if err != nil {
		return nil, err
	}
	targetMemories, err := branchMemories(ctx, mc.Store, mc.TargetBranchID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Summary:  appendLastSummary(sourceSummaries, targetSummaries),
		Memories: unionNewestWins(sourceMemories, targetMemories),
		Metadata: map[string]any{
			"strategy":         StrategyAppendLast,
			"source_summaries": len(sourceSummaries),
			"target_summaries": len(targetSummaries),
			"source_memories":  len(sourceMemories),
			"target_memories":  len(targetMemories),
			"merged_at":        time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// appendLastSummary concatenates target summaries then source summaries,
// each prefixed with a provenance label. Nothing to merge yields nil.
func appendLastSummary(sourceSummaries, targetSummaries []*model.Summary) *MergedSummary {
	var parts []string
	for _, summary := range targetSummaries {
		if summary.Content != "" {
			parts = append(parts, "[Target Branch Summary]\n"+summary.Content)
		}
	}
	for _, summary := range sourceSummaries {
		if summary.Content != "" {
			parts = append(parts, "[Source Branch Summary]\n"+summary.Content)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	content := parts[0]
	for _, part := range parts[1:] {
		content += summarySeparator + part
	}
	return &MergedSummary{
		Content: content,
		Metadata: map[string]any{
			"merge_strategy":       StrategyAppendLast,
			"source_summary_count": len(sourceSummaries),
			"target_summary_count": len(targetSummaries),
			"merged_at":            time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// unionNewestWins unions memories by key. Target memories seed the union;
// a source memory overwrites only when its created_at is strictly newer.
func unionNewestWins(sourceMemories, targetMemories []*model.Memory) []MergedMemory {
	type pick struct {
		memory *model.Memory
		origin string
	}

	byKey := map[string]pick{}
	var order []string

	for _, memory := range targetMemories {
		if _, ok := byKey[memory.Key]; !ok {
			order = append(order, memory.Key)
		}
		byKey[memory.Key] = pick{memory: memory, origin: "target"}
	}
	for _, memory := range sourceMemories {
		existing, ok := byKey[memory.Key]
		if !ok {
			order = append(order, memory.Key)
			byKey[memory.Key] = pick{memory: memory, origin: "source"}
			continue
		}
		if memory.CreatedAt.After(existing.memory.CreatedAt) {
			byKey[memory.Key] = pick{memory: memory, origin: "source"}
		}
	}

	merged := make([]MergedMemory, 0, len(order))
	for _, key := range order {
		p := byKey[key]
		merged = append(merged, MergedMemory{
			Key:        p.memory.Key,
			Value:      p.memory.Value,
			MemoryType: p.memory.MemoryType,
			Confidence: p.memory.Confidence,
			Source:     "merge_" + p.origin,
			Metadata: map[string]any{
				"original_source": p.origin,
				"original_id":     p.memory.ID,
				"merge_strategy":  StrategyAppendLast,
				"merged_at":       time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	return merged
}

var _ Strategy = (*AppendLast)(nil)
