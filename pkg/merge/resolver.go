package merge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/textgen"
)

// StrategyResolver is the name of the text-generation-backed strategy.
const StrategyResolver = "resolver"

const summaryMergePrompt = `You are a merge assistant that combines conversation summaries from different branches.

Your task is to merge summaries from a target branch and a source branch into a single, coherent summary.

Guidelines:
1. Preserve all important information from both branches
2. Remove redundancy and overlap
3. Maintain chronological order where relevant
4. Create a unified narrative that flows logically
5. Keep the summary concise but comprehensive

Respond with a JSON object in this format:
{
  "summary": "The merged summary content here..."
}`

const memoryMergePrompt = `You are a merge assistant that combines conversation memories from different branches.

Your task is to merge memories from a target branch and a source branch, resolving conflicts and deduplicating where appropriate.

Guidelines:
1. Preserve unique memories from both branches
2. Resolve conflicts by choosing the most accurate/complete version
3. Deduplicate similar memories
4. Maintain memory types (fact, preference, context, relationship)
5. Update confidence levels based on agreement between branches

Respond with a JSON object in this format:
{
  "memories": [
    {
      "key": "unique_key",
      "value": "memory content",
      "type": "fact|preference|context|relationship",
      "confidence": "high|medium|low"
    }
  ]
}`

// Resolver delegates summary and memory combination to a text-generation
// collaborator. Any generator failure or malformed response degrades to the
// append-last algorithms; a merge never fails because the generator did.
type Resolver struct {
	generator textgen.Generator
	logger    *slog.Logger
}

// NewResolver creates the resolver strategy around a generator.
func NewResolver(generator textgen.Generator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{generator: generator, logger: logger}
}

// Name returns "resolver".
func (r *Resolver) Name() string { return StrategyResolver }

// MergeSummariesAndMemories asks the generator to combine both branches'
// derived state, falling back to append-last piecewise on any failure.
func (r *Resolver) MergeSummariesAndMemories(ctx context.Context, mc Context) (*Result, error) {
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
		Summary:  r.mergeSummaries(ctx, sourceSummaries, targetSummaries),
		Memories: r.mergeMemories(ctx, sourceMemories, targetMemories),
		Metadata: map[string]any{
			"strategy":         StrategyResolver,
			"source_summaries": len(sourceSummaries),
			"target_summaries": len(targetSummaries),
			"source_memories":  len(sourceMemories),
			"target_memories":  len(targetMemories),
			"merged_at":        time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func joinContents(summaries []*model.Summary) string {
	var out string
	for _, summary := range summaries {
		if summary.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += summary.Content
	}
	return out
}

func (r *Resolver) mergeSummaries(ctx context.Context, sourceSummaries, targetSummaries []*model.Summary) *MergedSummary {
	if len(sourceSummaries) == 0 && len(targetSummaries) == 0 {
		return nil
	}

	input := summaryMergePrompt +
		"\n\nTARGET BRANCH SUMMARIES:\n" + joinContents(targetSummaries) +
		"\n\nSOURCE BRANCH SUMMARIES:\n" + joinContents(sourceSummaries) +
		"\n\nPlease merge these summaries into a coherent, unified summary.\n"

	response, err := r.generator.Generate(ctx, []textgen.Turn{{Role: "user", Content: input}})
	if err != nil {
		r.logger.Warn("summary resolver failed, falling back to append-last", "error", err)
		return appendLastSummary(sourceSummaries, targetSummaries)
	}

	var parsed struct {
		Summary *string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err == nil && parsed.Summary != nil {
		return &MergedSummary{
			Content: *parsed.Summary,
			Metadata: map[string]any{
				"merge_strategy":       StrategyResolver,
				"llm_response":         response,
				"source_summary_count": len(sourceSummaries),
				"target_summary_count": len(targetSummaries),
				"merged_at":            time.Now().UTC().Format(time.RFC3339),
			},
		}
	}

	// Unparseable output still carries information; keep it as the summary.
	return &MergedSummary{
		Content: response,
		Metadata: map[string]any{
			"merge_strategy":       StrategyResolver,
			"llm_response":         response,
			"fallback":             true,
			"source_summary_count": len(sourceSummaries),
			"target_summary_count": len(targetSummaries),
			"merged_at":            time.Now().UTC().Format(time.RFC3339),
		},
	}
}

type resolverMemoryInput struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Type       string `json:"type"`
	Confidence string `json:"confidence"`
	Source     string `json:"source"`
}

func memoryInputs(memories []*model.Memory, origin string) []resolverMemoryInput {
	inputs := make([]resolverMemoryInput, 0, len(memories))
	for _, m := range memories {
		inputs = append(inputs, resolverMemoryInput{
			Key:        m.Key,
			Value:      m.Value,
			Type:       string(m.MemoryType),
			Confidence: m.Confidence,
			Source:     origin,
		})
	}
	return inputs
}

func (r *Resolver) mergeMemories(ctx context.Context, sourceMemories, targetMemories []*model.Memory) []MergedMemory {
	if len(sourceMemories) == 0 && len(targetMemories) == 0 {
		return []MergedMemory{}
	}

	targetData, err := json.MarshalIndent(memoryInputs(targetMemories, "target"), "", "  ")
	if err != nil {
		return unionNewestWins(sourceMemories, targetMemories)
	}
	sourceData, err := json.MarshalIndent(memoryInputs(sourceMemories, "source"), "", "  ")
	if err != nil {
		return unionNewestWins(sourceMemories, targetMemories)
	}

	input := memoryMergePrompt +
		"\n\nTARGET BRANCH MEMORIES:\n" + string(targetData) +
		"\n\nSOURCE BRANCH MEMORIES:\n" + string(sourceData) +
		"\n\nPlease merge these memories, resolving conflicts and deduplicating where appropriate.\n"

	response, err := r.generator.Generate(ctx, []textgen.Turn{{Role: "user", Content: input}})
	if err != nil {
		r.logger.Warn("memory resolver failed, falling back to union", "error", err)
		return unionNewestWins(sourceMemories, targetMemories)
	}

	var parsed struct {
		Memories []struct {
			Key        string `json:"key"`
			Value      string `json:"value"`
			Type       string `json:"type"`
			Confidence string `json:"confidence"`
		} `json:"memories"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err != nil || parsed.Memories == nil {
		return unionNewestWins(sourceMemories, targetMemories)
	}

	merged := make([]MergedMemory, 0, len(parsed.Memories))
	for _, m := range parsed.Memories {
		memoryType := model.MemoryType(m.Type)
		if m.Type == "" {
			memoryType = model.MemoryFact
		}
		confidence := m.Confidence
		if confidence == "" {
			confidence = "medium"
		}
		merged = append(merged, MergedMemory{
			Key:        m.Key,
			Value:      m.Value,
			MemoryType: memoryType,
			Confidence: confidence,
			Source:     "merge_resolver",
			Metadata: map[string]any{
				"merge_strategy": StrategyResolver,
				"llm_response":   response,
				"merged_at":      time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	return merged
}

var _ Strategy = (*Resolver)(nil)
