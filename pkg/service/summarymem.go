package service

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// ThreadSummaryType is the summary_type of the rolling thread summary.
const ThreadSummaryType = "thread"

const (
	// recentMessageLimit bounds how much conversation feeds each update.
	recentMessageLimit = 20

	// targetSummaryTokens is the rolling summary budget; truncation assumes
	// roughly four characters per token.
	targetSummaryTokens = 200
	charsPerToken       = 4

	maxFacts            = 5
	maxPreferences      = 3
	maxContextFragments = 3

	minFactLength       = 20
	minPreferenceLength = 10
)

var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)([A-Z][^.!?]*?(?:is|are|was|were|has|have|can|will|should|must)[^.!?]*[.!?])`),
	regexp.MustCompile(`(?i)([A-Z][^.!?]*?(?:fact|information|data|statistic)[^.!?]*[.!?])`),
	regexp.MustCompile(`(?i)([A-Z][^.!?]*?(?:according to|research shows|studies indicate)[^.!?]*[.!?])`),
}

var preferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:I prefer|I like|I want|I need|I would like|I enjoy|I hate|I dislike)[^.!?]*[.!?]`),
	regexp.MustCompile(`(?i)(?:favorite|best|worst|better|worse)[^.!?]*[.!?]`),
	regexp.MustCompile(`(?i)(?:always|never|usually|sometimes)[^.!?]*[.!?]`),
}

var contextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:I am|I'm|I work|I study|I live|I'm from)[^.!?]*[.!?]`),
	regexp.MustCompile(`(?i)(?:currently|now|today|this week|this month)[^.!?]*[.!?]`),
	regexp.MustCompile(`(?i)(?:project|work|study|research|task)[^.!?]*[.!?]`),
}

// SummaryMemory maintains the rolling thread summary and extracts structured
// memories after each assistant message. Extraction is pattern-based, not
// model-based; the summary is concatenate-and-truncate at a sentence
// boundary within the character budget.
type SummaryMemory struct {
	logger *slog.Logger
}

// NewSummaryMemory creates the manager.
func NewSummaryMemory(logger *slog.Logger) *SummaryMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryMemory{logger: logger}
}

// UpdateAfterAssistantMessage refreshes the rolling summary from the
// branch's recent messages and extracts fact, preference and context
// memories. It runs inside the send transaction via tx.
func (m *SummaryMemory) UpdateAfterAssistantMessage(ctx context.Context, tx store.Store, threadID, branchID string, assistant *model.Message) (*model.Summary, []*model.Memory, error) {
	all, err := tx.ListBranchMessages(ctx, branchID)
	if err != nil {
		return nil, nil, err
	}
	recent := all
	if len(recent) > recentMessageLimit {
		recent = recent[len(recent)-recentMessageLimit:]
	}

	summary, err := m.updateRollingSummary(ctx, tx, threadID, recent)
	if err != nil {
		return nil, nil, err
	}
	memories, err := m.extractMemories(ctx, tx, threadID, assistant, recent)
	if err != nil {
		return nil, nil, err
	}
	return summary, memories, nil
}

func conversationText(messages []*model.Message) string {
	var parts []string
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleUser:
			parts = append(parts, "User: "+msg.Text())
		case model.RoleAssistant:
			parts = append(parts, "Assistant: "+msg.Text())
		case model.RoleSystem:
			parts = append(parts, "System: "+msg.Text())
		}
	}
	return strings.Join(parts, "\n")
}

// rollSummary merges the prior summary with new conversation text and
// truncates to the character budget, preferring a sentence boundary when one
// falls in the last fifth of the budget.
func rollSummary(current, conversation string) string {
	combined := current + "\n\nRecent conversation:\n" + conversation

	targetChars := targetSummaryTokens * charsPerToken
	if len(combined) <= targetChars {
		return combined
	}

	truncated := combined[:targetChars-3] + "..."
	if lastPeriod := strings.LastIndex(truncated, "."); lastPeriod > targetChars*8/10 {
		return truncated[:lastPeriod+1]
	}
	return truncated
}

func (m *SummaryMemory) updateRollingSummary(ctx context.Context, tx store.Store, threadID string, recent []*model.Message) (*model.Summary, error) {
	current, err := tx.CurrentSummary(ctx, threadID, ThreadSummaryType)
	if err != nil {
		return nil, err
	}

	currentContent := ""
	version := 1
	if current != nil {
		currentContent = current.Content
		version = current.Version + 1
	}
	newContent := rollSummary(currentContent, conversationText(recent))
	if newContent == "" {
		return current, nil
	}

	now := time.Now().UTC()
	if current != nil {
		current.IsCurrent = false
		current.UpdatedAt = now
		if err := tx.UpdateSummary(ctx, current); err != nil {
			return nil, err
		}
	}

	summary := &model.Summary{
		ID:          model.NewID(),
		ThreadID:    threadID,
		SummaryType: ThreadSummaryType,
		Content:     newContent,
		Metadata: map[string]any{
			"generated_at":  now.Format(time.RFC3339),
			"target_tokens": targetSummaryTokens,
			"message_count": len(recent),
		},
		IsCurrent: true,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateSummary(ctx, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func matchAll(patterns []*regexp.Regexp, content string) []string {
	var matches []string
	for _, pattern := range patterns {
		matches = append(matches, pattern.FindAllString(content, -1)...)
	}
	return matches
}

func dedupe(matches []string, minLength int) []string {
	seen := map[string]bool{}
	var out []string
	for _, match := range matches {
		trimmed := strings.TrimSpace(match)
		if len(trimmed) <= minLength || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func userTexts(messages []*model.Message) []string {
	var texts []string
	for _, msg := range messages {
		if msg.Role == model.RoleUser {
			texts = append(texts, msg.Text())
		}
	}
	return texts
}

func (m *SummaryMemory) extractMemories(ctx context.Context, tx store.Store, threadID string, assistant *model.Message, recent []*model.Message) ([]*model.Memory, error) {
	now := time.Now().UTC()
	stamp := now.Format("20060102_150405")
	var memories []*model.Memory

	facts := dedupe(matchAll(factPatterns, assistant.Text()), minFactLength)
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}
	for i, fact := range facts {
		memories = append(memories, &model.Memory{
			ID:         model.NewID(),
			ThreadID:   threadID,
			MemoryType: model.MemoryFact,
			Key:        "fact_" + stamp + "_" + strconv.Itoa(i),
			Value:      fact,
			Metadata: map[string]any{
				"source":       "assistant_message",
				"message_id":   assistant.ID,
				"extracted_at": now.Format(time.RFC3339),
			},
			Confidence: "high",
			Source:     "pattern_extraction",
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	var preferenceMatches []string
	var contextMatches []string
	for _, text := range userTexts(recent) {
		preferenceMatches = append(preferenceMatches, matchAll(preferencePatterns, text)...)
		contextMatches = append(contextMatches, matchAll(contextPatterns, text)...)
	}

	preferences := dedupe(preferenceMatches, minPreferenceLength)
	if len(preferences) > maxPreferences {
		preferences = preferences[:maxPreferences]
	}
	for i, pref := range preferences {
		memories = append(memories, &model.Memory{
			ID:         model.NewID(),
			ThreadID:   threadID,
			MemoryType: model.MemoryPreference,
			Key:        "preference_" + stamp + "_" + strconv.Itoa(i),
			Value:      pref,
			Metadata: map[string]any{
				"source":       "conversation_analysis",
				"extracted_at": now.Format(time.RFC3339),
			},
			Confidence: "medium",
			Source:     "conversation_analysis",
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if len(contextMatches) > maxContextFragments {
		contextMatches = contextMatches[:maxContextFragments]
	}
	if context := strings.TrimSpace(strings.Join(contextMatches, " ")); context != "" {
		memories = append(memories, &model.Memory{
			ID:         model.NewID(),
			ThreadID:   threadID,
			MemoryType: model.MemoryContext,
			Key:        "conversation_context_" + stamp,
			Value:      context,
			Metadata: map[string]any{
				"source":       "conversation_analysis",
				"extracted_at": now.Format(time.RFC3339),
			},
			Confidence: "medium",
			Source:     "conversation_analysis",
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	for _, memory := range memories {
		if err := tx.UpsertMemory(ctx, memory); err != nil {
			return nil, err
		}
	}
	return memories, nil
}
