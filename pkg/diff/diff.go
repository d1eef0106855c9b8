// Package diff compares two branches in one of three modes: message ranges
// around the lowest common ancestor, word-set summary comparison, or a
// three-way keyed memory diff with conflict detection.
package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/convohubhq/convohub/pkg/ancestry"
	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// Mode selects the comparison algorithm.
type Mode string

const (
	ModeMessages Mode = "messages"
	ModeSummary  Mode = "summary"
	ModeMemory   Mode = "memory"
)

// Valid reports whether the mode is one of the closed set.
func (m Mode) Valid() bool {
	switch m {
	case ModeMessages, ModeSummary, ModeMemory:
		return true
	}
	return false
}

// ErrInvalidMode is returned for a mode outside the closed set.
var ErrInvalidMode = errors.New("mode must be messages, summary or memory")

// CrossThreadError is returned when the compared branches belong to
// different threads.
type CrossThreadError struct {
	LeftBranchID  string
	RightBranchID string
}

func (e CrossThreadError) Error() string {
	return fmt.Sprintf("branches %s and %s belong to different threads", e.LeftBranchID, e.RightBranchID)
}

// EmptyBranchError is returned when a compared branch has no messages.
type EmptyBranchError struct {
	BranchID string
}

func (e EmptyBranchError) Error() string {
	return fmt.Sprintf("branch %s has no messages", e.BranchID)
}

// MessageRange is a contiguous run of messages from one branch's chronology.
type MessageRange struct {
	StartID  string           `json:"start_id"`
	EndID    string           `json:"end_id"`
	Count    int              `json:"count"`
	Messages []*model.Message `json:"messages"`
}

// MemoryChange describes a memory present on only one side.
type MemoryChange struct {
	Key        string           `json:"key"`
	Value      string           `json:"value"`
	MemoryType model.MemoryType `json:"memory_type"`
	Confidence string           `json:"confidence"`
	Source     string           `json:"source"`
	CreatedAt  time.Time        `json:"created_at"`
	DiffType   string           `json:"diff_type"`
}

// MemoryModification describes a memory present on both sides with
// differing value, confidence or source.
type MemoryModification struct {
	Key             string           `json:"key"`
	LeftValue       string           `json:"left_value"`
	RightValue      string           `json:"right_value"`
	MemoryType      model.MemoryType `json:"memory_type"`
	LeftConfidence  string           `json:"left_confidence"`
	RightConfidence string           `json:"right_confidence"`
	LeftSource      string           `json:"left_source"`
	RightSource     string           `json:"right_source"`
	LeftUpdated     time.Time        `json:"left_updated"`
	RightUpdated    time.Time        `json:"right_updated"`
	IsConflict      bool             `json:"is_conflict"`
}

// MemoryDiff is the three-way memory comparison result.
type MemoryDiff struct {
	Added     []MemoryChange       `json:"added"`
	Removed   []MemoryChange       `json:"removed"`
	Modified  []MemoryModification `json:"modified"`
	Conflicts []MemoryModification `json:"conflicts"`
}

// SummaryDiff is the word-set comparison of two current summaries. Word
// order and repetition are lost; that is the point of the representation.
type SummaryDiff struct {
	LeftSummary   string `json:"left_summary"`
	RightSummary  string `json:"right_summary"`
	CommonContent string `json:"common_content"`
	LeftOnly      string `json:"left_only"`
	RightOnly     string `json:"right_only"`
}

// Result is the outcome of a diff computation; exactly one of Ranges,
// Summary, Memory is populated depending on the mode.
type Result struct {
	Mode          Mode           `json:"mode"`
	LeftBranchID  string         `json:"left_branch_id"`
	RightBranchID string         `json:"right_branch_id"`
	BaseBranchID  *string        `json:"base_branch_id,omitempty"`
	LCAMessageID  *string        `json:"lca_message_id,omitempty"`
	Ranges        []MessageRange `json:"ranges,omitempty"`
	Summary       *SummaryDiff   `json:"summary,omitempty"`
	Memory        *MemoryDiff    `json:"memory,omitempty"`
}

// Engine computes branch diffs.
type Engine struct {
	store    store.Store
	ancestry *ancestry.Engine
}

// NewEngine creates a diff Engine backed by the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s, ancestry: ancestry.NewEngine(s)}
}

// Compute diffs two branches. Both must exist, share a thread, and have at
// least one message. baseBranchID feeds conflict detection in memory mode;
// pass nil to let the caller-visible two-way semantics apply.
func (e *Engine) Compute(ctx context.Context, leftBranchID, rightBranchID string, mode Mode, baseBranchID *string) (*Result, error) {
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	left, err := e.store.GetBranch(ctx, leftBranchID)
	if err != nil {
		return nil, err
	}
	right, err := e.store.GetBranch(ctx, rightBranchID)
	if err != nil {
		return nil, err
	}
	if left.ThreadID != right.ThreadID {
		return nil, CrossThreadError{LeftBranchID: leftBranchID, RightBranchID: rightBranchID}
	}

	leftTip, err := e.store.BranchTip(ctx, leftBranchID, false)
	if err != nil {
		return nil, err
	}
	if leftTip == nil {
		return nil, EmptyBranchError{BranchID: leftBranchID}
	}
	rightTip, err := e.store.BranchTip(ctx, rightBranchID, false)
	if err != nil {
		return nil, err
	}
	if rightTip == nil {
		return nil, EmptyBranchError{BranchID: rightBranchID}
	}

	result := &Result{
		Mode:          mode,
		LeftBranchID:  leftBranchID,
		RightBranchID: rightBranchID,
		BaseBranchID:  baseBranchID,
	}

	switch mode {
	case ModeMessages:
		lca, err := e.ancestry.FindLCA(ctx, leftTip.ID, rightTip.ID)
		if err != nil {
			return nil, err
		}
		if lca != nil {
			result.LCAMessageID = &lca.ID
		}
		result.Ranges, err = e.messageRanges(ctx, leftBranchID, rightBranchID, lca)
		if err != nil {
			return nil, err
		}
	case ModeSummary:
		summary, err := e.summaryDiff(ctx, left.ThreadID, right.ThreadID)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
	case ModeMemory:
		memory, err := e.memoryDiff(ctx, left.ThreadID, right.ThreadID, baseBranchID)
		if err != nil {
			return nil, err
		}
		result.Memory = memory
	}
	return result, nil
}

func makeRange(msgs []*model.Message) MessageRange {
	return MessageRange{
		StartID:  msgs[0].ID,
		EndID:    msgs[len(msgs)-1].ID,
		Count:    len(msgs),
		Messages: msgs,
	}
}

// messageRanges splits both branches' chronologies around the LCA: one
// common block (left branch's copy up to the LCA) and one divergent block
// per side. When the LCA is absent, or sits outside either branch's own
// message list, each branch's full list becomes a standalone range.
func (e *Engine) messageRanges(ctx context.Context, leftBranchID, rightBranchID string, lca *model.Message) ([]MessageRange, error) {
	leftMsgs, err := e.store.ListBranchMessages(ctx, leftBranchID)
	if err != nil {
		return nil, err
	}
	rightMsgs, err := e.store.ListBranchMessages(ctx, rightBranchID)
	if err != nil {
		return nil, err
	}

	indexOf := func(msgs []*model.Message, id string) int {
		for i, m := range msgs {
			if m.ID == id {
				return i
			}
		}
		return -1
	}

	var ranges []MessageRange
	if lca != nil {
		leftIdx := indexOf(leftMsgs, lca.ID)
		rightIdx := indexOf(rightMsgs, lca.ID)
		if leftIdx >= 0 && rightIdx >= 0 {
			if common := leftMsgs[:leftIdx+1]; len(common) > 0 {
				ranges = append(ranges, makeRange(common))
			}
			if leftOnly := leftMsgs[leftIdx+1:]; len(leftOnly) > 0 {
				ranges = append(ranges, makeRange(leftOnly))
			}
			if rightOnly := rightMsgs[rightIdx+1:]; len(rightOnly) > 0 {
				ranges = append(ranges, makeRange(rightOnly))
			}
			return ranges, nil
		}
	}

	if len(leftMsgs) > 0 {
		ranges = append(ranges, makeRange(leftMsgs))
	}
	if len(rightMsgs) > 0 {
		ranges = append(ranges, makeRange(rightMsgs))
	}
	return ranges, nil
}

func (e *Engine) currentSummaryContent(ctx context.Context, threadID string) (string, error) {
	summaries, err := e.store.CurrentSummaries(ctx, threadID)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", nil
	}
	return summaries[0].Content, nil
}

func (e *Engine) summaryDiff(ctx context.Context, leftThreadID, rightThreadID string) (*SummaryDiff, error) {
	leftContent, err := e.currentSummaryContent(ctx, leftThreadID)
	if err != nil {
		return nil, err
	}
	rightContent, err := e.currentSummaryContent(ctx, rightThreadID)
	if err != nil {
		return nil, err
	}

	leftWords := wordSet(leftContent)
	rightWords := wordSet(rightContent)

	return &SummaryDiff{
		LeftSummary:   leftContent,
		RightSummary:  rightContent,
		CommonContent: joinSorted(intersect(leftWords, rightWords)),
		LeftOnly:      joinSorted(subtract(leftWords, rightWords)),
		RightOnly:     joinSorted(subtract(rightWords, leftWords)),
	}, nil
}

func wordSet(content string) map[string]bool {
	set := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(content)) {
		set[word] = true
	}
	return set
}

func intersect(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for w := range a {
		if b[w] {
			out[w] = true
		}
	}
	return out
}

func subtract(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for w := range a {
		if !b[w] {
			out[w] = true
		}
	}
	return out
}

func joinSorted(words map[string]bool) string {
	sorted := make([]string, 0, len(words))
	for w := range words {
		sorted = append(sorted, w)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func (e *Engine) memoriesByKey(ctx context.Context, threadID string) (map[string]*model.Memory, error) {
	memories, err := e.store.ListMemories(ctx, threadID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*model.Memory, len(memories))
	for _, m := range memories {
		byKey[m.Key] = m
	}
	return byKey, nil
}

func sortedKeys(m map[string]*model.Memory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func changeFrom(m *model.Memory, diffType string) MemoryChange {
	return MemoryChange{
		Key:        m.Key,
		Value:      m.Value,
		MemoryType: m.MemoryType,
		Confidence: m.Confidence,
		Source:     m.Source,
		CreatedAt:  m.CreatedAt,
		DiffType:   diffType,
	}
}

// memoryDiff runs the three-way keyed comparison. The removed/added
// classification is deliberately asymmetric under swapping left and right;
// callers depend on the directionality, so it stays exactly as is.
func (e *Engine) memoryDiff(ctx context.Context, leftThreadID, rightThreadID string, baseBranchID *string) (*MemoryDiff, error) {
	leftMap, err := e.memoriesByKey(ctx, leftThreadID)
	if err != nil {
		return nil, err
	}
	rightMap, err := e.memoriesByKey(ctx, rightThreadID)
	if err != nil {
		return nil, err
	}

	baseMap := map[string]*model.Memory{}
	hasBase := baseBranchID != nil
	if hasBase {
		baseBranch, err := e.store.GetBranch(ctx, *baseBranchID)
		if err != nil {
			return nil, err
		}
		baseMap, err = e.memoriesByKey(ctx, baseBranch.ThreadID)
		if err != nil {
			return nil, err
		}
	}

	out := &MemoryDiff{
		Added:     []MemoryChange{},
		Removed:   []MemoryChange{},
		Modified:  []MemoryModification{},
		Conflicts: []MemoryModification{},
	}

	for _, key := range sortedKeys(rightMap) {
		memory := rightMap[key]
		if _, inLeft := leftMap[key]; inLeft {
			continue
		}
		if _, inBase := baseMap[key]; hasBase && inBase {
			// Existed in base, gone from left, persists in right.
			out.Removed = append(out.Removed, changeFrom(memory, "removed_from_left"))
		} else {
			out.Added = append(out.Added, changeFrom(memory, "added"))
		}
	}

	for _, key := range sortedKeys(leftMap) {
		memory := leftMap[key]
		if _, inRight := rightMap[key]; inRight {
			continue
		}
		if _, inBase := baseMap[key]; hasBase && inBase {
			out.Removed = append(out.Removed, changeFrom(memory, "removed_from_right"))
		} else {
			out.Removed = append(out.Removed, changeFrom(memory, "removed"))
		}
	}

	for _, key := range sortedKeys(leftMap) {
		left, right := leftMap[key], rightMap[key]
		if right == nil {
			continue
		}
		if left.Value == right.Value && left.Confidence == right.Confidence && left.Source == right.Source {
			continue
		}

		isConflict := false
		if base, inBase := baseMap[key]; hasBase && inBase {
			leftChanged := left.Value != base.Value || left.Confidence != base.Confidence
			rightChanged := right.Value != base.Value || right.Confidence != base.Confidence
			isConflict = leftChanged && rightChanged
		}

		mod := MemoryModification{
			Key:             key,
			LeftValue:       left.Value,
			RightValue:      right.Value,
			MemoryType:      left.MemoryType,
			LeftConfidence:  left.Confidence,
			RightConfidence: right.Confidence,
			LeftSource:      left.Source,
			RightSource:     right.Source,
			LeftUpdated:     left.UpdatedAt,
			RightUpdated:    right.UpdatedAt,
			IsConflict:      isConflict,
		}
		if isConflict {
			out.Conflicts = append(out.Conflicts, mod)
		} else {
			out.Modified = append(out.Modified, mod)
		}
	}

	return out, nil
}

// FindBaseBranch locates a branch suitable as the base of a three-way diff:
// both compared branches must have been forked from the same base message,
// and some other branch in the thread must own that message.
func (e *Engine) FindBaseBranch(ctx context.Context, leftBranchID, rightBranchID string) (*string, error) {
	left, err := e.store.GetBranch(ctx, leftBranchID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	right, err := e.store.GetBranch(ctx, rightBranchID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	if left.BaseMessageID == nil || right.BaseMessageID == nil {
		return nil, nil
	}
	if *left.BaseMessageID != *right.BaseMessageID {
		return nil, nil
	}

	base, err := e.store.GetMessage(ctx, *left.BaseMessageID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if base.BranchID == leftBranchID || base.BranchID == rightBranchID {
		return nil, nil
	}
	owner, err := e.store.GetBranch(ctx, base.BranchID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if owner.ThreadID != left.ThreadID {
		return nil, nil
	}
	return &owner.ID, nil
}
