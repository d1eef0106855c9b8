// Package model defines the persistent entities of the conversation graph:
// threads, branches, messages, edges, summaries, memories, merges and
// idempotency records.
//
// Messages are append-only. Within a branch they form a tree through
// ParentMessageID; multi-parent relationships (merge provenance, references)
// live in the Edge table and never replace the primary parent chain.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Origin records how a message came to exist.
type Origin string

const (
	OriginLive   Origin = "live"
	OriginMerge  Origin = "merge"
	OriginImport Origin = "import"
)

// EdgeType classifies an explicit DAG edge.
type EdgeType string

const (
	EdgeParent      EdgeType = "parent"
	EdgeMergeParent EdgeType = "merge_parent"
	EdgeReference   EdgeType = "reference"
)

// Valid reports whether the edge type is one of the closed set.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeParent, EdgeMergeParent, EdgeReference:
		return true
	}
	return false
}

// MemoryType classifies a stored memory.
type MemoryType string

const (
	MemoryFact         MemoryType = "fact"
	MemoryPreference   MemoryType = "preference"
	MemoryContext      MemoryType = "context"
	MemoryRelationship MemoryType = "relationship"
)

// Identity is the resolved caller identity handed to every core operation.
// Access-control decisions happen outside this module.
type Identity struct {
	TenantID string
	UserID   string
}

// Thread is the container for branches, summaries and memories.
type Thread struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Branch is a named line of messages within a thread.
//
// CreatedFromBranchID and CreatedFromMessageID record fork provenance only;
// traversal always follows message parent pointers.
type Branch struct {
	ID                   string    `json:"id"`
	ThreadID             string    `json:"thread_id"`
	Name                 string    `json:"name"`
	BaseMessageID        *string   `json:"base_message_id,omitempty"`
	CreatedFromBranchID  *string   `json:"created_from_branch_id,omitempty"`
	CreatedFromMessageID *string   `json:"created_from_message_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Message is an immutable-once-created node in the conversation DAG.
type Message struct {
	ID              string         `json:"id"`
	BranchID        string         `json:"branch_id"`
	ParentMessageID *string        `json:"parent_message_id,omitempty"`
	Role            Role           `json:"role"`
	Content         map[string]any `json:"content"`
	StateSnapshot   map[string]any `json:"state_snapshot,omitempty"`
	Origin          Origin         `json:"origin"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Text returns the message's primary text payload, or "" when absent.
func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	text, _ := m.Content["text"].(string)
	return text
}

// Edge is an explicit additional DAG relationship between two messages.
// The (From, To) pair is unique. From is the parent side, To the child side.
type Edge struct {
	FromMessageID string    `json:"from_message_id"`
	ToMessageID   string    `json:"to_message_id"`
	EdgeType      EdgeType  `json:"edge_type"`
	Weight        *string   `json:"weight,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary is a thread-scoped derived text artifact. At most one summary is
// current per (thread, summary type); the writer enforces this, not the store.
type Summary struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	SummaryType string         `json:"summary_type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsCurrent   bool           `json:"is_current"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Memory is a thread-scoped key-value fact. Key is unique per thread.
type Memory struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	MemoryType MemoryType     `json:"memory_type"`
	Key        string         `json:"key"`
	Value      string         `json:"value"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Confidence string         `json:"confidence"`
	Source     string         `json:"source"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Merge records a completed merge operation. Created exactly once per
// successful merge and never mutated.
type Merge struct {
	ID                  string         `json:"id"`
	ThreadID            string         `json:"thread_id"`
	SourceBranchID      string         `json:"source_branch_id"`
	TargetBranchID      string         `json:"target_branch_id"`
	Strategy            string         `json:"strategy"`
	LCAMessageID        *string        `json:"lca_message_id,omitempty"`
	MergedIntoMessageID string         `json:"merged_into_message_id"`
	Summary             map[string]any `json:"summary,omitempty"`
	ConflictResolution  map[string]any `json:"conflict_resolution,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// IdempotencyRecord maps (key, operation) to a cached JSON result.
// A nil Result marks an in-flight operation.
type IdempotencyRecord struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Operation string    `json:"operation"`
	Result    []byte    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh UUID string for entity identifiers.
func NewID() string {
	return uuid.NewString()
}
