// Package events defines transport-neutral completion events emitted after
// merges and message sends, and the Publisher contract for shipping them.
//
// Publishing is fire-and-forget from the caller's perspective: failures are
// logged, never fatal, and never roll back the operation that produced them.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeMergeCompleted is emitted after a merge commits.
	EventTypeMergeCompleted = "convohub.merge.completed"

	// EventTypeMessageAppended is emitted after a message-send commits.
	EventTypeMessageAppended = "convohub.message.appended"
)

// ErrNilEvent indicates a nil event payload was handed to a publisher.
var ErrNilEvent = errors.New("nil event")

// Event is the envelope common to every published payload.
type Event struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	ThreadID      string    `json:"thread_id"`

	Merge   *MergeCompleted  `json:"merge,omitempty"`
	Message *MessageAppended `json:"message,omitempty"`
}

// MergeCompleted carries the identifiers of a committed merge.
type MergeCompleted struct {
	MergeID             string  `json:"merge_id"`
	SourceBranchID      string  `json:"source_branch_id"`
	TargetBranchID      string  `json:"target_branch_id"`
	Strategy            string  `json:"strategy"`
	LCAMessageID        *string `json:"lca_message_id,omitempty"`
	MergedIntoMessageID string  `json:"merged_into_message_id"`
}

// MessageAppended carries the identifiers of a committed message-send.
type MessageAppended struct {
	BranchID           string `json:"branch_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// Publisher ships events to a stream backend.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
