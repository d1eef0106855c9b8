// Package service implements the conversation operations above the store:
// thread creation, branch forking with seeded system messages, and the
// transactional message-send flow.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/convohubhq/convohub/pkg/events"
	"github.com/convohubhq/convohub/pkg/idempotency"
	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
	"github.com/convohubhq/convohub/pkg/textgen"
)

// SendOperation is the idempotency operation name for message sends.
const SendOperation = "message-send"

// Service exposes the thread, branch and message operations.
type Service struct {
	store      store.Store
	generator  textgen.Generator
	idem       *idempotency.Coordinator
	publisher  events.Publisher
	summarizer *SummaryMemory
	logger     *slog.Logger
}

// New wires a Service. The publisher may be nil to disable events.
func New(s store.Store, generator textgen.Generator, idem *idempotency.Coordinator, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		generator:  generator,
		idem:       idem,
		publisher:  publisher,
		summarizer: NewSummaryMemory(logger),
		logger:     logger,
	}
}

// CreateThread creates a thread owned by the caller.
func (s *Service) CreateThread(ctx context.Context, identity model.Identity, title string) (*model.Thread, error) {
	thread := &model.Thread{
		ID:        model.NewID(),
		OwnerID:   identity.UserID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread retrieves a thread.
func (s *Service) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	return s.store.GetThread(ctx, id)
}

// DeleteThread removes a thread and everything under it.
func (s *Service) DeleteThread(ctx context.Context, id string) error {
	return s.store.DeleteThread(ctx, id)
}

// CreateBranchParams describes a branch creation request. The fork fields
// are optional provenance; when CreatedFromMessageID is set, the fork
// point's state snapshot is copied onto the branch's seed message. With
// CopyHistory the new branch is also pre-populated with copies of the fork
// point's ancestor chain, so the branches share history up to the fork point.
type CreateBranchParams struct {
	Name                 string
	CreatedFromBranchID  *string
	CreatedFromMessageID *string
	CopyHistory          bool
}

// CreateBranch creates a branch with its seed system message. The seed
// becomes the branch's base message.
func (s *Service) CreateBranch(ctx context.Context, threadID string, params CreateBranchParams) (*model.Branch, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	var seedSnapshot map[string]any
	if params.CreatedFromMessageID != nil {
		forkMsg, err := s.store.GetMessage(ctx, *params.CreatedFromMessageID)
		if err != nil {
			return nil, err
		}
		seedSnapshot = forkMsg.StateSnapshot
	}

	now := time.Now().UTC()
	seedID := model.NewID()
	branch := &model.Branch{
		ID:                   model.NewID(),
		ThreadID:             threadID,
		Name:                 params.Name,
		BaseMessageID:        &seedID,
		CreatedFromBranchID:  params.CreatedFromBranchID,
		CreatedFromMessageID: params.CreatedFromMessageID,
		CreatedAt:            now,
	}

	seedText := "Branch created"
	if seedSnapshot != nil {
		seedText = "Branch created from snapshot"
	}
	seed := &model.Message{
		ID:            seedID,
		BranchID:      branch.ID,
		Role:          model.RoleSystem,
		Content:       map[string]any{"text": seedText},
		StateSnapshot: seedSnapshot,
		Origin:        model.OriginLive,
		CreatedAt:     now,
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateBranch(ctx, branch); err != nil {
			return err
		}
		if err := tx.CreateMessage(ctx, seed); err != nil {
			return err
		}
		if params.CopyHistory && params.CreatedFromMessageID != nil {
			return s.copyHistory(ctx, tx, branch.ID, *params.CreatedFromMessageID, seedID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// copyHistory replays the fork point's ancestor chain onto the new branch as
// import-origin copies, oldest first, chained after the seed. The copies get
// fresh ids; during a later merge the ancestry engine matches them back to
// the originals by role and text.
func (s *Service) copyHistory(ctx context.Context, tx store.Store, branchID, forkMessageID, seedID string, now time.Time) error {
	var chain []*model.Message
	seen := map[string]bool{}
	id := forkMessageID
	for id != "" && !seen[id] {
		seen[id] = true
		msg, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		chain = append(chain, msg)
		if msg.ParentMessageID == nil {
			break
		}
		id = *msg.ParentMessageID
	}

	parentID := seedID
	for i := len(chain) - 1; i >= 0; i-- {
		original := chain[i]
		parent := parentID
		copied := &model.Message{
			ID:              model.NewID(),
			BranchID:        branchID,
			ParentMessageID: &parent,
			Role:            original.Role,
			Content:         original.Content,
			StateSnapshot:   original.StateSnapshot,
			Origin:          model.OriginImport,
			CreatedAt:       now,
		}
		if err := tx.CreateMessage(ctx, copied); err != nil {
			return err
		}
		parentID = copied.ID
	}
	return nil
}

// GetBranch retrieves a branch.
func (s *Service) GetBranch(ctx context.Context, id string) (*model.Branch, error) {
	return s.store.GetBranch(ctx, id)
}

// ListBranches lists a thread's branches.
func (s *Service) ListBranches(ctx context.Context, threadID string) ([]*model.Branch, error) {
	return s.store.ListBranches(ctx, threadID)
}

// ListMessages returns a branch's messages in chronological order.
func (s *Service) ListMessages(ctx context.Context, branchID string) ([]*model.Message, error) {
	if _, err := s.store.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	return s.store.ListBranchMessages(ctx, branchID)
}

// SendResult identifies the two messages a send produced.
type SendResult struct {
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// SendMessage appends a user message and the generated assistant reply in
// one transaction. The branch tip is read under lock so concurrent sends to
// the same branch serialize. idempotencyKey may be empty for unguarded sends.
func (s *Service) SendMessage(ctx context.Context, branchID, text, idempotencyKey string) (*SendResult, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		cached, err := s.idem.CheckAndLock(ctx, idempotencyKey, SendOperation)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			var result SendResult
			if err := json.Unmarshal(cached, &result); err != nil {
				return nil, fmt.Errorf("decoding cached send result: %w", err)
			}
			return &result, nil
		}
	}

	var result SendResult
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		tip, err := tx.BranchTip(ctx, branchID, true)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		userMsg := &model.Message{
			ID:        model.NewID(),
			BranchID:  branchID,
			Role:      model.RoleUser,
			Content:   map[string]any{"text": text},
			Origin:    model.OriginLive,
			CreatedAt: now,
		}
		if tip != nil {
			userMsg.ParentMessageID = &tip.ID
		}
		if err := tx.CreateMessage(ctx, userMsg); err != nil {
			return err
		}

		history, err := tx.ListBranchMessages(ctx, branchID)
		if err != nil {
			return err
		}
		conversation := make([]textgen.Turn, 0, len(history))
		for _, msg := range history {
			conversation = append(conversation, textgen.Turn{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
		}

		aiText, err := s.generator.Generate(ctx, conversation)
		if err != nil {
			return fmt.Errorf("generating assistant reply: %w", err)
		}

		assistantMsg := &model.Message{
			ID:              model.NewID(),
			BranchID:        branchID,
			ParentMessageID: &userMsg.ID,
			Role:            model.RoleAssistant,
			Content:         map[string]any{"text": aiText},
			StateSnapshot:   map[string]any{"v": 1, "note": "stub"},
			Origin:          model.OriginLive,
			CreatedAt:       time.Now().UTC(),
		}
		if err := tx.CreateMessage(ctx, assistantMsg); err != nil {
			return err
		}

		if _, _, err := s.summarizer.UpdateAfterAssistantMessage(ctx, tx, branch.ThreadID, branchID, assistantMsg); err != nil {
			return err
		}

		result = SendResult{UserMessageID: userMsg.ID, AssistantMessageID: assistantMsg.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if err := s.idem.StoreResult(ctx, idempotencyKey, SendOperation, result); err != nil {
			s.logger.Warn("storing send idempotency result failed", "key", idempotencyKey, "error", err)
		}
	}
	s.publishSend(ctx, branch.ThreadID, branchID, result)
	return &result, nil
}

func (s *Service) publishSend(ctx context.Context, threadID, branchID string, result SendResult) {
	if s.publisher == nil {
		return
	}

	event := &events.Event{
		SchemaVersion: events.SchemaVersionV1,
		EventType:     events.EventTypeMessageAppended,
		EventID:       model.NewID(),
		EmittedAt:     time.Now().UTC(),
		ThreadID:      threadID,
		Message: &events.MessageAppended{
			BranchID:           branchID,
			UserMessageID:      result.UserMessageID,
			AssistantMessageID: result.AssistantMessageID,
		},
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publishing message event failed", "branch_id", branchID, "error", err)
	}
}
