package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/convohubhq/convohub/pkg/dag"
	"github.com/convohubhq/convohub/pkg/diff"
	"github.com/convohubhq/convohub/pkg/merge"
	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/service"
)

// identity reads the pre-resolved caller identity from headers.
func identity(c *fiber.Ctx) model.Identity {
	return model.Identity{
		TenantID: c.Get("X-Tenant-ID"),
		UserID:   c.Get("X-User-ID"),
	}
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

type createThreadRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateThread(c *fiber.Ctx) error {
	var req createThreadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	thread, err := s.service.CreateThread(c.Context(), identity(c), req.Title)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(thread)
}

func (s *Server) handleGetThread(c *fiber.Ctx) error {
	thread, err := s.service.GetThread(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(thread)
}

func (s *Server) handleDeleteThread(c *fiber.Ctx) error {
	if err := s.service.DeleteThread(c.Context(), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type createBranchRequest struct {
	Name                 string  `json:"name"`
	CreatedFromBranchID  *string `json:"created_from_branch_id,omitempty"`
	CreatedFromMessageID *string `json:"created_from_message_id,omitempty"`
	CopyHistory          bool    `json:"copy_history,omitempty"`
}

func (s *Server) handleCreateBranch(c *fiber.Ctx) error {
	var req createBranchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "branch name required"})
	}

	branch, err := s.service.CreateBranch(c.Context(), c.Params("id"), service.CreateBranchParams{
		Name:                 req.Name,
		CreatedFromBranchID:  req.CreatedFromBranchID,
		CreatedFromMessageID: req.CreatedFromMessageID,
		CopyHistory:          req.CopyHistory,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(branch)
}

func (s *Server) handleListBranches(c *fiber.Ctx) error {
	branches, err := s.service.ListBranches(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(branches)
}

func (s *Server) handleListSummaries(c *fiber.Ctx) error {
	summaries, err := s.storer.CurrentSummaries(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(summaries)
}

func (s *Server) handleListMemories(c *fiber.Ctx) error {
	memories, err := s.storer.ListMemories(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(memories)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	messages, err := s.service.ListMessages(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(messages)
}

type sendMessageRequest struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	result, err := s.service.SendMessage(c.Context(), c.Params("id"), req.Text, req.IdempotencyKey)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(result)
}

type addEdgeRequest struct {
	FromMessageID string  `json:"from_message_id"`
	EdgeType      string  `json:"edge_type"`
	Weight        *string `json:"weight,omitempty"`
}

func (s *Server) handleAddEdge(c *fiber.Ctx) error {
	var req addEdgeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	edge, err := s.edges.AddEdge(c.Context(), req.FromMessageID, c.Params("id"), model.EdgeType(req.EdgeType), req.Weight)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(edge)
}

func (s *Server) handleRemoveEdge(c *fiber.Ctx) error {
	removed, err := s.edges.RemoveEdge(c.Context(), c.Params("from"), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"removed": removed})
}

func (s *Server) handleGetEdges(c *fiber.Ctx) error {
	direction := dag.Direction(c.Query("direction", string(dag.DirectionBoth)))
	edges, err := s.edges.GetEdges(c.Context(), c.Params("id"), direction)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(edges)
}

func (s *Server) handleDiff(c *fiber.Ctx) error {
	left := c.Query("left")
	right := c.Query("right")
	if left == "" || right == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "left and right branch ids required"})
	}
	mode := diff.Mode(c.Query("mode", string(diff.ModeMessages)))

	var base *string
	if b := c.Query("base"); b != "" {
		base = &b
	} else if mode == diff.ModeMemory {
		found, err := s.differ.FindBaseBranch(c.Context(), left, right)
		if err != nil {
			return s.fail(c, err)
		}
		base = found
	}

	result, err := s.differ.Compute(c.Context(), left, right, mode, base)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(result)
}

type mergeRequest struct {
	ThreadID       string `json:"thread_id"`
	SourceBranchID string `json:"source_branch_id"`
	TargetBranchID string `json:"target_branch_id"`
	Strategy       string `json:"strategy"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleMerge(c *fiber.Ctx) error {
	var req mergeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.Strategy == "" {
		req.Strategy = merge.StrategyAppendLast
	}

	outcome, err := s.merger.Merge(c.Context(), merge.Request{
		ThreadID:       req.ThreadID,
		SourceBranchID: req.SourceBranchID,
		TargetBranchID: req.TargetBranchID,
		Strategy:       req.Strategy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(outcome)
}

func (s *Server) handleGetMerge(c *fiber.Ctx) error {
	mergeRecord, err := s.storer.GetMerge(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(mergeRecord)
}
