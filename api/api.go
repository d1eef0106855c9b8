// Package api exposes the conversation graph over HTTP: threads, branches,
// messages, edges, diffs and merges.
//
// Handlers stay thin: decode, delegate, map errors to status codes. Identity
// arrives pre-resolved in headers; access-control decisions happen upstream.
package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/convohubhq/convohub/pkg/dag"
	"github.com/convohubhq/convohub/pkg/diff"
	"github.com/convohubhq/convohub/pkg/merge"
	"github.com/convohubhq/convohub/pkg/service"
	"github.com/convohubhq/convohub/pkg/store"
)

// Server is the HTTP server for the convohub API.
type Server struct {
	config  Config
	service *service.Service
	differ  *diff.Engine
	merger  *merge.Engine
	edges   *dag.EdgeManager
	storer  store.Store
	logger  *slog.Logger
	app     *fiber.App
}

// NewServer creates a new API server. All collaborators are injected so the
// same store and engines can be shared with other components.
func NewServer(config Config, svc *service.Service, differ *diff.Engine, merger *merge.Engine, edges *dag.EdgeManager, storer store.Store, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:  config,
		service: svc,
		differ:  differ,
		merger:  merger,
		edges:   edges,
		storer:  storer,
		logger:  logger,
		app:     app,
	}

	app.Get("/ping", s.handlePing)

	app.Post("/threads", s.handleCreateThread)
	app.Get("/threads/:id", s.handleGetThread)
	app.Delete("/threads/:id", s.handleDeleteThread)
	app.Post("/threads/:id/branches", s.handleCreateBranch)
	app.Get("/threads/:id/branches", s.handleListBranches)
	app.Get("/threads/:id/summaries", s.handleListSummaries)
	app.Get("/threads/:id/memories", s.handleListMemories)

	app.Get("/branches/:id/messages", s.handleListMessages)
	app.Post("/branches/:id/messages", s.handleSendMessage)

	app.Post("/messages/:id/edges", s.handleAddEdge)
	app.Delete("/messages/:id/edges/:from", s.handleRemoveEdge)
	app.Get("/messages/:id/edges", s.handleGetEdges)

	app.Get("/diff", s.handleDiff)
	app.Post("/merge", s.handleMerge)
	app.Get("/merges/:id", s.handleGetMerge)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server", "listen", s.config.ListenAddr)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
