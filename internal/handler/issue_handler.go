package handler

import (
	"context"
	"errors"

	"github.com/jake-jlawson/dashtech/internal/issue"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/internal/repository/archive"
	internalWS "github.com/jake-jlawson/dashtech/internal/websocket"
	"github.com/jake-jlawson/dashtech/pkg/envelope"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// IssueArchive is the read side of the closed-issue archive.
type IssueArchive interface {
	Recent(ctx context.Context, n int64) ([]string, error)
	Load(ctx context.Context, issueID string, out any) error
}

type IssueHandler struct {
	manager *issue.Manager
	hub     *internalWS.Hub
	archive IssueArchive
	ready   func() bool
	logger  logger.ILogger
}

// NewIssueHandler wires the issue routes. hub and store may be nil; ready reports
// whether the model answered its warmup.
func NewIssueHandler(manager *issue.Manager, hub *internalWS.Hub, store IssueArchive, ready func() bool, log logger.ILogger) *IssueHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &IssueHandler{
		manager: manager,
		hub:     hub,
		archive: store,
		ready:   ready,
		logger:  log,
	}
}

// Health reports model readiness and whether an issue is live.
func (h *IssueHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"llm_ready":    h.ready(),
		"issue_active": h.manager.Current() != nil,
	})
}

// Current returns a snapshot of the live issue.
func (h *IssueHandler) Current(c *fiber.Ctx) error {
	iss := h.manager.Current()
	if iss == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": issue.ErrNoActiveIssue.Error()})
	}
	return c.JSON(iss.Snapshot())
}

// Stop ends the live issue.
func (h *IssueHandler) Stop(c *fiber.Ctx) error {
	iss := h.manager.Current()
	if err := h.manager.Stop(c.UserContext()); err != nil {
		if errors.Is(err, issue.ErrNoActiveIssue) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	resp := fiber.Map{"status": "stopped"}
	if iss != nil {
		resp["issue_id"] = iss.ID
	}
	return c.JSON(resp)
}

// Ingest queues an envelope posted over HTTP on the live issue.
func (h *IssueHandler) Ingest(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	if len(body) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "empty body"})
	}

	iss, err := h.manager.Ingest(body)
	switch {
	case errors.Is(err, issue.ErrNoActiveIssue):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, issue.ErrIssueClosed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, envelope.ErrInvalidEnvelope):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "issue_id": iss.ID})
}

// ServeCreate upgrades to the session-create socket.
func (h *IssueHandler) ServeCreate(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			h.logger.Info("IssueHandler", "Starting issue socket", nil)
			internalWS.ServeIssue(h.manager, conn, h.logger)
		})(c)
	}
	return fiber.ErrUpgradeRequired
}

// ServeAttach upgrades to a socket that takes over the live issue.
func (h *IssueHandler) ServeAttach(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			internalWS.ServeAttach(h.manager, conn, h.logger)
		})(c)
	}
	return fiber.ErrUpgradeRequired
}

// ServeWatch upgrades to a read-only lifecycle event stream.
func (h *IssueHandler) ServeWatch(c *fiber.Ctx) error {
	if h.hub == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event hub not configured"})
	}
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			internalWS.ServeWatcher(h.hub, conn, h.logger)
		})(c)
	}
	return fiber.ErrUpgradeRequired
}

// ListArchived returns the ids of recently closed issues, newest first.
func (h *IssueHandler) ListArchived(c *fiber.Ctx) error {
	if h.archive == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive not configured"})
	}
	limit := c.QueryInt("limit", 20)
	ids, err := h.archive.Recent(c.UserContext(), int64(limit))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"data": ids, "limit": limit})
}

// GetArchived returns one archived snapshot.
func (h *IssueHandler) GetArchived(c *fiber.Ctx) error {
	if h.archive == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive not configured"})
	}
	var snap issue.Snapshot
	if err := h.archive.Load(c.UserContext(), c.Params("id"), &snap); err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(snap)
}

// RegisterRoutes registers the issue routes.
func (h *IssueHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/health", h.Health)

	iss := router.Group("/issue")
	iss.Get("/current", h.Current)
	iss.Post("/stop", h.Stop)
	iss.Post("/events", h.Ingest)
	iss.Get("/create", h.ServeCreate)
	iss.Get("/attach", h.ServeAttach)
	iss.Get("/watch", h.ServeWatch)

	archived := router.Group("/issues/archive")
	archived.Get("/", h.ListArchived)
	archived.Get("/:id", h.GetArchived)
}
