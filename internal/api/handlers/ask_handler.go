package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/engine"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/internal/storage/sqlite"
	"github.com/neo-agent/backend/internal/upstream"
	"github.com/neo-agent/backend/pkg/logger"
)

type AskHandler struct {
	engine   *engine.Engine
	store    *sqlite.Client
	upstream *upstream.Client
}

func NewAskHandler(eng *engine.Engine, store *sqlite.Client, up *upstream.Client) *AskHandler {
	return &AskHandler{
		engine:   eng,
		store:    store,
		upstream: up,
	}
}

func (h *AskHandler) HandleAsk(c *fiber.Ctx) error {
	var req struct {
		Question   string        `json:"question"`
		History    []models.Turn `json:"history"`
		SkipCache  bool          `json:"skip_cache"`
		SkipRouter bool          `json:"skip_router"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fiber.Map{"kind": "bad_request", "detail": "Invalid request body"},
		})
	}

	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fiber.Map{"kind": "bad_request", "detail": "Question is required"},
		})
	}

	response, err := h.engine.Answer(c.Context(), engine.Request{
		Question:   req.Question,
		History:    req.History,
		SkipCache:  req.SkipCache,
		SkipRouter: req.SkipRouter,
	})
	if err != nil {
		logger.Error("Failed to answer question", zap.Error(err))
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": fiber.Map{"kind": errorKind(err), "detail": err.Error()},
		})
	}

	return c.JSON(response)
}

func (h *AskHandler) GetHistory(c *fiber.Ctx) error {
	if h.store == nil {
		return c.JSON(fiber.Map{"history": []interface{}{}})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	records, err := h.store.GetHistory(limit)
	if err != nil {
		logger.Error("Failed to load history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"kind": "internal", "detail": "Failed to load history"},
		})
	}

	history := make([]fiber.Map, len(records))
	for i, rec := range records {
		history[i] = fiber.Map{
			"id":         rec.ID,
			"question":   rec.Question,
			"answer":     rec.Answer,
			"tier":       rec.Tier,
			"cached":     rec.Cached,
			"turns_used": rec.TurnsUsed,
			"latency_ms": rec.LatencyMS,
			"created_at": rec.CreatedAt,
		}
	}
	return c.JSON(fiber.Map{"history": history})
}

func (h *AskHandler) GetToolCalls(c *fiber.Ctx) error {
	if h.store == nil {
		return c.JSON(fiber.Map{"tool_calls": []interface{}{}})
	}

	questionID := c.Params("id")
	calls, err := h.store.GetToolCalls(questionID)
	if err != nil {
		logger.Error("Failed to load tool calls", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"kind": "internal", "detail": "Failed to load tool calls"},
		})
	}
	return c.JSON(fiber.Map{"tool_calls": calls})
}

func (h *AskHandler) GetInsights(c *fiber.Ctx) error {
	if h.store == nil {
		return c.JSON(fiber.Map{"insights": []interface{}{}})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	insights, err := h.store.GetInsights(limit)
	if err != nil {
		logger.Error("Failed to load insights", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"kind": "internal", "detail": "Failed to load insights"},
		})
	}
	return c.JSON(fiber.Map{"insights": insights})
}

func (h *AskHandler) GetDatabases(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"databases": h.upstream.Databases()})
}

func (h *AskHandler) GetDatabaseStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"databases": h.upstream.Stats(c.Context())})
}

func statusForError(err error) int {
	var qe *upstream.QueryError
	if !errors.As(err, &qe) {
		return fiber.StatusInternalServerError
	}
	switch qe.Kind {
	case upstream.KindMalformedQuery:
		return fiber.StatusBadRequest
	case upstream.KindTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}

func errorKind(err error) string {
	var qe *upstream.QueryError
	if errors.As(err, &qe) {
		return string(qe.Kind)
	}
	return "internal"
}
