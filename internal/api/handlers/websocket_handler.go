package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/agent"
	"github.com/neo-agent/backend/internal/engine"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine *engine.Engine
}

func NewWebSocketHandler(eng *engine.Engine) *WebSocketHandler {
	return &WebSocketHandler{engine: eng}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type       string        `json:"type"`
			Question   string        `json:"question"`
			History    []models.Turn `json:"history"`
			SkipCache  bool          `json:"skip_cache"`
			SkipRouter bool          `json:"skip_router"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "ask" || msg.Question == "" {
			continue
		}

		logger.Info("Processing WebSocket question", zap.String("question", msg.Question))

		err = h.streamAnswer(c, engine.Request{
			Question:   msg.Question,
			History:    msg.History,
			SkipCache:  msg.SkipCache,
			SkipRouter: msg.SkipRouter,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Debug("WebSocket client went away mid-run")
				continue
			}
			logger.Error("Failed to stream answer", zap.Error(err))
			h.sendError(c, "Failed to process question")
		}
	}
}

// eventWriter is the slice of *websocket.Conn the event pump needs.
type eventWriter interface {
	WriteJSON(v interface{}) error
}

// streamAnswer forwards the run's status events in order, then sends the
// final payload as the last frame. A failed event write is the only way
// a client disconnect is observable here, so it cancels the run: the
// in-flight tool call completes, but no further turns are scheduled.
func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, req engine.Request) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan agent.Event, 64)
	done := pumpEvents(c, events, cancel)

	response, err := h.engine.AnswerStream(ctx, req, events)
	close(events)
	<-done

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return h.sendComplete(c, response)
}

// pumpEvents writes events to the socket until the channel closes. The
// first write failure cancels the run context and stops the pump.
func pumpEvents(c eventWriter, events <-chan agent.Event, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := c.WriteJSON(ev); err != nil {
				logger.Debug("WebSocket event write failed, canceling run", zap.Error(err))
				cancel()
				return
			}
		}
	}()
	return done
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, response *engine.Response) error {
	return c.WriteJSON(map[string]interface{}{
		"type":       "complete",
		"id":         response.ID,
		"answer":     response.Answer,
		"entities":   response.Entities,
		"tool_calls": response.ToolCalls,
		"insights":   response.Insights,
		"tier":       response.Tier,
		"turns_used": response.TurnsUsed,
		"cached":     response.Cached,
		"latency_ms": response.LatencyMS,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
