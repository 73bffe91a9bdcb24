package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/agent"
	querycache "github.com/neo-agent/backend/internal/cache/query"
	"github.com/neo-agent/backend/internal/cache/semantic"
	"github.com/neo-agent/backend/internal/metrics"
	"github.com/neo-agent/backend/internal/router"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/internal/storage/sqlite"
	"github.com/neo-agent/backend/internal/upstream"
	"github.com/neo-agent/backend/pkg/logger"
)

// Request is one incoming question.
type Request struct {
	Question   string        `json:"question"`
	History    []models.Turn `json:"history,omitempty"`
	SkipCache  bool          `json:"skip_cache,omitempty"`
	SkipRouter bool          `json:"skip_router,omitempty"`
}

// Response is the final payload for one question, whichever path
// produced it.
type Response struct {
	ID         string            `json:"id"`
	Answer     string            `json:"answer"`
	Entities   []models.Entity   `json:"entities"`
	ToolCalls  []models.ToolCall `json:"tool_calls"`
	Insights   []string          `json:"insights,omitempty"`
	Tier       int               `json:"tier"`
	TurnsUsed  int               `json:"turns_used"`
	Cached     bool              `json:"cached"`
	Similarity float32           `json:"similarity,omitempty"`
	Terminal   string            `json:"terminal,omitempty"`
	LatencyMS  int               `json:"latency_ms"`
}

// source adapts the query cache plus the upstream client into the
// agent's DataSource: queries go through the cache, schema discovery
// goes straight upstream.
type source struct {
	cache    *querycache.Cache
	upstream *upstream.Client
}

func (s *source) Databases() []string { return s.upstream.Databases() }

func (s *source) Execute(ctx context.Context, database, query string) (*upstream.Result, error) {
	return s.cache.Execute(ctx, database, query)
}

func (s *source) ListTables(ctx context.Context, database string) ([]upstream.TableInfo, error) {
	return s.upstream.ListTables(ctx, database)
}

func (s *source) DescribeTable(ctx context.Context, database, table string) ([]upstream.ColumnInfo, error) {
	return s.upstream.DescribeTable(ctx, database, table)
}

// Engine ties the tiers together: route, then answer on the cheapest
// path that can serve the question.
type Engine struct {
	router   *router.Router
	source   *source
	loop     *agent.Loop
	semantic *semantic.Cache
	store    *sqlite.Client
}

func New(r *router.Router, cache *querycache.Cache, up *upstream.Client, loop *agent.Loop, sem *semantic.Cache, store *sqlite.Client) *Engine {
	return &Engine{
		router:   r,
		source:   &source{cache: cache, upstream: up},
		loop:     loop,
		semantic: sem,
		store:    store,
	}
}

// DataSource exposes the engine's cached query path, for wiring the
// agent loop against the same cache the tiers use.
func (e *Engine) DataSource() agent.DataSource { return e.source }

// SetLoop attaches the agent loop after construction; the loop is built
// against the engine's DataSource, so the two reference each other.
func (e *Engine) SetLoop(loop *agent.Loop) { e.loop = loop }

// Answer runs the full pipeline for one question.
func (e *Engine) Answer(ctx context.Context, req Request) (*Response, error) {
	return e.answer(ctx, req, nil)
}

// AnswerStream is Answer with a live event stream. Status and tool
// events arrive in order; the final answer is delivered in the returned
// Response, after the channel is done being written.
func (e *Engine) AnswerStream(ctx context.Context, req Request, events chan<- agent.Event) (*Response, error) {
	return e.answer(ctx, req, events)
}

func (e *Engine) answer(ctx context.Context, req Request, events chan<- agent.Event) (*Response, error) {
	started := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("question is empty")
	}

	decision := e.router.Classify(question, req.History)
	if req.SkipRouter {
		decision.Tier = router.TierAgent
	}

	var resp *Response
	var err error

	switch decision.Tier {
	case router.TierInstant:
		resp, err = e.answerInstant(ctx, decision)
	case router.TierFast:
		resp, err = e.answerFast(ctx, decision)
	default:
		resp, err = e.answerAgent(ctx, req, question, decision, events)
	}

	// Tier 1/2 execution failures degrade to the agent path rather than
	// failing the question.
	if err != nil && decision.Tier != router.TierAgent {
		logger.Warn("Instant path failed, falling back to agent",
			zap.Int("tier", int(decision.Tier)),
			zap.String("pattern", decision.PatternID),
			zap.Error(err),
		)
		decision.Tier = router.TierAgent
		resp, err = e.answerAgent(ctx, req, question, decision, events)
	}
	if err != nil {
		metrics.QuestionTotal.WithLabelValues(tierLabel(decision.Tier), "error").Inc()
		return resp, err
	}

	resp.ID = uuid.New().String()
	resp.LatencyMS = int(time.Since(started).Milliseconds())

	metrics.QuestionDuration.WithLabelValues(tierLabel(decision.Tier)).Observe(time.Since(started).Seconds())
	metrics.QuestionTotal.WithLabelValues(tierLabel(decision.Tier), "ok").Inc()

	e.record(resp, question)
	return resp, nil
}

func (e *Engine) answerInstant(ctx context.Context, decision router.Decision) (*Response, error) {
	if decision.Tables {
		tables, err := e.source.ListTables(ctx, decision.Database)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = t.Name
		}
		return &Response{
			Answer: fmt.Sprintf("Tables in %s database: %s", decision.Database, strings.Join(names, ", ")),
			Tier:   int(router.TierInstant),
		}, nil
	}

	result, err := e.source.Execute(ctx, decision.Database, decision.Query)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("no rows for pattern %s", decision.PatternID)
	}

	return &Response{
		Answer: formatInstant(result),
		Tier:   int(router.TierInstant),
	}, nil
}

func (e *Engine) answerFast(ctx context.Context, decision router.Decision) (*Response, error) {
	result, err := e.source.Execute(ctx, decision.Database, decision.Query)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("no rows for template %s", decision.PatternID)
	}

	return &Response{
		Answer:   formatRows(decision.Database, result.Rows),
		Entities: agent.EntitiesFromRows(decision.Database, result.Rows, nil),
		Tier:     int(router.TierFast),
	}, nil
}

func (e *Engine) answerAgent(ctx context.Context, req Request, question string, decision router.Decision, events chan<- agent.Event) (*Response, error) {
	useCache := e.semantic != nil && !req.SkipCache && len(req.History) == 0

	if useCache {
		if match, ok := e.semantic.Lookup(ctx, question); ok {
			return &Response{
				Answer:     match.Answer,
				Entities:   match.Entities,
				Tier:       int(router.TierAgent),
				Cached:     true,
				Similarity: match.Similarity,
			}, nil
		}
	}

	run, err := e.loop.Run(ctx, question, req.History, decision.Hints, events)
	if err != nil {
		if run == nil {
			return nil, err
		}
		return &Response{
			Answer:    run.Answer,
			ToolCalls: run.ToolCalls,
			Tier:      int(router.TierAgent),
			TurnsUsed: run.TurnsUsed,
			Terminal:  run.Terminal,
		}, err
	}

	if useCache && run.Terminal == agent.ReasonAnswered && run.Answer != "" {
		e.semantic.Store(ctx, question, run.Answer, run.Entities)
	}

	return &Response{
		Answer:    run.Answer,
		Entities:  run.Entities,
		ToolCalls: run.ToolCalls,
		Insights:  run.Insights,
		Tier:      int(router.TierAgent),
		TurnsUsed: run.TurnsUsed,
		Terminal:  run.Terminal,
	}, nil
}

// record persists the answered question; failures are logged, never
// surfaced.
func (e *Engine) record(resp *Response, question string) {
	if e.store == nil {
		return
	}

	rec := &models.QuestionRecord{
		ID:        resp.ID,
		Question:  question,
		Answer:    resp.Answer,
		Tier:      resp.Tier,
		Cached:    resp.Cached,
		TurnsUsed: resp.TurnsUsed,
		LatencyMS: resp.LatencyMS,
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertQuestionRecord(rec); err != nil {
		logger.Warn("Failed to record question", zap.Error(err))
		return
	}
	if err := e.store.InsertToolCalls(resp.ID, resp.ToolCalls); err != nil {
		logger.Warn("Failed to record tool calls", zap.Error(err))
	}
	for _, insight := range resp.Insights {
		if err := e.store.InsertInsight(resp.ID, insight); err != nil {
			logger.Warn("Failed to record insight", zap.Error(err))
		}
	}
}

func tierLabel(t router.Tier) string {
	switch t {
	case router.TierInstant:
		return "1"
	case router.TierFast:
		return "2"
	default:
		return "3"
	}
}
