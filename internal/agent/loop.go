package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/metrics"
	"github.com/neo-agent/backend/internal/router"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/pkg/logger"
)

// Terminal reasons for an agent run.
const (
	ReasonAnswered          = "answered"
	ReasonTurnLimitExceeded = "turn_limit_exceeded"
	ReasonFatalError        = "fatal_error"
)

// Event is one item of the live progress stream: status strings while
// the run works, then exactly one answer or error event last.
type Event struct {
	Type    string           `json:"type"`
	Message string           `json:"message,omitempty"`
	Tool    *models.ToolCall `json:"tool,omitempty"`
}

// Run is the complete record of one agent execution.
type Run struct {
	Answer    string
	ToolCalls []models.ToolCall
	Entities  []models.Entity
	Insights  []string
	TurnsUsed int
	Terminal  string
}

// ChatClient is the reasoning-model exchange: given a system prompt,
// conversation, and tool schemas, return the model's next message.
type ChatClient interface {
	ChatWithTools(ctx context.Context, system string, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, string, error)
	Model() string
}

// Loop drives the bounded tool-calling conversation for tier 3
// questions. Each turn the model either answers or requests tools;
// requested tools run sequentially and their results feed the next
// turn. The run stops at the first of: a model answer, the turn cap, or
// the wall-clock ceiling.
type Loop struct {
	chat     ChatClient
	source   DataSource
	maxTurns int
	timeout  time.Duration
}

func NewLoop(chat ChatClient, source DataSource, maxTurns int, timeout time.Duration) *Loop {
	return &Loop{
		chat:     chat,
		source:   source,
		maxTurns: maxTurns,
		timeout:  timeout,
	}
}

// Run executes the agent for one question. A nil events channel
// disables streaming. The returned Run is non-nil whenever any partial
// progress was made; the error is non-nil only for loop-fatal failures.
func (l *Loop) Run(ctx context.Context, question string, priorTurns []models.Turn, hints router.Hints, events chan<- Event) (*Run, error) {
	deadline := time.Now().Add(l.timeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	tk := newToolkit(l.source)
	tools := tk.definitions()
	system := l.systemPrompt(hints)

	messages := make([]openai.ChatCompletionMessage, 0, len(priorTurns)+1)
	for _, turn := range priorTurns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: question,
	})

	run := &Run{}

	for run.TurnsUsed < l.maxTurns {
		if time.Now().After(deadline) {
			return l.bestEffort(ctx, run, tk, messages, "the time budget ran out")
		}

		run.TurnsUsed++
		emit(events, Event{Type: "status", Message: "Reasoning..."})

		reply, _, err := l.chat.ChatWithTools(runCtx, system, messages, tools)
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				return l.bestEffort(ctx, run, tk, messages, "the time budget ran out")
			}
			run.Terminal = ReasonFatalError
			run.Answer = "I could not reach the reasoning model. Please try again."
			metrics.AgentTerminations.WithLabelValues(ReasonFatalError).Inc()
			logger.Error("Agent reasoning call failed",
				zap.Int("turn", run.TurnsUsed),
				zap.Error(err),
			)
			return run, fmt.Errorf("reasoning model: %w", err)
		}

		if len(reply.ToolCalls) == 0 {
			run.Answer = reply.Content
			run.Terminal = ReasonAnswered
			run.Insights = tk.insights
			run.Entities = ExtractEntities(run.Answer, run.ToolCalls, nil)
			metrics.AgentTurns.Observe(float64(run.TurnsUsed))
			metrics.AgentTerminations.WithLabelValues(ReasonAnswered).Inc()
			return run, nil
		}

		messages = append(messages, reply)

		for _, tc := range reply.ToolCalls {
			emit(events, Event{Type: "status", Message: statusFor(tc.Function.Name, databaseOf(tc.Function.Arguments))})

			// A client disconnect must not kill a query already chosen;
			// the in-flight tool finishes, then no further turns run.
			toolCtx, toolCancel := context.WithTimeout(context.WithoutCancel(runCtx), l.timeout)
			content, call := tk.dispatch(toolCtx, tc.Function.Name, tc.Function.Arguments)
			toolCancel()

			run.ToolCalls = append(run.ToolCalls, call)
			emit(events, Event{Type: "tool", Tool: &call})

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tc.ID,
				Content:    content,
			})
		}

		if ctx.Err() != nil {
			run.Terminal = ReasonFatalError
			run.Insights = tk.insights
			metrics.AgentTerminations.WithLabelValues(ReasonFatalError).Inc()
			return run, ctx.Err()
		}
	}

	return l.bestEffort(ctx, run, tk, messages, "the analysis step budget ran out")
}

// bestEffort asks the model once more, with no tools, to summarize what
// it has gathered so far. Failure of that call still yields a usable
// fallback answer.
func (l *Loop) bestEffort(ctx context.Context, run *Run, tk *toolkit, messages []openai.ChatCompletionMessage, why string) (*Run, error) {
	run.Terminal = ReasonTurnLimitExceeded
	run.Insights = tk.insights

	summaryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: "Stop querying. Produce your best final answer from the data gathered so far.",
	})

	reply, _, err := l.chat.ChatWithTools(summaryCtx, l.systemPrompt(router.Hints{}), messages, nil)
	if err != nil || strings.TrimSpace(reply.Content) == "" {
		run.Answer = fmt.Sprintf("I've reached the limit of my analysis because %s. Here's what I found so far based on my queries.", why)
	} else {
		run.Answer = reply.Content
	}

	run.Entities = ExtractEntities(run.Answer, run.ToolCalls, nil)
	metrics.AgentTurns.Observe(float64(run.TurnsUsed))
	metrics.AgentTerminations.WithLabelValues(ReasonTurnLimitExceeded).Inc()
	return run, nil
}

func (l *Loop) systemPrompt(hints router.Hints) string {
	var b strings.Builder

	b.WriteString("You are Neo, a senior biotech and deeptech analyst.\n\n")
	b.WriteString("You answer questions by querying live production databases through tools. ")
	b.WriteString("Available logical databases: ")
	b.WriteString(strings.Join(l.source.Databases(), ", "))
	b.WriteString(".\n\n")

	b.WriteString("Guidelines:\n")
	b.WriteString("1. Always SELECT an id column so results can be linked.\n")
	b.WriteString("2. Use LIMIT (10-50) on every query; the tables hold up to hundreds of thousands of rows.\n")
	b.WriteString("3. Use list_tables and describe_table when unsure of a schema.\n")
	b.WriteString("4. For cross-database questions, query each database and join the results yourself.\n")
	b.WriteString("5. Lead with the key insight, not raw numbers. Synthesize across databases when relevant.\n")
	b.WriteString("6. Do NOT include a Sources section; source links are generated from your query results.\n")

	if len(hints.Databases) > 0 {
		b.WriteString("\nThe question likely concerns: ")
		b.WriteString(strings.Join(hints.Databases, ", "))
		b.WriteString(".")
	}
	if hints.Intent != "" && hints.Intent != router.IntentGeneral {
		b.WriteString("\nDetected intent: ")
		b.WriteString(hints.Intent)
		b.WriteString(".")
	}
	if len(hints.SuggestedQueries) > 0 {
		b.WriteString("\nSuggested starting queries:\n")
		for _, sq := range hints.SuggestedQueries {
			b.WriteString("- [")
			b.WriteString(sq.Database)
			b.WriteString("] ")
			b.WriteString(sq.Query)
			b.WriteString("\n")
		}
		if hints.JoinHint != "" {
			b.WriteString("Join strategy: ")
			b.WriteString(hints.JoinHint)
			b.WriteString("\n")
		}
	}

	return b.String()
}

func databaseOf(rawArgs string) string {
	// Cheap peek for status messages only; dispatch re-parses properly.
	const marker = `"database"`
	idx := strings.Index(rawArgs, marker)
	if idx < 0 {
		return ""
	}
	rest := rawArgs[idx+len(marker):]
	start := strings.Index(rest, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(rest[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return rest[start+1 : start+1+end]
}

func emit(events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}
