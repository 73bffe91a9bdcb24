package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/neo-agent/backend/internal/agent"
	querycache "github.com/neo-agent/backend/internal/cache/query"
	"github.com/neo-agent/backend/internal/cache/semantic"
	"github.com/neo-agent/backend/internal/router"
	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/internal/upstream"
)

var databaseNames = []string{"researchers", "patents", "grants", "policies", "portfolio", "market_data", "sec"}

// gatewayHandler fakes every SQL gateway behind one server, answering
// by query text.
func gatewayHandler(t *testing.T, queries *[]string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sql", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad gateway request: %v", err)
		}
		query := req["query"]
		*queries = append(*queries, query)

		var result upstream.Result
		switch {
		case strings.Contains(query, "COUNT(*)"):
			result = upstream.Result{
				Columns:  []string{"count"},
				Rows:     []map[string]interface{}{{"count": float64(1250)}},
				RowCount: 1,
			}
		case strings.Contains(query, "FROM patents"):
			result = upstream.Result{
				Columns: []string{"id", "title", "patent_number", "filing_date", "assignee"},
				Rows: []map[string]interface{}{{
					"id": "pat-7", "title": "Lipid nanoparticle formulation",
					"patent_number": "US1234567", "filing_date": "2023-04-01", "assignee": "Pfizer",
				}},
				RowCount: 1,
			}
		case strings.Contains(query, "FROM researchers"):
			result = upstream.Result{
				Columns: []string{"id", "name", "h_index"},
				Rows: []map[string]interface{}{{
					"id": "res-42", "name": "Maria Voss", "h_index": float64(38),
				}},
				RowCount: 1,
			}
		case strings.Contains(query, "FROM companies"):
			result = upstream.Result{
				Columns: []string{"id", "name", "therapeutic_area"},
				Rows: []map[string]interface{}{{
					"id": "co-3", "name": "Oncora Bio", "therapeutic_area": "oncology",
				}},
				RowCount: 1,
			}
		default:
			result = upstream.Result{Columns: []string{"id"}, Rows: nil, RowCount: 0}
		}
		json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/api/sql/tables", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"tables": {"researchers", "papers"}})
	})

	return mux
}

// scriptedChat drives the agent loop with canned model replies.
type scriptedChat struct {
	replies []openai.ChatCompletionMessage
	calls   int
}

func (s *scriptedChat) ChatWithTools(ctx context.Context, system string, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, string, error) {
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	return s.replies[i], "stop", nil
}

func (s *scriptedChat) Model() string { return "test-model" }

type fixedEmbedder struct{}

func (fixedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func assistantAnswer(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
}

func assistantToolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func newTestEngine(t *testing.T, chat agent.ChatClient) (*Engine, *[]string) {
	t.Helper()

	queries := &[]string{}
	server := httptest.NewServer(gatewayHandler(t, queries))
	t.Cleanup(server.Close)

	urls := make(map[string]string, len(databaseNames))
	for _, name := range databaseNames {
		urls[name] = server.URL
	}

	up := upstream.NewClient(urls, "secret", 5, 100)
	qc := querycache.New(up, time.Minute, 100)

	memStore, err := semantic.NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	sem := semantic.New(fixedEmbedder{}, memStore, nil, 0.80, time.Hour, 500)

	eng := New(router.New(true), qc, up, nil, sem, nil)
	eng.SetLoop(agent.NewLoop(chat, eng.DataSource(), 25, time.Minute))
	return eng, queries
}

func TestAnswerInstantCountNeverCallsModel(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{assistantAnswer("unused")}}
	eng, queries := newTestEngine(t, chat)

	resp, err := eng.Answer(context.Background(), Request{Question: "How many researchers are in the database?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Tier != 1 {
		t.Errorf("tier = %d, want 1", resp.Tier)
	}
	if !strings.Contains(resp.Answer, "1,250") {
		t.Errorf("answer = %q", resp.Answer)
	}
	if chat.calls != 0 {
		t.Errorf("model called %d times on the instant path", chat.calls)
	}
	if len(*queries) != 1 || !strings.Contains((*queries)[0], "COUNT(*)") {
		t.Errorf("queries = %v", *queries)
	}
	if resp.ID == "" || resp.LatencyMS < 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAnswerFastTemplateWithEntities(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{assistantAnswer("unused")}}
	eng, queries := newTestEngine(t, chat)

	resp, err := eng.Answer(context.Background(), Request{Question: "Show me patents for Pfizer"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Tier != 2 {
		t.Errorf("tier = %d, want 2", resp.Tier)
	}
	if chat.calls != 0 {
		t.Errorf("model called on the fast path")
	}
	if !strings.Contains(resp.Answer, "Lipid nanoparticle formulation") {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Entities) != 1 || resp.Entities[0].Kind != "patent" || resp.Entities[0].ID != "pat-7" {
		t.Errorf("entities = %+v", resp.Entities)
	}
	if len(*queries) != 1 || !strings.Contains((*queries)[0], "pfizer") {
		t.Errorf("queries = %v", *queries)
	}
}

func TestAnswerAgentCrossDatabase(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		assistantToolCall("c1", "query_database",
			`{"database": "researchers", "query": "SELECT id, name, h_index FROM researchers LIMIT 25"}`),
		assistantToolCall("c2", "query_database",
			`{"database": "portfolio", "query": "SELECT id, name, therapeutic_area FROM companies LIMIT 25"}`),
		assistantAnswer("Maria Voss aligns with Oncora Bio's oncology focus."),
	}}
	eng, _ := newTestEngine(t, chat)

	resp, err := eng.Answer(context.Background(),
		Request{Question: "Find rising star researchers in oncology relevant to our portfolio"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Tier != 3 {
		t.Errorf("tier = %d, want 3", resp.Tier)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Database != "researchers" || resp.ToolCalls[1].Database != "portfolio" {
		t.Errorf("tool call databases = %s, %s", resp.ToolCalls[0].Database, resp.ToolCalls[1].Database)
	}
	if resp.Terminal != agent.ReasonAnswered {
		t.Errorf("terminal = %s", resp.Terminal)
	}

	// Both the researcher and the company are mentioned in the answer.
	kinds := make(map[string]bool)
	for _, e := range resp.Entities {
		kinds[e.Kind] = true
	}
	if !kinds["researcher"] || !kinds["company"] {
		t.Errorf("entities = %+v", resp.Entities)
	}
}

func TestAnswerSemanticCacheHit(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		assistantToolCall("c1", "query_database",
			`{"database": "researchers", "query": "SELECT id, name FROM researchers LIMIT 25"}`),
		assistantAnswer("Maria Voss compares favorably across both fields."),
	}}
	eng, _ := newTestEngine(t, chat)
	ctx := context.Background()
	question := "Compare researcher output between oncology and neurology"

	first, err := eng.Answer(ctx, Request{Question: question})
	if err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	if first.Cached {
		t.Fatal("first answer unexpectedly cached")
	}
	callsAfterFirst := chat.calls

	second, err := eng.Answer(ctx, Request{Question: question})
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected semantic cache hit")
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer = %q, want %q", second.Answer, first.Answer)
	}
	if chat.calls != callsAfterFirst {
		t.Errorf("model called again on a cache hit")
	}
	if len(second.ToolCalls) != 0 {
		t.Errorf("cached answer ran %d tool calls", len(second.ToolCalls))
	}
}

func TestAnswerSkipCacheBypassesSemanticCache(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		assistantAnswer("Fresh answer."),
	}}
	eng, _ := newTestEngine(t, chat)
	ctx := context.Background()
	question := "Compare grant funding between MIT and Stanford"

	if _, err := eng.Answer(ctx, Request{Question: question}); err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	callsAfterFirst := chat.calls

	resp, err := eng.Answer(ctx, Request{Question: question, SkipCache: true})
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}
	if resp.Cached {
		t.Error("skip_cache answer marked cached")
	}
	if chat.calls != callsAfterFirst+1 {
		t.Errorf("model calls = %d, want %d", chat.calls, callsAfterFirst+1)
	}
}

func TestAnswerHistoryForcesAgent(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		assistantAnswer("Follow-up answered."),
	}}
	eng, _ := newTestEngine(t, chat)

	resp, err := eng.Answer(context.Background(), Request{
		Question: "How many researchers are in the database?",
		History: []models.Turn{
			{Role: "user", Content: "Tell me about oncology research"},
			{Role: "assistant", Content: "Oncology research spans..."},
		},
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Tier != 3 {
		t.Errorf("tier = %d, want 3 for a follow-up", resp.Tier)
	}
	if chat.calls != 1 {
		t.Errorf("model calls = %d, want 1", chat.calls)
	}
}

func TestAnswerEmptyQuestion(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedChat{replies: []openai.ChatCompletionMessage{assistantAnswer("x")}})

	if _, err := eng.Answer(context.Background(), Request{Question: "   "}); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestAnswerTableListing(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{assistantAnswer("unused")}}
	eng, _ := newTestEngine(t, chat)

	resp, err := eng.Answer(context.Background(), Request{Question: "What tables are in the researchers database?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Tier != 1 {
		t.Errorf("tier = %d, want 1", resp.Tier)
	}
	if !strings.Contains(resp.Answer, "researchers") || !strings.Contains(resp.Answer, "papers") {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestInstantFailureFallsBackToAgent(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		assistantAnswer("Recovered by the agent."),
	}}

	queries := &[]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every SQL call fails; the instant path cannot serve.
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "gateway offline"})
	}))
	t.Cleanup(server.Close)

	urls := make(map[string]string, len(databaseNames))
	for _, name := range databaseNames {
		urls[name] = server.URL
	}
	up := upstream.NewClient(urls, "secret", 5, 100)
	qc := querycache.New(up, time.Minute, 100)
	eng := New(router.New(true), qc, up, nil, nil, nil)
	eng.SetLoop(agent.NewLoop(chat, eng.DataSource(), 25, time.Minute))
	_ = queries

	resp, err := eng.Answer(context.Background(), Request{Question: "How many patents are there?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Tier != 3 {
		t.Errorf("tier = %d, want 3 after fallback", resp.Tier)
	}
	if resp.Answer != "Recovered by the agent." {
		t.Errorf("answer = %q", resp.Answer)
	}
}
