package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/neo-agent/backend/internal/storage/models"
)

func newTestDB(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.InitSchema(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return client
}

func TestQuestionRecordRoundTrip(t *testing.T) {
	db := newTestDB(t)

	rec := &models.QuestionRecord{
		ID:        "q-1",
		Question:  "How many researchers?",
		Answer:    "1,250",
		Tier:      1,
		Cached:    false,
		TurnsUsed: 0,
		LatencyMS: 42,
		CreatedAt: time.Now(),
	}
	if err := db.InsertQuestionRecord(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	history, err := db.GetHistory(10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history len = %d", len(history))
	}
	got := history[0]
	if got.ID != "q-1" || got.Question != rec.Question || got.Answer != rec.Answer {
		t.Errorf("got %+v", got)
	}
	if got.Tier != 1 || got.Cached || got.LatencyMS != 42 {
		t.Errorf("got %+v", got)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	db := newTestDB(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		rec := &models.QuestionRecord{
			ID: id, Question: id, Tier: 3,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.InsertQuestionRecord(rec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	history, err := db.GetHistory(2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != "new" || history[1].ID != "mid" {
		t.Errorf("history = %+v", history)
	}
}

func TestToolCallsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	rec := &models.QuestionRecord{ID: "q-1", Question: "q", Tier: 3, CreatedAt: time.Now()}
	if err := db.InsertQuestionRecord(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	calls := []models.ToolCall{
		{
			Tool:          "query_database",
			Input:         map[string]interface{}{"database": "grants", "query": "SELECT 1"},
			Database:      "grants",
			ResultPreview: `{"row_count": 1}`,
			LatencyMS:     12,
		},
		{
			Tool:     "query_database",
			Database: "patents",
			Error:    "no such table",
		},
	}
	if err := db.InsertToolCalls("q-1", calls); err != nil {
		t.Fatalf("insert calls: %v", err)
	}

	got, err := db.GetToolCalls("q-1")
	if err != nil {
		t.Fatalf("get calls: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("calls len = %d", len(got))
	}
	if got[0].Database != "grants" || got[1].Database != "patents" {
		t.Errorf("order lost: %+v", got)
	}
	if got[0].Input["query"] != "SELECT 1" {
		t.Errorf("input = %v", got[0].Input)
	}
	if got[1].Error != "no such table" {
		t.Errorf("error = %q", got[1].Error)
	}
}

func TestInsertToolCallsEmptyIsNoop(t *testing.T) {
	db := newTestDB(t)
	if err := db.InsertToolCalls("missing-question", nil); err != nil {
		t.Fatalf("empty insert: %v", err)
	}
}

func TestInsightsWithAndWithoutQuestion(t *testing.T) {
	db := newTestDB(t)

	rec := &models.QuestionRecord{ID: "q-1", Question: "q", Tier: 3, CreatedAt: time.Now()}
	if err := db.InsertQuestionRecord(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.InsertInsight("q-1", "linked insight"); err != nil {
		t.Fatalf("insight: %v", err)
	}
	if err := db.InsertInsight("", "standalone insight"); err != nil {
		t.Fatalf("standalone insight: %v", err)
	}

	insights, err := db.GetInsights(10)
	if err != nil {
		t.Fatalf("get insights: %v", err)
	}
	if len(insights) != 2 {
		t.Fatalf("insights len = %d", len(insights))
	}
	texts := map[string]string{}
	for _, ins := range insights {
		texts[ins.Text] = ins.QuestionID
	}
	if texts["linked insight"] != "q-1" {
		t.Errorf("linked insight question = %q", texts["linked insight"])
	}
	if texts["standalone insight"] != "" {
		t.Errorf("standalone insight question = %q", texts["standalone insight"])
	}
}

func TestCachedAnswerRoundTrip(t *testing.T) {
	db := newTestDB(t)

	entry := &models.CachedAnswer{
		ID:       "hash-1",
		Question: "rising stars in oncology",
		Answer:   "Here they are.",
		Entities: []models.Entity{
			{Kind: "researcher", ID: "res-1", Name: "Alice Zhang", URL: "https://example.test/researcher/res-1"},
		},
		Embedding: []float32{0.25, -1.5, 3},
		CreatedAt: time.Now().Truncate(time.Second),
	}
	if err := db.UpsertCachedAnswer(entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Upsert with the same id replaces, never duplicates.
	entry.Answer = "Updated answer."
	if err := db.UpsertCachedAnswer(entry); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	loaded, err := db.LoadCachedAnswers()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded len = %d", len(loaded))
	}
	got := loaded[0]
	if got.Answer != "Updated answer." {
		t.Errorf("answer = %q", got.Answer)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -1.5 {
		t.Errorf("embedding = %v", got.Embedding)
	}
	if len(got.Entities) != 1 || got.Entities[0].ID != "res-1" {
		t.Errorf("entities = %+v", got.Entities)
	}
	if !got.CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, entry.CreatedAt)
	}
}

func TestDeleteCachedAnswers(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"a", "b", "c"} {
		entry := &models.CachedAnswer{ID: id, Question: id, Answer: id, CreatedAt: time.Now()}
		if err := db.UpsertCachedAnswer(entry); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	if err := db.DeleteCachedAnswers([]string{"a", "c"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	loaded, err := db.LoadCachedAnswers()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "b" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestCountQuestions(t *testing.T) {
	db := newTestDB(t)

	count, err := db.CountQuestions()
	if err != nil || count != 0 {
		t.Fatalf("count = %d, err = %v", count, err)
	}

	rec := &models.QuestionRecord{ID: "q-1", Question: "q", Tier: 1, CreatedAt: time.Now()}
	if err := db.InsertQuestionRecord(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	count, err = db.CountQuestions()
	if err != nil || count != 1 {
		t.Fatalf("count = %d, err = %v", count, err)
	}
}
