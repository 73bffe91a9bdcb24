package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS question_history (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		answer TEXT,
		tier INTEGER NOT NULL,
		cached INTEGER NOT NULL DEFAULT 0,
		turns_used INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_created ON question_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_tier ON question_history(tier);

	CREATE TABLE IF NOT EXISTS question_tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id TEXT NOT NULL,
		call_index INTEGER NOT NULL,
		tool TEXT NOT NULL,
		input TEXT,
		database_name TEXT,
		result_preview TEXT,
		error TEXT,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (question_id) REFERENCES question_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_question ON question_tool_calls(question_id);

	CREATE TABLE IF NOT EXISTS insights (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id TEXT,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (question_id) REFERENCES question_history(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS semantic_cache (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		entities TEXT,
		embedding BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_created ON semantic_cache(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertQuestionRecord(rec *models.QuestionRecord) error {
	_, err := c.db.Exec(`
		INSERT INTO question_history (id, question, answer, tier, cached, turns_used, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Question, rec.Answer, rec.Tier, boolToInt(rec.Cached),
		rec.TurnsUsed, rec.LatencyMS, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert question record: %w", err)
	}
	return nil
}

func (c *Client) InsertToolCalls(questionID string, calls []models.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO question_tool_calls (question_id, call_index, tool, input, database_name, result_preview, error, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, call := range calls {
		input, _ := json.Marshal(call.Input)
		if _, err := stmt.Exec(questionID, i, call.Tool, string(input),
			call.Database, call.ResultPreview, call.Error, call.LatencyMS); err != nil {
			return fmt.Errorf("failed to insert tool call: %w", err)
		}
	}

	return tx.Commit()
}

func (c *Client) GetHistory(limit int) ([]models.QuestionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.Query(`
		SELECT id, question, answer, tier, cached, turns_used, latency_ms, created_at
		FROM question_history
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []models.QuestionRecord
	for rows.Next() {
		var rec models.QuestionRecord
		var cached int
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Question, &rec.Answer, &rec.Tier,
			&cached, &rec.TurnsUsed, &rec.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Cached = cached != 0
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (c *Client) GetToolCalls(questionID string) ([]models.ToolCall, error) {
	rows, err := c.db.Query(`
		SELECT tool, input, database_name, result_preview, error, latency_ms
		FROM question_tool_calls
		WHERE question_id = ?
		ORDER BY call_index`, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ToolCall
	for rows.Next() {
		var call models.ToolCall
		var input string
		if err := rows.Scan(&call.Tool, &input, &call.Database,
			&call.ResultPreview, &call.Error, &call.LatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan tool call row: %w", err)
		}
		if input != "" {
			_ = json.Unmarshal([]byte(input), &call.Input)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (c *Client) InsertInsight(questionID, text string) error {
	_, err := c.db.Exec(`
		INSERT INTO insights (question_id, text, created_at)
		VALUES (?, ?, ?)`, nullable(questionID), text, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

func (c *Client) GetInsights(limit int) ([]models.Insight, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.Query(`
		SELECT id, COALESCE(question_id, ''), text, created_at
		FROM insights
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []models.Insight
	for rows.Next() {
		var ins models.Insight
		var createdAt int64
		if err := rows.Scan(&ins.ID, &ins.QuestionID, &ins.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan insight row: %w", err)
		}
		ins.CreatedAt = time.Unix(createdAt, 0)
		insights = append(insights, ins)
	}
	return insights, rows.Err()
}

// UpsertCachedAnswer persists one semantic-cache entry so the in-memory
// store survives restarts.
func (c *Client) UpsertCachedAnswer(entry *models.CachedAnswer) error {
	entities, _ := json.Marshal(entry.Entities)
	embedding := encodeEmbedding(entry.Embedding)

	_, err := c.db.Exec(`
		INSERT INTO semantic_cache (id, question, answer, entities, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			answer = excluded.answer,
			entities = excluded.entities,
			embedding = excluded.embedding,
			created_at = excluded.created_at`,
		entry.ID, entry.Question, entry.Answer, string(entities), embedding, entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert cached answer: %w", err)
	}
	return nil
}

func (c *Client) LoadCachedAnswers() ([]models.CachedAnswer, error) {
	rows, err := c.db.Query(`
		SELECT id, question, answer, COALESCE(entities, ''), embedding, created_at
		FROM semantic_cache
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic cache: %w", err)
	}
	defer rows.Close()

	var entries []models.CachedAnswer
	for rows.Next() {
		var entry models.CachedAnswer
		var entities string
		var embedding []byte
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.Question, &entry.Answer,
			&entities, &embedding, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached answer row: %w", err)
		}
		if entities != "" {
			_ = json.Unmarshal([]byte(entities), &entry.Entities)
		}
		entry.Embedding = decodeEmbedding(embedding)
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (c *Client) DeleteCachedAnswers(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM semantic_cache WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to delete cached answer: %w", err)
		}
	}

	return tx.Commit()
}

func (c *Client) CountQuestions() (int, error) {
	var count int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM question_history`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count questions: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
