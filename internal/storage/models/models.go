package models

import "time"

// Turn is one prior message in a conversation, oldest first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Entity is a linkable record surfaced by an answer: a researcher, patent,
// grant, bill, portfolio company, clinical trial, or SEC filing mentioned
// in the final text and backed by a tool-result row.
type Entity struct {
	Kind string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Meta string `json:"meta,omitempty"`
}

// ToolCall is one executed step of an agent run.
type ToolCall struct {
	Tool          string                   `json:"tool"`
	Input         map[string]interface{}   `json:"input"`
	Database      string                   `json:"database,omitempty"`
	Rows          []map[string]interface{} `json:"-"`
	ResultPreview string                   `json:"result_preview"`
	Error         string                   `json:"error,omitempty"`
	LatencyMS     int                      `json:"latency_ms"`
}

type QuestionRecord struct {
	ID        string
	Question  string
	Answer    string
	Tier      int
	Cached    bool
	TurnsUsed int
	LatencyMS int
	CreatedAt time.Time
}

// CachedAnswer is one semantic-cache entry: a previously answered question
// with its embedding fingerprint.
type CachedAnswer struct {
	ID        string
	Question  string
	Answer    string
	Entities  []Entity
	Embedding []float32
	CreatedAt time.Time
}

type Insight struct {
	ID         int
	QuestionID string
	Text       string
	CreatedAt  time.Time
}
