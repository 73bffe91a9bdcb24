package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/metrics"
	"github.com/neo-agent/backend/pkg/logger"
	"github.com/neo-agent/backend/pkg/retry"
)

// Client talks to the per-database SQL gateway services. Each logical
// database is an independent HTTP service exposing read-only SQL.
type Client struct {
	urls       map[string]string
	secret     string
	maxRows    int
	httpClient *http.Client
	retryCfg   retry.Config
}

// Result is one query's rows as returned by a gateway.
type Result struct {
	Columns  []string                 `json:"columns"`
	Rows     []map[string]interface{} `json:"rows"`
	RowCount int                      `json:"row_count"`
}

type TableInfo struct {
	Name string `json:"name"`
}

type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func NewClient(urls map[string]string, secret string, timeoutSec, maxRows int) *Client {
	if timeoutSec == 0 {
		timeoutSec = 90
	}
	if maxRows == 0 {
		maxRows = 500
	}

	return &Client{
		urls:    urls,
		secret:  secret,
		maxRows: maxRows,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
		retryCfg: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.1,
			Retryable:    Retryable,
			Logger:       logger.GetLogger(),
		},
	}
}

// Databases returns the configured logical database names, sorted.
func (c *Client) Databases() []string {
	names := make([]string, 0, len(c.urls))
	for name := range c.urls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) baseURL(database string) (string, error) {
	base, ok := c.urls[database]
	if !ok {
		return "", &QueryError{
			Kind:     KindMalformedQuery,
			Database: database,
			Detail:   fmt.Sprintf("unknown database %q, valid: %s", database, strings.Join(c.Databases(), ", ")),
		}
	}
	return base, nil
}

// Execute runs a read-only query against a gateway. A LIMIT is injected
// when the query text lacks one; the upstream tables run to 392K rows.
func (c *Client) Execute(ctx context.Context, database, query string) (*Result, error) {
	base, err := c.baseURL(database)
	if err != nil {
		return nil, err
	}

	query = EnsureLimit(query, c.maxRows)

	body, err := json.Marshal(map[string]string{
		"query":  query,
		"secret": c.secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query request: %w", err)
	}

	start := time.Now()

	result, err := retry.DoWithResult(ctx, c.retryCfg, func() (*Result, error) {
		return c.postQuery(ctx, database, base+"/api/sql", body)
	})
	metrics.UpstreamLatency.WithLabelValues(database).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(database, string(KindOf(err))).Inc()
		return nil, err
	}

	logger.Debug("Upstream query executed",
		zap.String("database", database),
		zap.Int("rows", result.RowCount),
		zap.Duration("latency", time.Since(start)),
	)

	return result, nil
}

func (c *Client) postQuery(ctx context.Context, database, url string, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(database, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(database, resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &QueryError{
			Kind:     KindUnavailable,
			Database: database,
			Detail:   fmt.Sprintf("invalid response body: %v", err),
		}
	}

	if result.RowCount == 0 {
		result.RowCount = len(result.Rows)
	}

	return &result, nil
}

// ListTables enumerates tables in a database.
func (c *Client) ListTables(ctx context.Context, database string) ([]TableInfo, error) {
	base, err := c.baseURL(database)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Tables []string `json:"tables"`
	}
	if err := c.getJSON(ctx, database, base+"/api/sql/tables", &payload); err != nil {
		return nil, err
	}

	tables := make([]TableInfo, 0, len(payload.Tables))
	for _, name := range payload.Tables {
		tables = append(tables, TableInfo{Name: name})
	}
	return tables, nil
}

// DescribeTable returns column metadata for one table.
func (c *Client) DescribeTable(ctx context.Context, database, table string) ([]ColumnInfo, error) {
	base, err := c.baseURL(database)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Columns []ColumnInfo `json:"columns"`
	}
	if err := c.getJSON(ctx, database, base+"/api/sql/schema/"+table, &payload); err != nil {
		return nil, err
	}

	return payload.Columns, nil
}

func (c *Client) getJSON(ctx context.Context, database, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(database, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatusError(database, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &QueryError{
			Kind:     KindUnavailable,
			Database: database,
			Detail:   fmt.Sprintf("invalid response body: %v", err),
		}
	}

	return nil
}

// DatabaseStats describes one gateway's availability and table sizes.
// A count of -1 marks a table whose COUNT query failed.
type DatabaseStats struct {
	Available bool             `json:"available"`
	Error     string           `json:"error,omitempty"`
	Tables    map[string]int64 `json:"tables,omitempty"`
}

// Stats surveys every configured gateway: table list plus per-table row
// counts. Unreachable gateways are reported, not fatal.
func (c *Client) Stats(ctx context.Context) map[string]DatabaseStats {
	stats := make(map[string]DatabaseStats, len(c.urls))
	for _, database := range c.Databases() {
		tables, err := c.ListTables(ctx, database)
		if err != nil {
			stats[database] = DatabaseStats{Error: err.Error()}
			continue
		}

		counts := make(map[string]int64, len(tables))
		for _, table := range tables {
			result, err := c.Execute(ctx, database, fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s", table.Name))
			if err != nil || len(result.Rows) == 0 {
				counts[table.Name] = -1
				continue
			}
			counts[table.Name] = countValue(result.Rows[0]["cnt"])
		}
		stats[database] = DatabaseStats{Available: true, Tables: counts}
	}
	return stats
}

func countValue(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return -1
	}
}

func classifyTransportError(database string, err error) error {
	kind := KindUnavailable
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}

	return &QueryError{
		Kind:     kind,
		Database: database,
		Detail:   err.Error(),
	}
}

func classifyStatusError(database string, resp *http.Response) error {
	detail := resp.Status
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var payload struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			if payload.Detail != "" {
				detail = payload.Detail
			} else if payload.Error != "" {
				detail = payload.Error
			}
		}
	}

	kind := KindUnavailable
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		kind = KindMalformedQuery
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		kind = KindTimeout
	}

	return &QueryError{
		Kind:     kind,
		Database: database,
		Detail:   detail,
	}
}

// EnsureLimit appends a LIMIT clause when the query has none.
func EnsureLimit(query string, maxRows int) string {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if strings.Contains(strings.ToUpper(trimmed), "LIMIT") {
		return trimmed
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, maxRows)
}
