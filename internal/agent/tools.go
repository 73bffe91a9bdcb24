package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/neo-agent/backend/internal/storage/models"
	"github.com/neo-agent/backend/internal/upstream"
)

// DataSource is everything the tool layer needs from the query path:
// cached query execution plus schema discovery.
type DataSource interface {
	Databases() []string
	Execute(ctx context.Context, database, query string) (*upstream.Result, error)
	ListTables(ctx context.Context, database string) ([]upstream.TableInfo, error)
	DescribeTable(ctx context.Context, database, table string) ([]upstream.ColumnInfo, error)
}

// Tool names form a closed set; dispatch is a switch, not reflection.
const (
	toolQueryDatabase = "query_database"
	toolListTables    = "list_tables"
	toolDescribeTable = "describe_table"
	toolAppendInsight = "append_insight"
)

const previewLimit = 500

// toolStatusMessages are the human-readable progress strings streamed to
// the client, one per tool execution.
var toolStatusMessages = map[string]string{
	toolQueryDatabase: "Querying %s database...",
	toolListTables:    "Exploring %s database schema...",
	toolDescribeTable: "Examining table structure in %s...",
	toolAppendInsight: "Recording insight...",
}

func statusFor(name, database string) string {
	format, ok := toolStatusMessages[name]
	if !ok {
		return "Working..."
	}
	if database == "" {
		return format
	}
	return fmt.Sprintf(format, database)
}

// toolkit executes tool requests for one agent run. Insights accumulate
// across calls within the run.
type toolkit struct {
	source   DataSource
	insights []string
}

func newToolkit(source DataSource) *toolkit {
	return &toolkit{source: source}
}

// definitions builds the tool schemas advertised to the model. The
// database parameter enumerates the configured logical databases so the
// model cannot name one that does not exist.
func (t *toolkit) definitions() []openai.Tool {
	databases := t.source.Databases()

	databaseProp := jsonschema.Definition{
		Type:        jsonschema.String,
		Description: "Logical database to target",
		Enum:        databases,
	}

	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolQueryDatabase,
				Description: "Execute a read-only SQL query against one logical database. Always SELECT an id column for entity linking and include a LIMIT.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"database": databaseProp,
						"query": {
							Type:        jsonschema.String,
							Description: "SQL SELECT statement",
						},
					},
					Required: []string{"database", "query"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolListTables,
				Description: "List the tables available in a logical database.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"database": databaseProp,
					},
					Required: []string{"database"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolDescribeTable,
				Description: "Get the column names and types of one table.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"database": databaseProp,
						"table": {
							Type:        jsonschema.String,
							Description: "Table name",
						},
					},
					Required: []string{"database", "table"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolAppendInsight,
				Description: "Record a key finding worth surfacing alongside the final answer.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"insight": {
							Type:        jsonschema.String,
							Description: "One-sentence finding",
						},
					},
					Required: []string{"insight"},
				},
			},
		},
	}
}

// dispatch runs one tool request. Failures come back as the content
// string (fed to the model as a tool error), never as a Go error: a bad
// query is the model's problem to correct, not the loop's.
func (t *toolkit) dispatch(ctx context.Context, name, rawArgs string) (string, models.ToolCall) {
	started := time.Now()

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		args = map[string]interface{}{}
	}
	database, _ := args["database"].(string)

	call := models.ToolCall{
		Tool:     name,
		Input:    args,
		Database: database,
	}

	content := t.execute(ctx, name, args, &call)

	call.LatencyMS = int(time.Since(started).Milliseconds())
	call.ResultPreview = truncate(content, previewLimit)
	return content, call
}

func (t *toolkit) execute(ctx context.Context, name string, args map[string]interface{}, call *models.ToolCall) string {
	switch name {
	case toolQueryDatabase:
		database, _ := args["database"].(string)
		query, _ := args["query"].(string)
		result, err := t.source.Execute(ctx, database, query)
		if err != nil {
			call.Error = err.Error()
			return errorJSON(err)
		}
		call.Rows = result.Rows
		return rowsJSON(result)

	case toolListTables:
		database, _ := args["database"].(string)
		tables, err := t.source.ListTables(ctx, database)
		if err != nil {
			call.Error = err.Error()
			return errorJSON(err)
		}
		encoded, _ := json.Marshal(map[string]interface{}{"tables": tables})
		return string(encoded)

	case toolDescribeTable:
		database, _ := args["database"].(string)
		table, _ := args["table"].(string)
		columns, err := t.source.DescribeTable(ctx, database, table)
		if err != nil {
			call.Error = err.Error()
			return errorJSON(err)
		}
		encoded, _ := json.Marshal(map[string]interface{}{"table": table, "columns": columns})
		return string(encoded)

	case toolAppendInsight:
		insight, _ := args["insight"].(string)
		if insight != "" {
			t.insights = append(t.insights, insight)
		}
		encoded, _ := json.Marshal(map[string]interface{}{
			"status":         "insight recorded",
			"total_insights": len(t.insights),
		})
		return string(encoded)

	default:
		call.Error = "unknown tool"
		return fmt.Sprintf(`{"error": "unknown tool: %s"}`, name)
	}
}

func rowsJSON(result *upstream.Result) string {
	encoded, err := json.Marshal(map[string]interface{}{
		"columns":   result.Columns,
		"rows":      result.Rows,
		"row_count": result.RowCount,
	})
	if err != nil {
		return errorJSON(err)
	}
	return string(encoded)
}

func errorJSON(err error) string {
	encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(encoded)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
