package engine

import (
	"fmt"
	"strings"

	"github.com/neo-agent/backend/internal/upstream"
)

// formatInstant renders a tier 1 result: a single scalar formatted
// plainly, or a markdown table for grouped aggregates.
func formatInstant(result *upstream.Result) string {
	if len(result.Rows) == 1 && len(result.Columns) == 1 {
		col := result.Columns[0]
		return formatValue(col, result.Rows[0][col])
	}
	return markdownTable(result.Columns, result.Rows, 15)
}

// formatRows renders tier 2 rows with a per-database column selection,
// mirroring what each template SELECTs.
func formatRows(database string, rows []map[string]interface{}) string {
	if len(rows) == 0 {
		return "No results found."
	}

	switch database {
	case "researchers":
		return markdownTable([]string{"name", "h_index", "slope", "primary_category"}, rows, 10)
	case "patents":
		return markdownTable([]string{"title", "patent_number", "filing_date"}, rows, 10)
	case "grants":
		return markdownTable([]string{"title", "total_cost", "institute"}, rows, 10)
	case "market_data":
		if _, ok := rows[0]["trial_count"]; ok {
			return markdownTable([]string{"sponsor", "trial_count", "recruiting"}, rows, 10)
		}
		return markdownTable([]string{"title", "status", "phase", "sponsor"}, rows, 10)
	case "portfolio":
		r := rows[0]
		return fmt.Sprintf("**%s**\n- Modality: %s\n- Advantage: %s\n- Indications: %s",
			cellValue("name", r["name"]),
			cellValue("modality", r["modality"]),
			cellValue("competitive_advantage", r["competitive_advantage"]),
			cellValue("indications", r["indications"]))
	default:
		var columns []string
		for col := range rows[0] {
			columns = append(columns, col)
		}
		return markdownTable(columns, rows, 10)
	}
}

func markdownTable(columns []string, rows []map[string]interface{}, maxRows int) string {
	var b strings.Builder

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = titleCase(col)
	}
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")

	separators := make([]string, len(columns))
	for i := range separators {
		separators[i] = "---"
	}
	b.WriteString("|" + strings.Join(separators, "|") + "|\n")

	for i, row := range rows {
		if i >= maxRows {
			break
		}
		cells := make([]string, len(columns))
		for j, col := range columns {
			cells[j] = cellValue(col, row[col])
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func cellValue(column string, v interface{}) string {
	s := formatValue(column, v)
	if len(s) > 40 {
		return s[:40]
	}
	return s
}

func formatValue(column string, v interface{}) string {
	isMoney := strings.Contains(column, "funding") || strings.Contains(column, "cost")

	switch t := v.(type) {
	case nil:
		return "?"
	case float64:
		if isMoney {
			return fmt.Sprintf("$%s", groupDigits(int64(t)))
		}
		if t == float64(int64(t)) {
			return groupDigits(int64(t))
		}
		return fmt.Sprintf("%.1f", t)
	case string:
		if t == "" {
			return "?"
		}
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func titleCase(column string) string {
	words := strings.Split(strings.ReplaceAll(column, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// groupDigits renders 1234567 as "1,234,567".
func groupDigits(n int64) string {
	s := fmt.Sprintf("%d", n)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if negative {
		return "-" + b.String()
	}
	return b.String()
}
