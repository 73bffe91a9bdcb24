package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/neo-agent/backend/internal/storage/models"
)

// LinkTarget describes how rows from one logical database become
// linkable entities: the kind label and the detail-page URL prefix.
type LinkTarget struct {
	Kind    string
	BaseURL string
}

// DefaultLinkTargets covers the known logical databases. market_data
// rows link out to ClinicalTrials.gov by NCT id rather than a hosted
// service.
var DefaultLinkTargets = map[string]LinkTarget{
	"researchers": {"researcher", "https://kdttalentscout.up.railway.app/researcher"},
	"patents":     {"patent", "https://patentwarrior.up.railway.app/patent"},
	"grants":      {"grant", "https://grants-tracker-production.up.railway.app/grant"},
	"policies":    {"policy", "https://policywatch.up.railway.app/bill"},
	"portfolio":   {"company", "https://web-production-a9d068.up.railway.app/company"},
	"market_data": {"clinical_trial", "https://clinicaltrials.gov/study"},
	"sec":         {"filing", "https://secsentinel.up.railway.app/filing"},
}

// idColumns lists accepted identifier columns per database, most
// specific first. A row with none of them cannot be linked.
var idColumns = map[string][]string{
	"researchers": {"id"},
	"patents":     {"id", "patent_id"},
	"grants":      {"id", "grant_id"},
	"policies":    {"id", "bill_id"},
	"portfolio":   {"id", "company_id"},
	"market_data": {"nct_id", "id"},
	"sec":         {"id", "filing_id"},
}

type candidate struct {
	entity   models.Entity
	position int
}

// ExtractEntities links records mentioned in an answer back to the tool
// result rows they came from. A row is a match when its identifier or
// display name appears in the answer text; matches are deduplicated by
// (kind, id) and ordered by first mention.
func ExtractEntities(answer string, calls []models.ToolCall, targets map[string]LinkTarget) []models.Entity {
	if answer == "" || len(calls) == 0 {
		return nil
	}
	if targets == nil {
		targets = DefaultLinkTargets
	}

	lowerAnswer := strings.ToLower(answer)
	seen := make(map[string]bool)
	var candidates []candidate

	for _, call := range calls {
		target, ok := targets[call.Database]
		if !ok {
			continue
		}
		for _, row := range call.Rows {
			id := rowID(call.Database, row)
			if id == "" {
				continue
			}

			key := target.Kind + ":" + id
			if seen[key] {
				continue
			}

			name := rowName(row)
			position := mentionPosition(lowerAnswer, id, name)
			if position < 0 {
				continue
			}

			seen[key] = true
			candidates = append(candidates, candidate{
				entity: models.Entity{
					Kind: target.Kind,
					ID:   id,
					Name: displayName(name, id),
					URL:  target.BaseURL + "/" + id,
					Meta: rowMeta(call.Database, row),
				},
				position: position,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].position < candidates[j].position
	})

	entities := make([]models.Entity, len(candidates))
	for i, c := range candidates {
		entities[i] = c.entity
	}
	return entities
}

func rowID(database string, row map[string]interface{}) string {
	columns, ok := idColumns[database]
	if !ok {
		columns = []string{"id"}
	}
	for _, col := range columns {
		if v, ok := row[col]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func rowName(row map[string]interface{}) string {
	for _, col := range []string{"name", "title", "brief_title"} {
		if v, ok := row[col]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func rowMeta(database string, row map[string]interface{}) string {
	switch database {
	case "researchers":
		if v, ok := row["h_index"]; ok {
			return "h-index: " + stringify(v)
		}
	case "patents":
		return stringify(row["patent_number"])
	case "grants":
		if v, ok := row["total_cost"]; ok {
			if f, ok := v.(float64); ok && f > 0 {
				return fmt.Sprintf("$%.0f", f)
			}
		}
	case "policies":
		return stringify(row["status"])
	case "portfolio":
		return stringify(row["modality"])
	case "market_data":
		status := stringify(row["status"])
		phase := stringify(row["phase"])
		if status != "" || phase != "" {
			return status + " | " + phase
		}
	case "sec":
		return stringify(row["form_type"])
	}
	return ""
}

// mentionPosition returns the earliest index in the answer where the
// row's id or name appears, or -1 when neither does. Name matching asks
// for at least a few characters so one-letter names cannot match noise.
func mentionPosition(lowerAnswer, id, name string) int {
	position := -1

	if len(id) >= 3 {
		if idx := strings.Index(lowerAnswer, strings.ToLower(id)); idx >= 0 {
			position = idx
		}
	}
	if len(name) >= 4 {
		if idx := strings.Index(lowerAnswer, strings.ToLower(name)); idx >= 0 {
			if position < 0 || idx < position {
				position = idx
			}
		}
	}
	return position
}

func displayName(name, id string) string {
	if name == "" {
		return id
	}
	if len(name) > 60 {
		return name[:60] + "..."
	}
	return name
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// EntitiesFromRows links the first rows of a single query result without
// requiring answer-text mentions. Tier 2 answers are rendered straight
// from these rows, so every linkable row is an entity.
func EntitiesFromRows(database string, rows []map[string]interface{}, targets map[string]LinkTarget) []models.Entity {
	if targets == nil {
		targets = DefaultLinkTargets
	}
	target, ok := targets[database]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var entities []models.Entity
	for _, row := range rows {
		if len(entities) >= 10 {
			break
		}
		id := rowID(database, row)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		entities = append(entities, models.Entity{
			Kind: target.Kind,
			ID:   id,
			Name: displayName(rowName(row), id),
			URL:  target.BaseURL + "/" + id,
			Meta: rowMeta(database, row),
		})
	}
	return entities
}
