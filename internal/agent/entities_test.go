package agent

import (
	"testing"

	"github.com/neo-agent/backend/internal/storage/models"
)

func researcherCall(rows []map[string]interface{}) models.ToolCall {
	return models.ToolCall{Tool: toolQueryDatabase, Database: "researchers", Rows: rows}
}

func TestExtractEntitiesOrdersByFirstMention(t *testing.T) {
	calls := []models.ToolCall{researcherCall([]map[string]interface{}{
		{"id": "res-100", "name": "Alice Zhang", "h_index": float64(42)},
		{"id": "res-200", "name": "Bob Kumar", "h_index": float64(31)},
	})}
	answer := "Bob Kumar has published widely, though Alice Zhang leads on citations."

	entities := ExtractEntities(answer, calls, nil)
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(entities))
	}
	if entities[0].Name != "Bob Kumar" || entities[1].Name != "Alice Zhang" {
		t.Errorf("order = [%s, %s], want mention order", entities[0].Name, entities[1].Name)
	}
	if entities[0].Kind != "researcher" {
		t.Errorf("kind = %s", entities[0].Kind)
	}
	if entities[1].Meta != "h-index: 42" {
		t.Errorf("meta = %q", entities[1].Meta)
	}
	if entities[0].URL != "https://kdttalentscout.up.railway.app/researcher/res-200" {
		t.Errorf("url = %s", entities[0].URL)
	}
}

func TestExtractEntitiesSkipsUnmentionedRows(t *testing.T) {
	calls := []models.ToolCall{researcherCall([]map[string]interface{}{
		{"id": "res-100", "name": "Alice Zhang"},
		{"id": "res-200", "name": "Bob Kumar"},
	})}

	entities := ExtractEntities("Only Alice Zhang is relevant here.", calls, nil)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	if entities[0].ID != "res-100" {
		t.Errorf("id = %s", entities[0].ID)
	}
}

func TestExtractEntitiesDeduplicatesAcrossCalls(t *testing.T) {
	row := map[string]interface{}{"id": "res-100", "name": "Alice Zhang"}
	calls := []models.ToolCall{
		researcherCall([]map[string]interface{}{row}),
		researcherCall([]map[string]interface{}{row}),
	}

	entities := ExtractEntities("Alice Zhang appears twice in the results.", calls, nil)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1 after dedupe", len(entities))
	}
}

func TestExtractEntitiesRowWithoutIDExcluded(t *testing.T) {
	calls := []models.ToolCall{researcherCall([]map[string]interface{}{
		{"name": "Alice Zhang"},
	})}

	if got := ExtractEntities("Alice Zhang is mentioned.", calls, nil); len(got) != 0 {
		t.Errorf("got %d entities, want 0 for unlinkable row", len(got))
	}
}

func TestExtractEntitiesTrialUsesNctID(t *testing.T) {
	calls := []models.ToolCall{{
		Tool:     toolQueryDatabase,
		Database: "market_data",
		Rows: []map[string]interface{}{
			{"nct_id": "NCT01234567", "brief_title": "A Phase 3 Study", "status": "RECRUITING", "phase": "PHASE3"},
		},
	}}

	entities := ExtractEntities("See NCT01234567 for details.", calls, nil)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	e := entities[0]
	if e.Kind != "clinical_trial" || e.ID != "NCT01234567" {
		t.Errorf("entity = %+v", e)
	}
	if e.URL != "https://clinicaltrials.gov/study/NCT01234567" {
		t.Errorf("url = %s", e.URL)
	}
	if e.Meta != "RECRUITING | PHASE3" {
		t.Errorf("meta = %q", e.Meta)
	}
}

func TestExtractEntitiesEmptyInputs(t *testing.T) {
	if got := ExtractEntities("", []models.ToolCall{researcherCall(nil)}, nil); got != nil {
		t.Errorf("empty answer: got %v", got)
	}
	if got := ExtractEntities("answer", nil, nil); got != nil {
		t.Errorf("no calls: got %v", got)
	}
}

func TestExtractEntitiesDeterministic(t *testing.T) {
	calls := []models.ToolCall{researcherCall([]map[string]interface{}{
		{"id": "res-1", "name": "Alice Zhang"},
		{"id": "res-2", "name": "Bob Kumar"},
		{"id": "res-3", "name": "Carol Singh"},
	})}
	answer := "Alice Zhang, Bob Kumar, and Carol Singh all qualify."

	first := ExtractEntities(answer, calls, nil)
	for i := 0; i < 20; i++ {
		again := ExtractEntities(answer, calls, nil)
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed", i)
		}
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order changed at %d", i, j)
			}
		}
	}
}

func TestEntitiesFromRowsLinksFirstTen(t *testing.T) {
	rows := make([]map[string]interface{}, 0, 15)
	for i := 0; i < 15; i++ {
		rows = append(rows, map[string]interface{}{
			"id":   "res-" + string(rune('a'+i)),
			"name": "Researcher " + string(rune('A'+i)),
		})
	}

	entities := EntitiesFromRows("researchers", rows, nil)
	if len(entities) != 10 {
		t.Fatalf("got %d entities, want 10", len(entities))
	}
	if entities[0].ID != "res-a" || entities[9].ID != "res-j" {
		t.Errorf("bounds = %s..%s", entities[0].ID, entities[9].ID)
	}
}

func TestEntitiesFromRowsUnknownDatabase(t *testing.T) {
	rows := []map[string]interface{}{{"id": "x-1", "name": "whatever"}}
	if got := EntitiesFromRows("unknown_db", rows, nil); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestEntitiesFromRowsLongNameTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "verylongname"
	}
	rows := []map[string]interface{}{{"id": "g-1", "title": long}}

	entities := EntitiesFromRows("grants", rows, nil)
	if len(entities) != 1 {
		t.Fatalf("got %d entities", len(entities))
	}
	if len(entities[0].Name) != 63 {
		t.Errorf("name length = %d, want 63 (60 + ellipsis)", len(entities[0].Name))
	}
}
