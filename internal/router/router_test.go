package router

import (
	"strings"
	"testing"

	"github.com/neo-agent/backend/internal/storage/models"
)

func TestClassifyInstant(t *testing.T) {
	r := New(true)

	tests := []struct {
		question  string
		patternID string
		database  string
	}{
		{"How many researchers are in the database?", "count_researchers", "researchers"},
		{"How many patents?", "count_patents", "patents"},
		{"What's the total grant funding?", "total_funding", "grants"},
		{"How many clinical trials are recruiting?", "count_trials", "market_data"},
		{"How many recruiting trials?", "count_recruiting_trials", "market_data"},
		{"How many phase 3 trials?", "count_phase3_trials", "market_data"},
		{"Show trials by status", "trials_by_status", "market_data"},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			d := r.Classify(tt.question, nil)
			if d.Tier != TierInstant {
				t.Fatalf("tier = %d, want 1", d.Tier)
			}
			if d.PatternID != tt.patternID {
				t.Errorf("pattern = %q, want %q", d.PatternID, tt.patternID)
			}
			if d.Database != tt.database {
				t.Errorf("database = %q, want %q", d.Database, tt.database)
			}
			if !d.Tables && d.Query == "" {
				t.Error("instant decision has no query")
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	r := New(true)
	question := "How many recruiting trials?"

	first := r.Classify(question, nil)
	for i := 0; i < 5; i++ {
		d := r.Classify(question, nil)
		if d.Tier != first.Tier || d.PatternID != first.PatternID || d.Query != first.Query {
			t.Fatalf("classification changed between calls: %+v vs %+v", first, d)
		}
	}
}

func TestClassifyTableListing(t *testing.T) {
	r := New(true)
	d := r.Classify("What tables are in the patents database?", nil)

	if d.Tier != TierInstant {
		t.Fatalf("tier = %d, want 1", d.Tier)
	}
	if !d.Tables {
		t.Error("expected a table-listing decision")
	}
	if d.Database != "patents" {
		t.Errorf("database = %q, want patents", d.Database)
	}
}

func TestClassifyFast(t *testing.T) {
	r := New(true)

	tests := []struct {
		question  string
		patternID string
		database  string
		contains  []string
	}{
		{
			"Who are the rising stars in immunology?",
			"rising_stars_in_field", "researchers",
			[]string{"immunology", "slope > 3"},
		},
		{
			"Top 5 researchers in oncology",
			"top_researchers_in_field", "researchers",
			[]string{"oncology", "LIMIT 5"},
		},
		{
			"Pfizer's clinical trials",
			"sponsor_trials", "market_data",
			[]string{"sponsor LIKE '%pfizer%'"},
		},
		{
			"Recruiting trials for diabetes",
			"recruiting_trials_for_condition", "market_data",
			[]string{"RECRUITING", "diabetes"},
		},
		{
			"Phase 3 trials for Alzheimer's",
			"phase_trials_for_condition", "market_data",
			[]string{"PHASE3", "alzheimer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			d := r.Classify(tt.question, nil)
			if d.Tier != TierFast {
				t.Fatalf("tier = %d, want 2 (pattern %q)", d.Tier, d.PatternID)
			}
			if d.PatternID != tt.patternID {
				t.Errorf("pattern = %q, want %q", d.PatternID, tt.patternID)
			}
			if d.Database != tt.database {
				t.Errorf("database = %q, want %q", d.Database, tt.database)
			}
			for _, want := range tt.contains {
				if !strings.Contains(d.Query, want) {
					t.Errorf("query missing %q:\n%s", want, d.Query)
				}
			}
		})
	}
}

func TestFastQueriesAlwaysBounded(t *testing.T) {
	r := New(true)

	questions := []string{
		"Who are the rising stars in immunology?",
		"Top 10 researchers in genomics",
		"Pfizer's clinical trials",
		"Grants for Parkinson",
		"Trials for cancer?",
		"Top 5 sponsors by trials",
		"Trials in 2024",
	}

	for _, q := range questions {
		d := r.Classify(q, nil)
		if d.Tier != TierFast {
			continue
		}
		if !strings.Contains(strings.ToUpper(d.Query), "LIMIT") {
			t.Errorf("%q rendered unbounded query: %s", q, d.Query)
		}
	}
}

func TestClassifyAgent(t *testing.T) {
	r := New(true)

	d := r.Classify("Find rising star researchers in oncology relevant to our portfolio", nil)
	if d.Tier != TierAgent {
		t.Fatalf("tier = %d, want 3", d.Tier)
	}

	wantDBs := map[string]bool{"researchers": true, "portfolio": true}
	for _, db := range d.Hints.Databases {
		delete(wantDBs, db)
	}
	if len(wantDBs) > 0 {
		t.Errorf("hints missing databases %v, got %v", wantDBs, d.Hints.Databases)
	}
}

func TestClassifyCrossDBSuggestions(t *testing.T) {
	r := New(true)
	d := r.Classify("Researchers with patents in oncology", nil)

	if d.Tier != TierAgent {
		t.Fatalf("tier = %d, want 3", d.Tier)
	}
	if len(d.Hints.SuggestedQueries) == 0 {
		t.Fatal("expected suggested starting queries for cross-database question")
	}
	if d.Hints.JoinHint == "" {
		t.Error("expected a join hint")
	}
}

func TestLowerTiersCarryHints(t *testing.T) {
	// When a templated query fails at execution time, the question falls
	// back to the agent using the decision's hints, so tiers 1 and 2
	// must keep what detection already found.
	r := New(true)

	tests := []struct {
		question string
		tier     Tier
		database string
		intent   string
	}{
		{"How many patents?", TierInstant, "patents", IntentCount},
		{"Top 5 researchers in oncology", TierFast, "researchers", IntentTopN},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			d := r.Classify(tt.question, nil)
			if d.Tier != tt.tier {
				t.Fatalf("tier = %d, want %d", d.Tier, tt.tier)
			}
			if d.Hints.Intent != tt.intent {
				t.Errorf("hint intent = %q, want %q", d.Hints.Intent, tt.intent)
			}
			var found bool
			for _, db := range d.Hints.Databases {
				if db == tt.database {
					found = true
				}
			}
			if !found {
				t.Errorf("hint databases = %v, want %s included", d.Hints.Databases, tt.database)
			}
		})
	}
}

func TestIntentPriority(t *testing.T) {
	tests := []struct {
		question string
		intent   string
	}{
		{"how many grants and trials across both databases", IntentCrossDB},
		{"compare pfizer versus moderna", IntentCompare},
		{"top 10 sponsors", IntentTopN},
		{"how many trials", IntentCount},
		{"average h-index by category", IntentAggregate},
		{"researchers with more than 100 publications", IntentFilter},
		{"list all companies", IntentList},
		{"tell me about montara", IntentLookup},
		{"zebra", IntentGeneral},
	}

	for _, tt := range tests {
		if got := detectIntent(strings.ToLower(tt.question)); got != tt.intent {
			t.Errorf("detectIntent(%q) = %q, want %q", tt.question, got, tt.intent)
		}
	}
}

func TestPriorTurnsForceAgent(t *testing.T) {
	r := New(true)
	history := []models.Turn{{Role: "user", Content: "How many patents?"}}

	d := r.Classify("How many patents?", history)
	if d.Tier != TierAgent {
		t.Errorf("tier = %d with history, want 3", d.Tier)
	}
}

func TestClassifyNeverPanicsOnMalformedInput(t *testing.T) {
	r := New(true)

	for _, q := range []string{"", "   ", "???", strings.Repeat("a", 10000), "\x00\x01"} {
		d := r.Classify(q, nil)
		if d.Tier < TierInstant || d.Tier > TierAgent {
			t.Errorf("Classify(%q) tier = %d", q, d.Tier)
		}
	}
}

func TestDisabledRouterAlwaysAgent(t *testing.T) {
	r := New(false)
	d := r.Classify("How many patents?", nil)
	if d.Tier != TierAgent {
		t.Errorf("tier = %d with router disabled, want 3", d.Tier)
	}
}

func TestEscapeLiteral(t *testing.T) {
	if got := escapeLiteral("alzheimer's"); got != "alzheimer''s" {
		t.Errorf("escapeLiteral = %q", got)
	}
}
