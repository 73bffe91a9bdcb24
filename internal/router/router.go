package router

import (
	"strings"

	"github.com/neo-agent/backend/internal/storage/models"
)

type Tier int

const (
	TierInstant Tier = 1
	TierFast    Tier = 2
	TierAgent   Tier = 3
)

// SuggestedQuery is a starting-point query for one database, handed to
// the agent as a routing hint.
type SuggestedQuery struct {
	Database string `json:"database"`
	Query    string `json:"query"`
}

// Hints guides a full agent run: which databases the question touches,
// what shape of answer it wants, and where to start.
type Hints struct {
	Databases        []string         `json:"databases,omitempty"`
	Intent           string           `json:"intent,omitempty"`
	JoinHint         string           `json:"join_hint,omitempty"`
	SuggestedQueries []SuggestedQuery `json:"suggested_queries,omitempty"`
}

// Decision is the router's verdict on one question. For tiers 1 and 2
// the Query (or Tables flag) is ready to execute. Hints are populated on
// every tier: tier 3 runs start from them, and a failed tier 1/2
// execution falls back to the agent without losing what was detected.
type Decision struct {
	Tier      Tier
	PatternID string
	Database  string
	Query     string
	Tables    bool
	Hints     Hints
}

// Router classifies questions without executing anything. Classification
// is deterministic for identical input.
type Router struct {
	enabled bool
}

func New(enabled bool) *Router {
	return &Router{enabled: enabled}
}

// Classify assigns a tier to a question. Prior conversation turns force
// tier 3: templated answers cannot honor conversational context.
func (r *Router) Classify(question string, priorTurns []models.Turn) Decision {
	lower := strings.ToLower(strings.TrimSpace(question))
	databases := detectDatabases(lower)
	intent := detectIntent(lower)

	hints := Hints{Databases: databases, Intent: intent}

	if !r.enabled || len(priorTurns) > 0 {
		return Decision{Tier: TierAgent, Hints: hints}
	}

	// Questions spanning multiple databases never fit a single-database
	// pattern, even when one happens to match textually.
	if intent == IntentCrossDB || len(databases) > 1 {
		for _, cp := range crossPatterns {
			if cp.pattern.MatchString(lower) {
				hints.SuggestedQueries = cp.queries
				hints.JoinHint = cp.joinHint
				break
			}
		}
		return Decision{Tier: TierAgent, Hints: hints}
	}

	for _, p := range instantPatterns {
		if p.Pattern.MatchString(lower) {
			return Decision{
				Tier:      TierInstant,
				PatternID: p.ID,
				Database:  p.Database,
				Query:     p.Query,
				Tables:    p.Tables,
				Hints:     hints,
			}
		}
	}

	for _, t := range templates {
		query, ok := renderTemplate(t, lower)
		if !ok {
			continue
		}
		return Decision{
			Tier:      TierFast,
			PatternID: t.ID,
			Database:  t.Database,
			Query:     query,
			Hints:     hints,
		}
	}

	return Decision{Tier: TierAgent, Hints: hints}
}

func detectDatabases(lower string) []string {
	var detected []string
	for _, db := range dbOrder {
		for _, keyword := range dbKeywords[db] {
			if strings.Contains(lower, keyword) {
				detected = append(detected, db)
				break
			}
		}
	}
	return detected
}

func detectIntent(lower string) string {
	for _, rule := range intentRules {
		for _, p := range rule.patterns {
			if p.MatchString(lower) {
				return rule.label
			}
		}
	}
	return IntentGeneral
}

// renderTemplate fills a template's {name} placeholders from the named
// captures of its pattern. A required capture that came back empty with
// no default fails the render, which falls the question through to the
// next template (and ultimately tier 3).
func renderTemplate(t Template, lower string) (string, bool) {
	match := t.Pattern.FindStringSubmatch(lower)
	if match == nil {
		return "", false
	}

	query := t.Query
	for i, name := range t.Pattern.SubexpNames() {
		if name == "" {
			continue
		}
		value := strings.TrimSpace(match[i])
		if value == "" {
			value = t.Defaults[name]
		}
		if value == "" {
			return "", false
		}
		query = strings.ReplaceAll(query, "{"+name+"}", escapeLiteral(value))
	}
	return query, true
}

// escapeLiteral doubles single quotes so captured text cannot break out
// of a quoted SQL literal. The upstream services are read-only, but a
// stray apostrophe in "Alzheimer's" would otherwise malform the query.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
