package router

import "regexp"

// Intent labels, in match-priority order. The first label whose patterns
// match the question wins.
const (
	IntentCrossDB   = "cross_db"
	IntentCompare   = "compare"
	IntentTopN      = "top_n"
	IntentCount     = "count"
	IntentAggregate = "aggregate"
	IntentFilter    = "filter"
	IntentList      = "list"
	IntentLookup    = "lookup"
	IntentGeneral   = "general"
)

// dbKeywords maps each logical database to the vocabulary that signals a
// question is about it.
var dbKeywords = map[string][]string{
	"researchers": {
		"researcher", "researchers", "scientist", "scientists", "professor",
		"h-index", "h_index", "hindex", "citations", "publications", "slope",
		"rising star", "hidden gem", "talent", "academic", "author", "kol",
	},
	"patents": {
		"patent", "patents", "invention", "inventions", "assignee", "claims",
		"intellectual property", "patent number", "cpc",
	},
	"grants": {
		"grant", "grants", "funding", "nih", "nsf", "r01", "award",
		"principal investigator", "fiscal year", "institute",
	},
	"sec": {
		"sec", "filing", "filings", "8-k", "10-k", "10-q", "s-1", "s-3",
		"form 4", "insider", "insider trading", "runway", "cash runway",
		"burn rate", "distress", "shelf registration", "ipo", "proxy",
		"13d", "13g", "activist",
	},
	"market_data": {
		"trial", "trials", "clinical trial", "clinical trials", "phase",
		"recruiting", "sponsor", "fda", "drug", "intervention", "nct",
		"enrollment", "completed", "terminated", "suspended",
	},
	"portfolio": {
		"portfolio", "company", "companies", "startup", "modality",
		"indication", "competitive advantage", "investment",
	},
	"policies": {
		"bill", "bills", "policy", "policies", "legislation", "congress",
		"senate", "house", "law", "regulation",
	},
}

// dbOrder fixes iteration order so detection output is deterministic.
var dbOrder = []string{
	"researchers", "patents", "grants", "sec", "market_data", "portfolio", "policies",
}

type intentRule struct {
	label    string
	patterns []*regexp.Regexp
}

var intentRules = []intentRule{
	{IntentCrossDB, compileAll(
		`and (?:also|their|any)`, `who .+ and .+ have`,
		`researchers .+ patents`, `researchers .+ trials`,
		`companies .+ patents`, `grants .+ trials`,
		`for each`, `across`, `both .+ and`,
	)},
	{IntentCompare, compileAll(
		`compare`, `versus`, ` vs\.?(?: |$)`, `difference between`,
		`how does .+ compare`,
	)},
	{IntentTopN, compileAll(
		`top \d+`, `best \d+`, `highest \d+`, `largest \d+`,
		`most \w+`, `biggest`,
	)},
	{IntentCount, compileAll(
		`how many`, `count of`, `number of`, `total (?:number|count)`,
	)},
	{IntentAggregate, compileAll(
		`total`, `sum of`, `average`, `mean`, `median`,
		`by (?:status|phase|year|sponsor|category|field)`,
	)},
	{IntentFilter, compileAll(
		`where`, `that have`, `greater than`, `less than`,
		`more than`, `over \$?\d+`, `under \$?\d+`, `between`,
	)},
	{IntentList, compileAll(
		`list (?:all|the)?`, `show (?:me )?(?:all|the)?`, `what are`,
		`who are`, `find (?:all|the)?`, `get (?:all|the)?`,
	)},
	{IntentLookup, compileAll(
		`what is`, `tell me about`, `info on`, `details (?:on|about|for)`,
		`who is`, `describe`,
	)},
}

// InstantPattern maps a fixed question shape to a precomputed aggregate.
// A nil Query means "list the database's tables" instead of running SQL.
type InstantPattern struct {
	ID       string
	Pattern  *regexp.Regexp
	Database string
	Query    string
	Tables   bool
}

var instantPatterns = []InstantPattern{
	{"count_researchers", regexp.MustCompile(`how many (researchers?|scientists?)`), "researchers",
		"SELECT COUNT(*) as count FROM researchers", false},
	{"count_patents", regexp.MustCompile(`how many patents?`), "patents",
		"SELECT COUNT(*) as count FROM patents", false},
	{"count_grants", regexp.MustCompile(`how many grants?`), "grants",
		"SELECT COUNT(*) as count FROM grants", false},
	{"count_companies", regexp.MustCompile(`how many (companies|portfolio)`), "portfolio",
		"SELECT COUNT(*) as count FROM companies", false},
	{"count_bills", regexp.MustCompile(`how many (bills?|policies?)`), "policies",
		"SELECT COUNT(*) as count FROM bills", false},

	{"total_funding", regexp.MustCompile(`total (grant )?funding`), "grants",
		"SELECT SUM(total_cost) as total_funding FROM grants WHERE total_cost > 0", false},

	{"count_hidden_gems", regexp.MustCompile(`how many hidden gems?`), "researchers",
		"SELECT COUNT(*) as count FROM researchers WHERE slope > 3 AND h_index BETWEEN 20 AND 60", false},

	{"count_recruiting_trials", regexp.MustCompile(`how many recruiting trials?`), "market_data",
		"SELECT COUNT(*) as count FROM clinical_trials WHERE status = 'RECRUITING'", false},
	{"count_phase3_trials", regexp.MustCompile(`how many phase ?3 trials?`), "market_data",
		"SELECT COUNT(*) as count FROM clinical_trials WHERE phase LIKE '%PHASE3%'", false},
	{"count_completed_trials", regexp.MustCompile(`how many completed trials?`), "market_data",
		"SELECT COUNT(*) as count FROM clinical_trials WHERE status = 'COMPLETED'", false},
	{"count_trials", regexp.MustCompile(`how many (clinical )?trials?`), "market_data",
		"SELECT COUNT(*) as count FROM clinical_trials", false},
	{"trials_by_status", regexp.MustCompile(`trials? by status`), "market_data",
		"SELECT status, COUNT(*) as count FROM clinical_trials GROUP BY status ORDER BY count DESC", false},
	{"trials_by_phase", regexp.MustCompile(`trials? by phase`), "market_data",
		"SELECT phase, COUNT(*) as count FROM clinical_trials GROUP BY phase ORDER BY count DESC", false},
	{"top_sponsors", regexp.MustCompile(`top sponsors?`), "market_data",
		"SELECT sponsor, COUNT(*) as count FROM clinical_trials GROUP BY sponsor ORDER BY count DESC LIMIT 20", false},

	{"tables_researchers", regexp.MustCompile(`what tables.*(researchers?|talent)`), "researchers", "", true},
	{"tables_patents", regexp.MustCompile(`what tables.*patents?`), "patents", "", true},
	{"tables_grants", regexp.MustCompile(`what tables.*grants?`), "grants", "", true},
	{"tables_portfolio", regexp.MustCompile(`what tables.*portfolio`), "portfolio", "", true},
	{"tables_policies", regexp.MustCompile(`what tables.*(policies?|bills?)`), "policies", "", true},
	{"tables_trials", regexp.MustCompile(`what tables.*(trials?|market|clinical)`), "market_data", "", true},
}

// Template is a parameterized query pattern. Named capture groups in the
// pattern fill the {name} placeholders of the query; Defaults supply
// values for optional captures that did not match.
type Template struct {
	ID       string
	Pattern  *regexp.Regexp
	Database string
	Query    string
	Defaults map[string]string
}

var templates = []Template{
	{
		ID:       "rising_stars_in_field",
		Pattern:  regexp.MustCompile(`(rising stars?|hidden gems?|fast[- ]?growing).*(?:in|for|about) (?P<field>[a-zA-Z]+)`),
		Database: "researchers",
		Query: "SELECT id, name, h_index, slope, primary_category, affiliations FROM researchers " +
			"WHERE slope > 3 AND h_index BETWEEN 20 AND 60 " +
			"AND (topics LIKE '%{field}%' OR primary_category LIKE '%{field}%') " +
			"ORDER BY slope DESC LIMIT 10",
	},
	{
		ID:       "top_researchers_in_field",
		Pattern:  regexp.MustCompile(`top (?P<n>\d+)? ?researchers?.*(?:in|for|about) (?P<field>[a-zA-Z]+)`),
		Database: "researchers",
		Query: "SELECT id, name, h_index, slope, primary_category, affiliations FROM researchers " +
			"WHERE topics LIKE '%{field}%' OR primary_category LIKE '%{field}%' " +
			"ORDER BY h_index DESC LIMIT {n}",
		Defaults: map[string]string{"n": "10"},
	},
	{
		ID:       "patents_for_company",
		Pattern:  regexp.MustCompile(`patents?.*(?:for |from |by )?(?P<company>\w+)$`),
		Database: "patents",
		Query: "SELECT id, title, patent_number, filing_date, assignee FROM patents " +
			"WHERE assignee LIKE '%{company}%' OR title LIKE '%{company}%' " +
			"ORDER BY filing_date DESC LIMIT 10",
	},
	{
		ID:       "grants_in_field",
		Pattern:  regexp.MustCompile(`grants?.*(?:in |for |about )(?P<field>\w+)`),
		Database: "grants",
		Query: "SELECT id, title, total_cost, institute, fiscal_year FROM grants " +
			"WHERE title LIKE '%{field}%' OR abstract LIKE '%{field}%' " +
			"ORDER BY total_cost DESC LIMIT 10",
	},
	{
		ID:       "portfolio_company_lookup",
		Pattern:  regexp.MustCompile(`(?:what is|tell me about|info on) (?P<company>\w+)`),
		Database: "portfolio",
		Query: "SELECT id, name, modality, competitive_advantage, indications FROM companies " +
			"WHERE name LIKE '%{company}%' LIMIT 1",
	},
	{
		ID:       "phase_trials_for_condition",
		Pattern:  regexp.MustCompile(`phase ?(?P<phase>\d) (?:clinical )?trials? (?:for|in|treating) (?P<condition>[a-zA-Z\s]+)`),
		Database: "market_data",
		Query: "SELECT id, nct_id, title, status, sponsor, enrollment, start_date FROM clinical_trials " +
			"WHERE phase LIKE '%PHASE{phase}%' " +
			"AND (title LIKE '%{condition}%' OR conditions LIKE '%{condition}%') " +
			"ORDER BY start_date DESC LIMIT 15",
	},
	{
		ID:       "recruiting_trials_for_condition",
		Pattern:  regexp.MustCompile(`recruiting (?:clinical )?trials? (?:for|in|treating) (?P<field>[a-zA-Z\s]+)`),
		Database: "market_data",
		Query: "SELECT id, nct_id, title, phase, sponsor, enrollment, start_date FROM clinical_trials " +
			"WHERE status = 'RECRUITING' " +
			"AND (title LIKE '%{field}%' OR conditions LIKE '%{field}%') " +
			"ORDER BY enrollment DESC LIMIT 15",
	},
	{
		ID:       "trials_for_condition",
		Pattern:  regexp.MustCompile(`(?:clinical )?trials? (?:for|treating|in) (?P<condition>[a-zA-Z\s]+?)(?:\?|$|,| and)`),
		Database: "market_data",
		Query: "SELECT id, nct_id, title, status, phase, sponsor, start_date FROM clinical_trials " +
			"WHERE (title LIKE '%{condition}%' OR conditions LIKE '%{condition}%') " +
			"ORDER BY start_date DESC LIMIT 15",
	},
	{
		ID:       "top_sponsors_by_trials",
		Pattern:  regexp.MustCompile(`top (?P<n>\d+)? ?sponsors? (?:by|with) (?:most )?trials?`),
		Database: "market_data",
		Query: "SELECT sponsor, COUNT(*) as trial_count, " +
			"SUM(CASE WHEN status = 'RECRUITING' THEN 1 ELSE 0 END) as recruiting " +
			"FROM clinical_trials GROUP BY sponsor ORDER BY trial_count DESC LIMIT {n}",
		Defaults: map[string]string{"n": "10"},
	},
	{
		ID:       "trials_in_year",
		Pattern:  regexp.MustCompile(`(?:clinical )?trials? (?:started|posted|from|in) (?P<year>20\d{2})`),
		Database: "market_data",
		Query: "SELECT id, nct_id, title, status, phase, sponsor FROM clinical_trials " +
			"WHERE start_date LIKE '{year}%' ORDER BY start_date DESC LIMIT 20",
	},
	{
		ID:       "sponsor_trials",
		Pattern:  regexp.MustCompile(`(?P<sponsor>\w+(?:\s+\w+)?)'?s? (?:clinical )?trials?`),
		Database: "market_data",
		Query: "SELECT id, nct_id, title, status, phase, conditions, start_date FROM clinical_trials " +
			"WHERE sponsor LIKE '%{sponsor}%' ORDER BY start_date DESC LIMIT 15",
	},
}

// crossPattern pairs a multi-database question shape with the starting
// queries an agent run should issue against each side of the join.
type crossPattern struct {
	pattern  *regexp.Regexp
	queries  []SuggestedQuery
	joinHint string
}

var crossPatterns = []crossPattern{
	{
		pattern: regexp.MustCompile(`researchers? (?:with|who have) patents?`),
		queries: []SuggestedQuery{
			{"researchers", "SELECT id, name, h_index, affiliations FROM researchers ORDER BY h_index DESC LIMIT 50"},
			{"patents", "SELECT assignee, COUNT(*) as patent_count FROM patents GROUP BY assignee"},
		},
		joinHint: "Match researcher affiliations with patent assignees",
	},
	{
		pattern: regexp.MustCompile(`(?:clinical )?trials? (?:by|from|for) (?:our )?portfolio`),
		queries: []SuggestedQuery{
			{"portfolio", "SELECT id, name FROM companies"},
			{"market_data", "SELECT sponsor, COUNT(*) as trial_count, SUM(CASE WHEN status='RECRUITING' THEN 1 ELSE 0 END) as recruiting FROM clinical_trials GROUP BY sponsor"},
		},
		joinHint: "Match portfolio company names with trial sponsors",
	},
	{
		pattern: regexp.MustCompile(`grants? (?:related to|for|in) (?:active|recruiting) (?:clinical )?trials?`),
		queries: []SuggestedQuery{
			{"market_data", "SELECT DISTINCT conditions FROM clinical_trials WHERE status = 'RECRUITING' LIMIT 100"},
			{"grants", "SELECT id, title, total_cost, institute FROM grants ORDER BY total_cost DESC LIMIT 100"},
		},
		joinHint: "Match trial conditions with grant research areas",
	},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}
