package queryrouting

import (
	"regexp"
	"strings"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/database"
)

// QueryType tags what a query is for. The router keys routing and
// degradation decisions off this tag.
type QueryType string

const (
	QueryUserAuth       QueryType = "USER_AUTH"
	QueryProjectCRUD    QueryType = "PROJECT_CRUD"
	QueryPageManagement QueryType = "PAGE_MANAGEMENT"
	QueryRealTime       QueryType = "REAL_TIME"
	QueryAnalytics      QueryType = "ANALYTICS"
	QueryTimeSeries     QueryType = "TIME_SERIES"
	QueryAggregation    QueryType = "AGGREGATION"
	QueryReporting      QueryType = "REPORTING"
	QueryBulkRead       QueryType = "BULK_READ"
	QueryHybrid         QueryType = "HYBRID"
)

// Complexity buckets the classifier's cost score.
type Complexity string

const (
	ComplexitySimple      Complexity = "SIMPLE"
	ComplexityModerate    Complexity = "MODERATE"
	ComplexityComplex     Complexity = "COMPLEX"
	ComplexityVeryComplex Complexity = "VERY_COMPLEX"
)

// Target names the engine a plan executes on.
type Target string

const (
	TargetOLTP   Target = "OLTP"
	TargetOLAP   Target = "OLAP"
	TargetHybrid Target = "HYBRID"
)

// Hint is an advisory optimization suggestion. The classifier never
// rewrites the query itself.
type Hint string

const (
	HintAddLimit          Hint = "ADD_LIMIT"
	HintPushdownPredicate Hint = "PUSHDOWN_PREDICATE"
	HintSubqueryToJoin    Hint = "SUBQUERY_TO_JOIN"
)

// QueryPlan is the classifier's verdict for one statement.
type QueryPlan struct {
	QueryType     QueryType
	Complexity    Complexity
	EstRows       int64
	EstMemoryMB   int64
	EstDurationMS int64
	Target        Target
	Hints         []Hint
	// Tables is the dependency set used for cache invalidation.
	Tables   []string
	Mutating bool
	// CanonicalSQL is the normalized statement text used as the cache
	// key component.
	CanonicalSQL string
	// HybridSubquery holds the inner OLTP-side SELECT of a two-stage
	// plan. Empty for single-engine plans.
	HybridSubquery string
}

// QueryContext carries per-request attributes that scope cached
// results. An empty ContextKey shares results across callers.
type QueryContext struct {
	ContextKey string
}

// ClassifierConfig tunes the classifier's table knowledge and
// thresholds.
type ClassifierConfig struct {
	// OLTPTables and OLAPTables declare which engine owns each table.
	// Tables in neither set follow the statement's other tables.
	OLTPTables []string
	OLAPTables []string
	// OLAPRowThreshold routes scans estimated at or above this many
	// rows to the analytical engine.
	OLAPRowThreshold int64
}

// DefaultClassifierConfig covers the platform's own schema.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		OLTPTables:       []string{"users", "sessions", "api_keys", "projects", "pages", "tracked_domains"},
		OLAPTables:       []string{"captures", "capture_events", "extracted_text", "domain_stats", "crawl_stats"},
		OLAPRowThreshold: 100000,
	}
}

// Classifier analyzes SQL statements into QueryPlans. Safe for
// concurrent use; the statistics monitor is optional.
type Classifier struct {
	cfg        ClassifierConfig
	stats      *database.Monitor
	oltpTables map[string]struct{}
	olapTables map[string]struct{}
}

// NewClassifier builds a classifier. stats may be nil, in which case
// row estimates fall back to a fixed default.
func NewClassifier(cfg ClassifierConfig, stats *database.Monitor) *Classifier {
	if cfg.OLAPRowThreshold <= 0 {
		cfg.OLAPRowThreshold = DefaultClassifierConfig().OLAPRowThreshold
	}
	c := &Classifier{
		cfg:        cfg,
		stats:      stats,
		oltpTables: make(map[string]struct{}, len(cfg.OLTPTables)),
		olapTables: make(map[string]struct{}, len(cfg.OLAPTables)),
	}
	for _, t := range cfg.OLTPTables {
		c.oltpTables[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range cfg.OLAPTables {
		c.olapTables[strings.ToLower(t)] = struct{}{}
	}
	return c
}

var (
	reLineComment  = regexp.MustCompile(`--[^\n]*`)
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reWhitespace   = regexp.MustCompile(`\s+`)

	reTableRef   = regexp.MustCompile(`(?:from|join|into|update)\s+([a-z_][a-z0-9_]*)`)
	reAggregate  = regexp.MustCompile(`\b(?:count|sum|avg|min|max)\s*\(`)
	reWindowFn   = regexp.MustCompile(`\bover\s*\(`)
	reV2View     = regexp.MustCompile(`\b[a-z0-9_]+_v2\b`)
	reTimeBucket = regexp.MustCompile(`\b(?:date_trunc|time_bucket)\s*\(`)
	reInSubquery = regexp.MustCompile(`\bin\s*\(\s*select\b`)
	reAuthWhere  = regexp.MustCompile(`\bwhere\b.*\b(?:id|user_id|email|token)\s*=`)
	reReporting  = regexp.MustCompile(`\b(?:report_[a-z0-9_]+|[a-z0-9_]+_report|[a-z0-9_]+_summary)\b`)
)

// Canonicalize normalizes a statement for cache keying: comments
// stripped, whitespace collapsed, lowercased, trailing semicolon
// removed. Canonicalizing twice equals canonicalizing once.
func Canonicalize(sql string) string {
	s := reBlockComment.ReplaceAllString(sql, " ")
	s = reLineComment.ReplaceAllString(s, " ")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	s = strings.TrimSpace(s)
	return strings.ToLower(s)
}

// Analyze classifies one statement. First matching rule wins.
func (c *Classifier) Analyze(sql string, qctx QueryContext) QueryPlan {
	canonical := Canonicalize(sql)
	tables := extractTables(canonical)

	plan := QueryPlan{
		CanonicalSQL: canonical,
		Tables:       tables,
		Target:       TargetOLTP,
		Complexity:   ComplexityModerate,
		QueryType:    QueryRealTime,
	}

	mutating := isMutating(canonical)
	plan.Mutating = mutating

	aggregates := len(reAggregate.FindAllString(canonical, -1))
	joins := strings.Count(canonical, " join ")
	subqueryDepth := subqueryDepth(canonical)
	hasGroupBy := strings.Contains(canonical, "group by")

	plan.Complexity = scoreComplexity(joins + subqueryDepth + aggregates)
	plan.EstRows = c.estimateRows(canonical, tables)
	plan.EstMemoryMB = plan.EstRows * 256 / (1 << 20)
	plan.EstDurationMS = c.estimateDuration(plan.EstRows, joins, aggregates)
	plan.Hints = c.hints(canonical, plan.EstRows)

	switch {
	case c.isUserAuth(canonical, tables):
		plan.QueryType = QueryUserAuth
		plan.Target = TargetOLTP

	case mutating:
		plan.QueryType = mutationType(tables)
		plan.Target = TargetOLTP

	case (hasGroupBy && aggregates > 1) || reWindowFn.MatchString(canonical) ||
		reV2View.MatchString(canonical) || plan.EstRows >= c.cfg.OLAPRowThreshold:
		if hasGroupBy && aggregates > 1 {
			plan.QueryType = QueryAggregation
		} else {
			plan.QueryType = QueryAnalytics
		}
		plan.Target = TargetOLAP

	case hasGroupBy && reTimeBucket.MatchString(canonical):
		plan.QueryType = QueryTimeSeries
		plan.Target = TargetOLAP

	case reReporting.MatchString(canonical):
		plan.QueryType = QueryReporting
		plan.Target = TargetOLAP

	case c.spansBothEngines(tables):
		plan.QueryType = QueryHybrid
		plan.Target = TargetHybrid
		plan.HybridSubquery = extractInSubquery(canonical)

	default:
		if !strings.Contains(canonical, "where") {
			plan.QueryType = QueryBulkRead
		}
		plan.Target = TargetOLTP
	}

	return plan
}

// RecordExecution feeds a completed query's observed cost back into
// the rolling statistics cache.
func (c *Classifier) RecordExecution(tables []string, rows int64, durationMS int64) {
	if c.stats == nil {
		return
	}
	for _, t := range tables {
		if s, ok := c.stats.TableStats(t); ok {
			// Exponential decay toward the observed row count keeps the
			// estimate responsive without thrashing on outliers.
			s.RowEstimate = (s.RowEstimate*3 + rows) / 4
			c.stats.SetTableStats(s)
		}
	}
}

func (c *Classifier) isUserAuth(canonical string, tables []string) bool {
	authTable := false
	for _, t := range tables {
		if t == "users" || t == "sessions" {
			authTable = true
			break
		}
	}
	return authTable && reAuthWhere.MatchString(canonical)
}

func (c *Classifier) spansBothEngines(tables []string) bool {
	var oltp, olap bool
	for _, t := range tables {
		if _, ok := c.oltpTables[t]; ok {
			oltp = true
		}
		if _, ok := c.olapTables[t]; ok {
			olap = true
		}
	}
	return oltp && olap
}

const defaultRowEstimate = 1000

func (c *Classifier) estimateRows(canonical string, tables []string) int64 {
	var est int64 = defaultRowEstimate
	for _, t := range tables {
		if c.stats != nil {
			if rows := c.stats.RowEstimate(t); rows > est {
				est = rows
			}
		}
	}
	// Point lookups and filtered scans touch a fraction of the table.
	if reAuthWhere.MatchString(canonical) {
		return 1
	}
	if strings.Contains(canonical, "where") {
		est /= 10
		if est < 1 {
			est = 1
		}
	}
	return est
}

func (c *Classifier) estimateDuration(rows int64, joins, aggregates int) int64 {
	base := rows / 1000
	if base < 1 {
		base = 1
	}
	return base * int64(1+joins+aggregates)
}

func (c *Classifier) hints(canonical string, estRows int64) []Hint {
	var hints []Hint
	if !strings.Contains(canonical, "limit") && estRows > c.cfg.OLAPRowThreshold/10 {
		hints = append(hints, HintAddLimit)
	}
	if strings.Contains(canonical, " join ") && strings.Contains(canonical, "where") {
		hints = append(hints, HintPushdownPredicate)
	}
	if reInSubquery.MatchString(canonical) {
		hints = append(hints, HintSubqueryToJoin)
	}
	return hints
}

func extractTables(canonical string) []string {
	seen := make(map[string]struct{})
	var tables []string
	for _, m := range reTableRef.FindAllStringSubmatch(canonical, -1) {
		name := m[1]
		if name == "select" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

func isMutating(canonical string) bool {
	return strings.HasPrefix(canonical, "insert") ||
		strings.HasPrefix(canonical, "update") ||
		strings.HasPrefix(canonical, "delete")
}

func mutationType(tables []string) QueryType {
	for _, t := range tables {
		switch t {
		case "projects":
			return QueryProjectCRUD
		case "pages":
			return QueryPageManagement
		}
	}
	return QueryRealTime
}

func scoreComplexity(score int) Complexity {
	switch {
	case score <= 0:
		return ComplexitySimple
	case score <= 2:
		return ComplexityModerate
	case score <= 4:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

// subqueryDepth returns the deepest nesting of parenthesized SELECTs.
func subqueryDepth(canonical string) int {
	depth, maxDepth := 0, 0
	for i := 0; i < len(canonical); i++ {
		switch canonical[i] {
		case '(':
			if strings.HasPrefix(strings.TrimLeft(canonical[i+1:], " "), "select") {
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			}
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return maxDepth
}

// extractInSubquery returns the inner SELECT of the first
// `IN (SELECT ...)` expression, balanced on parentheses. Empty when the
// statement has no such expression.
func extractInSubquery(canonical string) string {
	loc := reInSubquery.FindStringIndex(canonical)
	if loc == nil {
		return ""
	}
	open := strings.Index(canonical[loc[0]:], "(")
	if open < 0 {
		return ""
	}
	start := loc[0] + open + 1
	depth := 1
	for i := start; i < len(canonical); i++ {
		switch canonical[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(canonical[start:i])
			}
		}
	}
	return ""
}
