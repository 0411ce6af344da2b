package queryrouting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/cache"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
	"github.com/chronicle-archive/chronicle-backend/internal/metrics"
)

// Priority orders admission. CRITICAL work never waits behind the
// queue; LOW work always queues.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Options shape one routed query.
type Options struct {
	Priority   Priority
	UseCache   bool
	ContextKey string
}

// Result is one routed query's outcome. Rows are fully materialized;
// the row cap on each engine executor bounds memory.
type Result struct {
	Columns  []string  `json:"columns"`
	Rows     [][]any   `json:"rows"`
	Engine   Target    `json:"engine"`
	Degraded bool      `json:"degraded"`
	Cached   bool      `json:"-"`
	Plan     QueryPlan `json:"-"`
}

// Executor runs a statement on one engine and returns materialized
// rows. The two pool adapters in executors.go implement it.
type Executor interface {
	Execute(ctx context.Context, sql string, args ...any) (columns []string, rows [][]any, err error)
}

// Router classifies statements and dispatches them to the OLTP or
// OLAP engine with admission control, result caching, and graceful
// degradation.
type Router struct {
	cfg        config.RouterConfig
	classifier *Classifier
	oltp       Executor
	olap       Executor

	oltpBreaker *breaker.Breaker
	olapBreaker *breaker.Breaker

	l1     *lru.LRU[string, Result]
	l2     cache.Cache
	l2TTL  time.Duration

	// l1Deps maps table name to the L1 keys whose results depend on
	// it, for write invalidation. L2 dependency sets live in redis.
	l1DepsMu sync.Mutex
	l1Deps   map[string]map[string]struct{}

	criticalSem chan struct{}
	highSem     chan struct{}
	normalSem   chan struct{}
	queued      atomic.Int64

	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewRouter builds the router around two engine executors. l2 may be
// nil to run with the in-process cache only.
func NewRouter(cfg config.RouterConfig, classifier *Classifier, oltp, olap Executor, l2 cache.Cache, reg *metrics.Registry, logger *zap.Logger) *Router {
	quotas := cfg.Quotas
	if quotas.Critical <= 0 {
		quotas.Critical = 10
	}
	if quotas.High <= 0 {
		quotas.High = 30
	}
	if quotas.Normal <= 0 {
		quotas.Normal = 80
	}
	l1Max := cfg.Cache.L1MaxEntries
	if l1Max <= 0 {
		l1Max = 2048
	}
	l1TTL := cfg.Cache.L1TTL
	if l1TTL <= 0 {
		l1TTL = 30 * time.Second
	}
	l2TTL := cfg.Cache.L2TTL
	if l2TTL <= 0 {
		l2TTL = 5 * time.Minute
	}

	return &Router{
		cfg:         cfg,
		classifier:  classifier,
		oltp:        oltp,
		olap:        olap,
		oltpBreaker: breaker.New("oltp-pool", breaker.Config{FailureThreshold: 10, RecoveryTimeout: 10 * time.Second}, logger),
		olapBreaker: breaker.New("olap-pool", breaker.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}, logger),
		l1:          lru.NewLRU[string, Result](l1Max, nil, l1TTL),
		l2:          l2,
		l2TTL:       l2TTL,
		l1Deps:      make(map[string]map[string]struct{}),
		criticalSem: make(chan struct{}, quotas.Critical),
		highSem:     make(chan struct{}, quotas.High),
		normalSem:   make(chan struct{}, quotas.Normal),
		metrics:     reg,
		logger:      logger,
	}
}

// Route classifies, admits, and executes one statement.
func (r *Router) Route(ctx context.Context, sql string, opts Options) (*Result, error) {
	start := time.Now()
	plan := r.classifier.Analyze(sql, QueryContext{ContextKey: opts.ContextKey})

	// Auth lookups and writes must always see current state.
	useCache := opts.UseCache
	if plan.QueryType == QueryUserAuth || plan.Mutating {
		useCache = false
	}

	key := cacheKey(plan.CanonicalSQL, plan.Target, opts.ContextKey)
	if useCache {
		if res, ok := r.cacheGet(ctx, key); ok {
			res.Plan = plan
			return res, nil
		}
	}

	release, err := r.admit(ctx, opts.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := r.execute(ctx, sql, plan)
	if err != nil {
		return nil, err
	}
	res.Plan = plan

	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.QueryRouted(string(res.Engine), string(plan.QueryType), elapsed)
	}
	r.classifier.RecordExecution(plan.Tables, int64(len(res.Rows)), elapsed.Milliseconds())

	if plan.Mutating {
		r.invalidate(ctx, plan.Tables)
	} else if useCache {
		r.cachePut(ctx, key, plan.Tables, res)
	}
	return res, nil
}

// admit reserves a concurrency slot for the query's priority class.
// CRITICAL never queues: a full critical quota fails fast. HIGH and
// NORMAL wait on their quota; LOW waits behind NORMAL traffic.
// Cancellation while waiting consumes nothing.
func (r *Router) admit(ctx context.Context, p Priority) (func(), error) {
	var sem chan struct{}
	switch p {
	case PriorityCritical:
		select {
		case r.criticalSem <- struct{}{}:
			return func() { <-r.criticalSem }, nil
		default:
			if r.metrics != nil {
				r.metrics.QueryRejectedByQuota(string(p))
			}
			return nil, errors.NewCapacityExceededError("critical quota saturated")
		}
	case PriorityHigh:
		sem = r.highSem
	case PriorityLow:
		sem = r.normalSem
	default:
		sem = r.normalSem
	}

	r.queued.Add(1)
	if r.metrics != nil {
		r.metrics.SetAdmissionDepth(r.queued.Load())
	}
	defer func() {
		r.queued.Add(-1)
		if r.metrics != nil {
			r.metrics.SetAdmissionDepth(r.queued.Load())
		}
	}()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, errors.NewDeadlineError("cancelled while queued for admission").WithCause(ctx.Err())
	}
}

func (r *Router) execute(ctx context.Context, sql string, plan QueryPlan) (*Result, error) {
	switch plan.Target {
	case TargetOLAP:
		return r.executeOLAP(ctx, sql, plan)
	case TargetHybrid:
		return r.executeHybrid(ctx, sql, plan)
	default:
		return r.executeOLTP(ctx, sql, plan, false)
	}
}

func (r *Router) executeOLTP(ctx context.Context, sql string, plan QueryPlan, degraded bool) (*Result, error) {
	if err := r.oltpBreaker.Allow(); err != nil {
		return nil, err
	}
	cols, rows, err := r.oltp.Execute(ctx, sql)
	if err != nil {
		r.oltpBreaker.RecordFailure(err)
		return nil, err
	}
	r.oltpBreaker.RecordSuccess()
	return &Result{Columns: cols, Rows: rows, Engine: TargetOLTP, Degraded: degraded}, nil
}

// executeOLAP runs on the analytical engine, degrading to OLTP when
// the OLAP breaker is open and the plan's tag permits it. Time-series
// results from the transactional engine would silently lose fidelity,
// so TIME_SERIES never degrades unless explicitly configured.
func (r *Router) executeOLAP(ctx context.Context, sql string, plan QueryPlan) (*Result, error) {
	if err := r.olapBreaker.Allow(); err != nil {
		if r.degradable(plan) {
			if r.metrics != nil {
				r.metrics.QueryDegradedToOLTP(string(plan.QueryType))
			}
			r.logger.Warn("olap unavailable, degrading to oltp",
				zap.String("query_type", string(plan.QueryType)))
			return r.executeOLTP(ctx, sql, plan, true)
		}
		return nil, errors.NewServiceDegradedError(
			fmt.Sprintf("analytical engine unavailable and %s queries cannot degrade", plan.QueryType)).WithCause(err)
	}

	cols, rows, err := r.olap.Execute(ctx, sql)
	if err != nil {
		r.olapBreaker.RecordFailure(err)
		return nil, err
	}
	r.olapBreaker.RecordSuccess()
	return &Result{Columns: cols, Rows: rows, Engine: TargetOLAP}, nil
}

func (r *Router) degradable(plan QueryPlan) bool {
	switch plan.QueryType {
	case QueryReporting:
		return true
	case QueryTimeSeries:
		return r.cfg.AllowTimeseriesDegradation
	default:
		return false
	}
}

// executeHybrid runs the two-stage plan: the inner subquery on OLTP,
// then the outer statement on OLAP with the correlation keys inlined
// as a parameterized IN list.
func (r *Router) executeHybrid(ctx context.Context, sql string, plan QueryPlan) (*Result, error) {
	if plan.HybridSubquery == "" {
		// No rewritable subquery; the OLAP engine sees the whole
		// statement.
		return r.executeOLAP(ctx, sql, plan)
	}

	stage1, err := r.executeOLTP(ctx, plan.HybridSubquery, plan, false)
	if err != nil {
		return nil, errors.Wrap(err, "hybrid stage 1")
	}
	if len(stage1.Rows) == 0 {
		return &Result{Columns: nil, Rows: nil, Engine: TargetHybrid}, nil
	}

	keys := make([]any, 0, len(stage1.Rows))
	for _, row := range stage1.Rows {
		if len(row) > 0 {
			keys = append(keys, row[0])
		}
	}

	rewritten := rewriteInList(plan.CanonicalSQL, len(keys))
	if err := r.olapBreaker.Allow(); err != nil {
		return nil, errors.NewServiceDegradedError("analytical engine unavailable for hybrid stage 2").WithCause(err)
	}
	cols, rows, err := r.olap.Execute(ctx, rewritten, keys...)
	if err != nil {
		r.olapBreaker.RecordFailure(err)
		return nil, errors.Wrap(err, "hybrid stage 2")
	}
	r.olapBreaker.RecordSuccess()
	return &Result{Columns: cols, Rows: rows, Engine: TargetHybrid}, nil
}

// rewriteInList replaces the first IN (SELECT ...) expression with a
// placeholder list of n parameters.
func rewriteInList(canonical string, n int) string {
	loc := reInSubquery.FindStringIndex(canonical)
	if loc == nil {
		return canonical
	}
	open := strings.Index(canonical[loc[0]:], "(")
	start := loc[0] + open
	depth := 0
	end := len(canonical)
	for i := start; i < len(canonical); i++ {
		switch canonical[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i + 1
				i = len(canonical)
			}
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", n), ",")
	return canonical[:start] + "(" + placeholders + ")" + canonical[end:]
}

func cacheKey(canonical string, target Target, contextKey string) string {
	h := sha256.Sum256([]byte(canonical + "|" + string(target) + "|" + contextKey))
	return "qc:" + hex.EncodeToString(h[:16])
}

func (r *Router) cacheGet(ctx context.Context, key string) (*Result, bool) {
	if res, ok := r.l1.Get(key); ok {
		res.Cached = true
		return &res, true
	}
	if r.l2 == nil {
		return nil, false
	}
	var res Result
	if err := r.l2.GetJSON(ctx, key, &res); err != nil {
		if !cache.IsMiss(err) {
			r.logger.Warn("l2 cache read failed", zap.Error(err))
		}
		return nil, false
	}
	r.l1.Add(key, res)
	res.Cached = true
	return &res, true
}

func (r *Router) cachePut(ctx context.Context, key string, tables []string, res *Result) {
	r.l1.Add(key, *res)
	r.trackL1Deps(key, tables)

	if r.l2 == nil {
		return
	}
	if err := r.l2.SetJSON(ctx, key, res, r.l2TTL); err != nil {
		r.logger.Warn("l2 cache write failed", zap.Error(err))
		return
	}
	for _, t := range tables {
		if err := r.l2.SAdd(ctx, depsKey(t), key); err != nil {
			r.logger.Warn("l2 dependency tracking failed",
				zap.String("table", t), zap.Error(err))
		}
	}
}

// invalidate evicts every cached result whose dependency set contains
// a written table, in both cache levels.
func (r *Router) invalidate(ctx context.Context, tables []string) {
	r.l1DepsMu.Lock()
	for _, t := range tables {
		for key := range r.l1Deps[t] {
			r.l1.Remove(key)
		}
		delete(r.l1Deps, t)
	}
	r.l1DepsMu.Unlock()

	if r.l2 == nil {
		return
	}
	for _, t := range tables {
		keys, err := r.l2.SMembers(ctx, depsKey(t))
		if err != nil {
			r.logger.Warn("l2 invalidation lookup failed",
				zap.String("table", t), zap.Error(err))
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := r.l2.DeleteMany(ctx, append(keys, depsKey(t))); err != nil {
			r.logger.Warn("l2 invalidation failed",
				zap.String("table", t), zap.Error(err))
		}
	}
}

func (r *Router) trackL1Deps(key string, tables []string) {
	r.l1DepsMu.Lock()
	defer r.l1DepsMu.Unlock()
	for _, t := range tables {
		set, ok := r.l1Deps[t]
		if !ok {
			set = make(map[string]struct{})
			r.l1Deps[t] = set
		}
		set[key] = struct{}{}
	}
}

func depsKey(table string) string {
	return "qc:deps:" + table
}

// PoolHealth reports both engine breakers.
func (r *Router) PoolHealth() map[string]breaker.State {
	return map[string]breaker.State{
		"oltp": r.oltpBreaker.State(),
		"olap": r.olapBreaker.State(),
	}
}
