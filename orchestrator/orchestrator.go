// Package orchestrator implements the Counter Orchestrator (C7), the
// engine's single public entry point: it composes the catalog, planner,
// storage gateway, and (optionally) the query dispatcher into one
// computeCounters call per fact.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sgaydamakov/counters/catalog"
	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/dispatch"
	"github.com/sgaydamakov/counters/metrics"
	"github.com/sgaydamakov/counters/planner"
	"github.com/sgaydamakov/counters/storage"
)

// Options binds one computeCounters call's per-call knobs.
type Options struct {
	DepthLimit    int64
	DepthFromDate *time.Time
	Debug         bool
	AllowList     map[string]struct{}
}

// Metrics is the per-call envelope named in the engine's external
// interfaces. Fields with no meaningful value for a given short-circuit
// path are left zero.
type Metrics struct {
	Reason                  string
	IndexCount              int
	FactCountersCount       int
	EvaluationCountersCount int
	GroupCount              int
	RelevantIndexCount      int
	LookupBytes             int
	LookupLatencyMax        time.Duration
	AggregateBytes          int
	AggregateLatencyMax     time.Duration
	AggregateCount          int
	ResultCountersCount     int
	WaitLatency             time.Duration
	PoolInitLatency         time.Duration
	BatchPrepLatency        time.Duration
	BatchExecLatency        time.Duration
	ResultMergeLatency      time.Duration
	BatchTransformLatency   time.Duration
	Errors                  []string
}

// Result is computeCounters' return value.
type Result struct {
	Counters map[string]common.CounterResult
	Metrics  Metrics
}

// groupOutcome is one group's aggregation outcome, merged into the call's
// overall counter map and metrics envelope.
type groupOutcome struct {
	Counters map[string]common.CounterResult
	Err      error
	Latency  time.Duration
	Bytes    int
}

// preparedGroup is one group's aggregation request, resolved up front
// (hashes looked up, pipeline built) so every group in a call can be
// submitted to the Query Dispatcher in a single executeQueries batch
// instead of one call per group.
type preparedGroup struct {
	key            string
	factIDs        []string      // facts strategy only; nil otherwise
	facetPipeline  []interface{} // the group's own $facet-only stage sequence
	fullPipeline   []interface{} // facetPipeline plus whatever $match/$lookup precedes it
	collectionName string
	lookupLatency  time.Duration
	err            error // set when the lookup phase itself failed
	empty          bool  // facts-strategy lookup matched no facts
}

// Backend is the subset of the Storage Gateway (C3) the orchestrator
// depends on; *storage.Gateway satisfies it. Defined as an interface so
// orchestrator logic can be tested against a fake without a live database,
// the same way the teacher's worker package depends on a Queue interface
// rather than a concrete Redis client.
type Backend interface {
	Strategy() storage.Strategy
	LookupIndex(ctx context.Context, indexTypeName string, plan storage.IndexLookupPlan) (storage.LookupResult, error)
	AggregateFacts(ctx context.Context, factIDs []string, facetPipeline []interface{}) (storage.AggregateResult, error)
	AggregateIndex(ctx context.Context, pipeline []interface{}) (storage.AggregateResult, error)
}

// Orchestrator composes C1-C5 behind a single ComputeCounters call.
type Orchestrator struct {
	catalog    *catalog.Catalog
	gateway    Backend
	plannerOpt planner.Options
	dispatcher *dispatch.Dispatcher
	minWorkers int
	log        *common.ContextLogger
	sink       metrics.Sink
}

// New builds an Orchestrator. dispatcher may be nil, in which case every
// aggregation is issued directly against the gateway; per the engine's
// routing rule a non-nil dispatcher is only used when minWorkers > 1.
func New(cat *catalog.Catalog, gw Backend, plannerOpt planner.Options, d *dispatch.Dispatcher, minWorkers int, sink metrics.Sink, log *common.ContextLogger) *Orchestrator {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Orchestrator{catalog: cat, gateway: gw, plannerOpt: plannerOpt, dispatcher: d, minWorkers: minWorkers, log: log, sink: sink}
}

// validate enforces computeCounters' upstream API contract: fact.id
// non-empty, fact.type >= 1, every indexEntries[].hash non-empty. A
// violation is the only input-side failure that surfaces as an error
// rather than an empty-result envelope.
func validate(fact common.Fact, indexEntries []common.IndexEntry) error {
	if fact.ID == "" {
		return common.NewCoreError(common.InputInvariantViolation, "fact.id must be non-empty", nil)
	}
	if fact.Type < 1 {
		return common.NewCoreError(common.InputInvariantViolation, "fact.type must be >= 1", nil)
	}
	for _, e := range indexEntries {
		if e.Hash == "" {
			return common.NewCoreError(common.InputInvariantViolation, "indexEntries[].hash must be non-empty", nil)
		}
	}
	return nil
}

// ComputeCounters is the engine's single public entry point.
func (o *Orchestrator) ComputeCounters(ctx context.Context, fact common.Fact, indexEntries []common.IndexEntry, opts Options) (Result, error) {
	if err := validate(fact, indexEntries); err != nil {
		return Result{}, err
	}

	if len(indexEntries) == 0 {
		return Result{Counters: map[string]common.CounterResult{}, Metrics: Metrics{Reason: "no-index"}}, nil
	}

	applied := o.catalog.ApplicableCounters(fact, opts.AllowList)
	if len(applied.Applied) == 0 {
		return Result{Counters: map[string]common.CounterResult{}, Metrics: Metrics{Reason: "no-counters", EvaluationCountersCount: applied.EvaluationTouched}}, nil
	}

	now := time.Now()
	timeField := o.gateway.Strategy().TimeField()

	prepStart := time.Now()
	plan := planner.Build(applied.Applied, timeField, o.plannerOpt, now, o.log)
	groups, unresolved := planner.Substitute(plan, fact, now)
	for _, name := range unresolved {
		o.logf("orchestrator: unresolved placeholder %q for fact %s", name, fact.ID)
	}

	m := Metrics{
		IndexCount:              len(indexEntries),
		EvaluationCountersCount: applied.EvaluationTouched,
		FactCountersCount:       len(applied.Applied),
		GroupCount:              len(groups),
	}

	if len(groups) == 0 {
		// planner.Build adds one FacetStages entry per applied counter it
		// processes, so this only fires if a future planner change (or a
		// MaxCountersProcessing of exactly 0 meaning "unlimited" being
		// read as "process none") stops short of every counter; applied
		// is already known non-empty at this point.
		err := common.NewCoreError(common.PlanEmpty, "planner produced no groups for the applicable counters", nil)
		m.Reason = "plan-empty"
		m.Errors = append(m.Errors, err.Error())
		return Result{Counters: map[string]common.CounterResult{}, Metrics: m}, nil
	}

	// Resolve which groups have relevant index entries at all before doing
	// any I/O; a group whose index type never resolved for this fact never
	// reaches the lookup or aggregation phase.
	type groupTask struct {
		key    string
		hashes []string
		group  planner.GroupPlan
	}
	var tasks []groupTask
	for key, group := range groups {
		indexTypeName := strings.SplitN(key, "#", 2)[0]
		descriptor, ok := o.catalog.IndexDescriptor(indexTypeName)
		if !ok {
			o.logf("orchestrator: no index descriptor for %q, skipping group", indexTypeName)
			continue
		}

		hashes := relevantHashes(indexEntries, descriptor.IndexType)
		if len(hashes) == 0 {
			o.logf("orchestrator: no index entries for %q, skipping group", indexTypeName)
			continue
		}

		m.RelevantIndexCount += len(hashes)
		tasks = append(tasks, groupTask{key: key, hashes: hashes, group: group})
	}
	m.BatchPrepLatency = time.Since(prepStart)

	// Phase 1: resolve each group's aggregation pipeline, including the
	// facts strategy's per-group lookupIndex call, in parallel. Nothing
	// here is an aggregation yet, so nothing is routed through the
	// dispatcher at this stage.
	waitStart := time.Now()
	prepared := make(map[string]preparedGroup, len(tasks))
	var prepMu sync.Mutex
	var prepWg sync.WaitGroup
	for _, task := range tasks {
		prepWg.Add(1)
		go func(task groupTask) {
			defer prepWg.Done()
			pg := o.prepareGroup(ctx, task.hashes, task.group)
			pg.key = task.key
			prepMu.Lock()
			prepared[task.key] = pg
			prepMu.Unlock()
		}(task)
	}
	prepWg.Wait()
	m.WaitLatency = time.Since(waitStart)

	outcomes := make(map[string]groupOutcome, len(prepared))
	var needAggregation []string
	for key, pg := range prepared {
		switch {
		case pg.err != nil:
			outcomes[key] = groupOutcome{Err: pg.err, Latency: pg.lookupLatency}
		case pg.empty:
			outcomes[key] = groupOutcome{Counters: map[string]common.CounterResult{}, Latency: pg.lookupLatency}
		default:
			needAggregation = append(needAggregation, key)
		}
	}

	execStart := time.Now()
	// Step 5 of the engine's compute algorithm: when a dispatcher is
	// configured with more than one worker, every group's aggregation for
	// this call is submitted in one executeQueries batch rather than one
	// dispatcher call per group, so the batch amortizes across the whole
	// call instead of per group.
	if o.useDispatcher() {
		for key, out := range o.runAggregationsViaDispatcher(ctx, prepared, needAggregation) {
			outcomes[key] = out
		}
	} else {
		for key, out := range o.runAggregationsDirect(ctx, prepared, needAggregation) {
			outcomes[key] = out
		}
	}
	m.BatchExecLatency = time.Since(execStart)

	counters := make(map[string]common.CounterResult)
	for _, out := range outcomes {
		m.AggregateCount++
		m.AggregateBytes += out.Bytes
		if out.Err != nil {
			m.Errors = append(m.Errors, out.Err.Error())
		}
		if out.Latency > m.AggregateLatencyMax {
			m.AggregateLatencyMax = out.Latency
		}
		for name, val := range out.Counters {
			counters[name] = val
		}
	}

	m.ResultCountersCount = len(counters)
	if m.Reason == "" && len(counters) == 0 {
		m.Reason = "no-result"
	}
	return Result{Counters: counters, Metrics: m}, nil
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.log != nil {
		o.log.Warnf(format, args...)
	}
}

// relevantHashes collects the distinct hashes among indexEntries belonging
// to indexType; a counter's group can only run against index entries whose
// descriptor actually resolved for this fact.
func relevantHashes(indexEntries []common.IndexEntry, indexType int) []string {
	seen := make(map[string]struct{})
	var hashes []string
	for _, e := range indexEntries {
		if e.IndexType != indexType {
			continue
		}
		if _, ok := seen[e.Hash]; ok {
			continue
		}
		seen[e.Hash] = struct{}{}
		hashes = append(hashes, e.Hash)
	}
	return hashes
}

func (o *Orchestrator) useDispatcher() bool {
	return o.dispatcher != nil && o.minWorkers > 1
}

// prepareGroup resolves one group's aggregation request without running
// any aggregation itself: the facts strategy's lookupIndex call happens
// here (each group's own I/O, independent of whether the aggregation
// that follows goes through the dispatcher or the gateway directly).
func (o *Orchestrator) prepareGroup(ctx context.Context, hashes []string, group planner.GroupPlan) preparedGroup {
	if o.gateway.Strategy() == storage.StrategyFacts {
		return o.prepareFactsGroup(ctx, hashes, group)
	}
	return o.prepareIndexGroup(hashes, group)
}

func (o *Orchestrator) prepareFactsGroup(ctx context.Context, hashes []string, group planner.GroupPlan) preparedGroup {
	lookupPlan := storage.IndexLookupPlan{Hashes: hashes, DepthLimit: group.Limit.MaxEvaluatedRecords}
	if group.Limit.FromTimeMs > 0 {
		lookupPlan.FactTimeFrom = time.Now().Add(-time.Duration(group.Limit.FromTimeMs) * time.Millisecond)
	}
	if group.Limit.ToTimeMs > 0 {
		lookupPlan.FactTimeTo = time.Now().Add(-time.Duration(group.Limit.ToTimeMs) * time.Millisecond)
	}

	lookup, err := o.gateway.LookupIndex(ctx, "", lookupPlan)
	if err != nil {
		return preparedGroup{err: fmt.Errorf("orchestrator: lookup: %w", err), lookupLatency: lookup.Latency}
	}
	if len(lookup.FactIDs) == 0 {
		return preparedGroup{empty: true, lookupLatency: lookup.Latency}
	}

	fullPipeline := append([]interface{}{map[string]interface{}{"$match": map[string]interface{}{"_id": map[string]interface{}{"$in": lookup.FactIDs}}}}, group.Pipeline...)
	return preparedGroup{
		factIDs:        lookup.FactIDs,
		facetPipeline:  group.Pipeline,
		fullPipeline:   fullPipeline,
		collectionName: "facts",
		lookupLatency:  lookup.Latency,
	}
}

func (o *Orchestrator) prepareIndexGroup(hashes []string, group planner.GroupPlan) preparedGroup {
	match := map[string]interface{}{"hash": map[string]interface{}{"$in": hashes}}
	timeWindow := map[string]interface{}{}
	if group.Limit.FromTimeMs > 0 {
		timeWindow["$gte"] = time.Now().Add(-time.Duration(group.Limit.FromTimeMs) * time.Millisecond)
	}
	if group.Limit.ToTimeMs > 0 {
		timeWindow["$lt"] = time.Now().Add(-time.Duration(group.Limit.ToTimeMs) * time.Millisecond)
	}
	if len(timeWindow) > 0 {
		match["factTime"] = timeWindow
	}

	fullPipeline := []interface{}{map[string]interface{}{"$match": match}}
	if o.gateway.Strategy() == storage.StrategyLookup {
		fullPipeline = append(fullPipeline,
			map[string]interface{}{"$lookup": map[string]interface{}{"from": "facts", "localField": "factId", "foreignField": "_id", "as": "fact"}},
			map[string]interface{}{"$unwind": "$fact"},
		)
	}
	fullPipeline = append(fullPipeline, group.Pipeline...)

	return preparedGroup{facetPipeline: group.Pipeline, fullPipeline: fullPipeline, collectionName: "indexEntries"}
}

// runAggregationsDirect issues one gateway aggregate call per group,
// concurrently, when no dispatcher is configured.
func (o *Orchestrator) runAggregationsDirect(ctx context.Context, prepared map[string]preparedGroup, keys []string) map[string]groupOutcome {
	outcomes := make(map[string]groupOutcome, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			pg := prepared[key]

			var agg storage.AggregateResult
			var err error
			if pg.collectionName == "facts" {
				agg, err = o.gateway.AggregateFacts(ctx, pg.factIDs, pg.facetPipeline)
			} else {
				agg, err = o.gateway.AggregateIndex(ctx, pg.fullPipeline)
			}
			if err == nil {
				err = agg.Err
			}

			out := groupOutcome{
				Counters: agg.Counters,
				Err:      err,
				Latency:  pg.lookupLatency + agg.Latency,
				Bytes:    payloadSize(agg.Counters),
			}
			mu.Lock()
			outcomes[key] = out
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return outcomes
}

// runAggregationsViaDispatcher submits every group in keys as one
// dispatch.Request each, all in a single ExecuteQueries call, per the
// engine's requirement to route a call's aggregations through the Query
// Dispatcher in one batch rather than one dispatcher round trip per group.
func (o *Orchestrator) runAggregationsViaDispatcher(ctx context.Context, prepared map[string]preparedGroup, keys []string) map[string]groupOutcome {
	outcomes := make(map[string]groupOutcome, len(keys))
	if len(keys) == 0 {
		return outcomes
	}

	requests := make([]dispatch.Request, 0, len(keys))
	for _, key := range keys {
		pg := prepared[key]
		requests = append(requests, dispatch.Request{ID: key, Pipeline: pg.fullPipeline, CollectionName: pg.collectionName})
	}

	results, _ := o.dispatcher.ExecuteQueries(ctx, requests)
	resultByID := make(map[string]dispatch.Result, len(results))
	for _, r := range results {
		resultByID[r.ID] = r
	}

	for _, key := range keys {
		pg := prepared[key]
		r, ok := resultByID[key]
		if !ok {
			outcomes[key] = groupOutcome{Err: fmt.Errorf("orchestrator: dispatcher returned no result for group %q", key), Latency: pg.lookupLatency}
			continue
		}
		outcomes[key] = decodeDispatchResult(r, pg.lookupLatency)
	}
	return outcomes
}

// decodeDispatchResult turns one dispatcher result's single facet document
// row into a counter map, identically to storage.DecodeFacetDocument.
func decodeDispatchResult(r dispatch.Result, extraLatency time.Duration) groupOutcome {
	if r.Error != "" {
		return groupOutcome{Err: fmt.Errorf("orchestrator: dispatcher: %s", r.Error), Latency: extraLatency}
	}

	facetDoc := make(map[string][]common.CounterResult)
	if len(r.Rows) > 0 {
		if doc, ok := r.Rows[0].(map[string]interface{}); ok {
			for name, v := range doc {
				if arr, ok := v.([]interface{}); ok {
					rows := make([]common.CounterResult, 0, len(arr))
					for _, item := range arr {
						if cr, ok := item.(map[string]interface{}); ok {
							rows = append(rows, common.CounterResult(cr))
						}
					}
					facetDoc[name] = rows
				}
			}
		}
	}

	counters := storage.DecodeFacetDocument(facetDoc)
	latency := extraLatency + time.Duration(r.Metrics.ExecTime)*time.Millisecond
	return groupOutcome{Counters: counters, Latency: latency, Bytes: r.Metrics.ResultBytes}
}

// payloadSize estimates a counter map's wire size for the metrics envelope
// when the gateway does not already report one.
func payloadSize(v interface{}) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
