// Package storage implements the Storage Gateway (C3): the engine's sole
// boundary to the backing document store. Two long-lived mongo.Client
// connections share one connection string — one tuned for majority
// writes, one tuned for secondary-preferred reads — matching the pool
// separation the engine's external interfaces require.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/config"
	"github.com/sgaydamakov/counters/metrics"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Strategy is the gateway's chosen counter-evaluation strategy, resolved
// once at construction from the two strategy booleans.
type Strategy string

const (
	StrategyFacts    Strategy = "facts"
	StrategyLookup   Strategy = "lookup"
	StrategyEmbedded Strategy = "embedded"
)

// TimeField returns the aggregation time field this strategy's queries
// filter on: "createdAt" when the gateway aggregates directly over facts,
// "factTime" when it aggregates over index entries.
func (s Strategy) TimeField() string {
	if s == StrategyFacts {
		return "createdAt"
	}
	return "factTime"
}

// Gateway is the Storage Gateway. It owns both mongo.Client connections and
// the collection handles the rest of the engine reads/writes through.
type Gateway struct {
	primary   *mongo.Client
	secondary *mongo.Client
	db        string
	strategy  Strategy
	log       *common.ContextLogger
	sink      metrics.Sink
}

// New connects both clients against uri/db, resolves the gateway's
// strategy from cfg, and registers pool event monitors that forward to
// sink. sink may be metrics.NoopSink{} when no backend is configured.
func New(ctx context.Context, uri, db string, cfg config.StrategyConfig, sink metrics.Sink) (*Gateway, error) {
	strategy, err := resolveStrategy(cfg)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	log := common.ServiceLogger("storage")
	if cfg.EmbedFactDataInIndex && cfg.JoinFactsFromIndex {
		log.Warn("storage: embedFactDataInIndex and joinFactsFromIndex are both true, using lookup strategy")
	}

	primary, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetWriteConcern(writeconcern.Majority()).
		SetPoolMonitor(poolMonitor(sink, "primary")))
	if err != nil {
		return nil, fmt.Errorf("storage: connect primary: %w", err)
	}

	secondary, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetReadPreference(readpref.SecondaryPreferred()).
		SetPoolMonitor(poolMonitor(sink, "secondary")))
	if err != nil {
		return nil, fmt.Errorf("storage: connect secondary: %w", err)
	}

	return &Gateway{primary: primary, secondary: secondary, db: db, strategy: strategy, log: log, sink: sink}, nil
}

// resolveStrategy implements the gateway's three-way strategy selection.
func resolveStrategy(cfg config.StrategyConfig) (Strategy, error) {
	switch {
	case cfg.EmbedFactDataInIndex && cfg.JoinFactsFromIndex:
		if cfg.StrategyConflict == "error" {
			return "", common.NewCoreError(common.Fatal, "storage: embedFactDataInIndex and joinFactsFromIndex are both true and strategyConflict=error", nil)
		}
		return StrategyLookup, nil
	case cfg.JoinFactsFromIndex:
		return StrategyLookup, nil
	case cfg.EmbedFactDataInIndex:
		return StrategyEmbedded, nil
	default:
		return StrategyFacts, nil
	}
}

// Strategy reports the gateway's resolved evaluation strategy.
func (g *Gateway) Strategy() Strategy { return g.strategy }

// Close disconnects both clients.
func (g *Gateway) Close(ctx context.Context) error {
	if err := g.primary.Disconnect(ctx); err != nil {
		return err
	}
	return g.secondary.Disconnect(ctx)
}

func (g *Gateway) facts() *mongo.Collection {
	return g.primary.Database(g.db).Collection("facts")
}

func (g *Gateway) factsRead() *mongo.Collection {
	return g.secondary.Database(g.db).Collection("facts")
}

func (g *Gateway) indexEntries() *mongo.Collection {
	return g.primary.Database(g.db).Collection("indexEntries")
}

func (g *Gateway) indexEntriesRead() *mongo.Collection {
	return g.secondary.Database(g.db).Collection("indexEntries")
}

func (g *Gateway) logs() *mongo.Collection {
	return g.primary.Database(g.db).Collection("log")
}

// SaveFactResult is saveFact's outcome.
type SaveFactResult struct {
	Kind    string // "inserted" | "updated" | "ignored"
	ID      string
	Latency time.Duration
}

// SaveFact upserts fact keyed on its id.
func (g *Gateway) SaveFact(ctx context.Context, fact common.Fact) (SaveFactResult, error) {
	start := time.Now()
	filter := bson.M{"_id": fact.ID}
	update := bson.M{"$setOnInsert": fact}
	opts := options.Update().SetUpsert(true)

	res, err := g.facts().UpdateOne(ctx, filter, update, opts)
	latency := time.Since(start)
	g.sink.ObserveLatency("storage_save_fact_seconds", nil, latency)
	if err != nil {
		return SaveFactResult{}, &MongoError{Op: "saveFact", Kind: "write", Reason: err.Error(), Err: err}
	}

	kind := "ignored"
	id := fact.ID
	switch {
	case res.UpsertedCount > 0:
		kind = "inserted"
		if oid, ok := res.UpsertedID.(string); ok {
			id = oid
		}
	case res.ModifiedCount > 0:
		kind = "updated"
	}
	return SaveFactResult{Kind: kind, ID: id, Latency: latency}, nil
}

// EntryOutcome is one index entry's individual write outcome, reported when
// bulkMode requests per-entry diagnostics.
type EntryOutcome struct {
	Hash    string
	FactID  string
	Kind    string
	Err     error
	Latency time.Duration
}

// SaveIndexEntriesResult is saveIndexEntries' outcome.
type SaveIndexEntriesResult struct {
	Inserted   int
	Updated    int
	Duplicates int
	Errors     []error
	Latency    time.Duration
	PerEntry   []EntryOutcome
}

// SaveIndexEntries writes entries via one of two execution modes: a single
// unordered bulk upsert keyed by (hash, factId) when perEntry is false, or
// parallel per-entry upserts (reporting individual latencies) when true.
func (g *Gateway) SaveIndexEntries(ctx context.Context, entries []common.IndexEntry, perEntry bool) (SaveIndexEntriesResult, error) {
	start := time.Now()
	if perEntry {
		result := g.saveIndexEntriesPerEntry(ctx, entries)
		result.Latency = time.Since(start)
		return result, nil
	}

	models := make([]mongo.WriteModel, len(entries))
	for i, e := range entries {
		filter := bson.M{"hash": e.Hash, "factId": e.FactID}
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$setOnInsert": e}).
			SetUpsert(true)
	}

	res, err := g.indexEntries().BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	latency := time.Since(start)
	g.sink.ObserveLatency("storage_save_index_entries_seconds", nil, latency)

	result := SaveIndexEntriesResult{Latency: latency}
	if res != nil {
		result.Inserted = int(res.UpsertedCount)
		result.Updated = int(res.ModifiedCount)
	}
	if err != nil {
		if bwe, ok := err.(mongo.BulkWriteException); ok {
			for _, we := range bwe.WriteErrors {
				if we.Code == 11000 {
					result.Duplicates++
					continue
				}
				result.Errors = append(result.Errors, fmt.Errorf("index entry %d: %s", we.Index, we.Message))
			}
			return result, nil
		}
		return result, &MongoError{Op: "saveIndexEntries", Kind: "write", Reason: err.Error(), Err: err}
	}
	return result, nil
}

func (g *Gateway) saveIndexEntriesPerEntry(ctx context.Context, entries []common.IndexEntry) SaveIndexEntriesResult {
	outcomes := make([]EntryOutcome, len(entries))
	done := make(chan int, len(entries))

	for i, e := range entries {
		go func(i int, e common.IndexEntry) {
			entryStart := time.Now()
			filter := bson.M{"hash": e.Hash, "factId": e.FactID}
			res, err := g.indexEntries().UpdateOne(ctx, filter, bson.M{"$setOnInsert": e}, options.Update().SetUpsert(true))
			outcomes[i] = EntryOutcome{Hash: e.Hash, FactID: e.FactID, Latency: time.Since(entryStart)}
			switch {
			case mongo.IsDuplicateKeyError(err):
				outcomes[i].Kind = "duplicate"
			case err != nil:
				outcomes[i].Err = err
				outcomes[i].Kind = "error"
			case res.UpsertedCount > 0:
				outcomes[i].Kind = "inserted"
			case res.ModifiedCount > 0:
				outcomes[i].Kind = "updated"
			default:
				outcomes[i].Kind = "duplicate"
			}
			done <- i
		}(i, e)
	}
	for range entries {
		<-done
	}

	result := SaveIndexEntriesResult{PerEntry: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			result.Errors = append(result.Errors, o.Err)
		case o.Kind == "inserted":
			result.Inserted++
		case o.Kind == "updated":
			result.Updated++
		case o.Kind == "duplicate":
			result.Duplicates++
		}
	}
	return result
}

// LookupResult is lookupIndex's outcome.
type LookupResult struct {
	FactIDs      []string
	Latency      time.Duration
	MatchedCount int64
}

// IndexLookupPlan bounds one lookupIndex call.
type IndexLookupPlan struct {
	Hashes       []string
	FactTimeFrom time.Time
	FactTimeTo   time.Time
	DepthLimit   int64
}

// LookupIndex finds matching index entries by (hash, factTime-window),
// sorted by (hash asc, factTime desc), projecting only the fact-id column.
// indexTypeName is not used: hash already encodes (indexType, field-value)
// as a single key, so the query never filters on a separate indexType
// column.
func (g *Gateway) LookupIndex(ctx context.Context, indexTypeName string, plan IndexLookupPlan) (LookupResult, error) {
	start := time.Now()
	filter := bson.M{
		"hash": bson.M{"$in": plan.Hashes},
	}
	window := bson.M{}
	if !plan.FactTimeFrom.IsZero() {
		window["$gte"] = plan.FactTimeFrom
	}
	if !plan.FactTimeTo.IsZero() {
		window["$lt"] = plan.FactTimeTo
	}
	if len(window) > 0 {
		filter["factTime"] = window
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "hash", Value: 1}, {Key: "factTime", Value: -1}}).
		SetProjection(bson.M{"factId": 1})
	if plan.DepthLimit > 0 {
		findOpts.SetLimit(plan.DepthLimit)
	}

	cur, err := g.indexEntriesRead().Find(ctx, filter, findOpts)
	if err != nil {
		return LookupResult{}, &MongoError{Op: "lookupIndex", Kind: "read", Reason: err.Error(), Err: err}
	}
	defer cur.Close(ctx)

	var factIDs []string
	for cur.Next(ctx) {
		var row struct {
			FactID string `bson:"factId"`
		}
		if err := cur.Decode(&row); err != nil {
			return LookupResult{}, &MongoError{Op: "lookupIndex", Kind: "decode", Reason: err.Error(), Err: err}
		}
		factIDs = append(factIDs, row.FactID)
	}

	latency := time.Since(start)
	g.sink.ObserveLatency("storage_lookup_index_seconds", nil, latency)
	return LookupResult{FactIDs: factIDs, Latency: latency, MatchedCount: int64(len(factIDs))}, nil
}

// AggregateResult is the shared outcome shape for aggregateFacts and
// aggregateIndex: one CounterResult per counter name.
type AggregateResult struct {
	Counters map[string]common.CounterResult
	Latency  time.Duration
	Err      error
}

// AggregateFacts aggregates facts by id-in-set, applying facetPipeline (a
// rendered $facet stage whose sub-pipelines are keyed by counter name) and
// projecting the first element of each facet.
func (g *Gateway) AggregateFacts(ctx context.Context, factIDs []string, facetPipeline []interface{}) (AggregateResult, error) {
	start := time.Now()
	pipeline := append([]interface{}{bson.M{"$match": bson.M{"_id": bson.M{"$in": factIDs}}}}, facetPipeline...)
	counters, err := g.runFacetPipeline(ctx, g.factsRead(), pipeline)
	latency := time.Since(start)
	g.sink.ObserveLatency("storage_aggregate_facts_seconds", nil, latency)
	if err != nil {
		return AggregateResult{Latency: latency, Err: err}, nil
	}
	return AggregateResult{Counters: counters, Latency: latency}, nil
}

// AggregateIndex runs pipeline (already containing any lookup/unwind the
// lookup strategy needs) against the index collection.
func (g *Gateway) AggregateIndex(ctx context.Context, pipeline []interface{}) (AggregateResult, error) {
	start := time.Now()
	counters, err := g.runFacetPipeline(ctx, g.indexEntriesRead(), pipeline)
	latency := time.Since(start)
	g.sink.ObserveLatency("storage_aggregate_index_seconds", nil, latency)
	if err != nil {
		return AggregateResult{Latency: latency, Err: err}, nil
	}
	return AggregateResult{Counters: counters, Latency: latency}, nil
}

func (g *Gateway) runFacetPipeline(ctx context.Context, coll *mongo.Collection, pipeline []interface{}) (map[string]common.CounterResult, error) {
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, &MongoError{Op: "aggregate", Kind: "read", Reason: err.Error(), Err: err}
	}
	defer cur.Close(ctx)

	var facetDoc map[string][]common.CounterResult
	if cur.Next(ctx) {
		if err := cur.Decode(&facetDoc); err != nil {
			return nil, &MongoError{Op: "aggregate", Kind: "decode", Reason: err.Error(), Err: err}
		}
	}

	return DecodeFacetDocument(facetDoc), nil
}

// DecodeFacetDocument projects the first element of each facet's result
// array into a flat counter-name map, exported so callers that run a facet
// pipeline through a different execution path (the dispatcher, rather than
// this gateway) can decode its rows identically.
func DecodeFacetDocument(facetDoc map[string][]common.CounterResult) map[string]common.CounterResult {
	counters := make(map[string]common.CounterResult, len(facetDoc))
	for name, rows := range facetDoc {
		if len(rows) > 0 {
			counters[name] = rows[0]
		} else {
			counters[name] = common.CounterResult{}
		}
	}
	return counters
}

// AppendLog writes record to the best-effort log collection; errors are
// logged but never propagated.
func (g *Gateway) AppendLog(ctx context.Context, record map[string]interface{}) {
	if _, err := g.logs().InsertOne(ctx, record); err != nil {
		g.log.WithError(err).Warn("storage: appendLog failed")
	}
}

