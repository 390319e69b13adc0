// Command countersdemo runs a single computeCounters call against a fact
// and its index entries read from a JSON file, wiring the catalog,
// planner, storage gateway, and orchestrator the same way a long-running
// ingest service would.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sgaydamakov/counters/catalog"
	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/config"
	"github.com/sgaydamakov/counters/dispatch"
	"github.com/sgaydamakov/counters/ipc"
	"github.com/sgaydamakov/counters/metrics"
	"github.com/sgaydamakov/counters/orchestrator"
	"github.com/sgaydamakov/counters/planner"
	"github.com/sgaydamakov/counters/storage"
	"github.com/sgaydamakov/counters/workerpool"
)

type factInput struct {
	Fact         common.Fact         `json:"fact"`
	IndexEntries []common.IndexEntry `json:"indexEntries"`
}

func main() {
	countersPath := flag.String("counters", "counters.yaml", "path to the counter definitions catalog")
	indexesPath := flag.String("indexes", "indexes.yaml", "path to the index descriptors catalog")
	inputPath := flag.String("input", "", "path to a JSON file with {fact, indexEntries}; reads stdin when empty")
	envPrefix := flag.String("env-prefix", "COUNTERS", "environment variable prefix for configuration")
	workerBinary := flag.String("worker-binary", "", "path to the queryworker binary; when set and pool.minWorkers > 1, aggregations route through a worker pool and query dispatcher")
	flag.Parse()

	log := common.ServiceLogger("countersdemo")
	cfg := config.LoadCountersConfig(*envPrefix)

	counterDefs, err := catalog.LoadCounterDefinitions(*countersPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load counter definitions")
	}
	indexDescs, err := catalog.LoadIndexDescriptors(*indexesPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load index descriptors")
	}
	cat := catalog.New(counterDefs, indexDescs)

	sink := metrics.NoopSink{}

	ctx := context.Background()
	gw, err := storage.New(ctx, cfg.MongoURI, cfg.MongoDB, cfg.Strategy, sink)
	if err != nil {
		log.WithError(err).Fatal("failed to connect storage gateway")
	}
	defer gw.Close(ctx)

	plannerOpts := planner.Options{
		MaxCountersProcessing:    cfg.Planner.MaxCountersProcessing,
		MaxCountersPerRequest:    cfg.Planner.MaxCountersPerRequest,
		MaxDepthLimit:            cfg.Planner.MaxDepthLimit,
		SplitIntervals:           cfg.Planner.SplitIntervals,
		LegacyMode:               cfg.Planner.LegacyMode,
		StrictDottedPlaceholders: cfg.Planner.StrictDottedPlaceholders,
	}

	var d *dispatch.Dispatcher
	if *workerBinary != "" && cfg.Pool.MinWorkers > 1 {
		poolCfg := workerpool.FromPoolConfig(cfg.Pool, *workerBinary, nil, cfg.IPC.BinaryCodec, ipc.InitPayload{
			ConnectionString: cfg.MongoURI,
			DatabaseName:     cfg.MongoDB,
		})
		pool := workerpool.New(poolCfg, sink, log)
		if err := pool.Start(ctx); err != nil {
			log.WithError(err).Fatal("failed to start worker pool")
		}
		defer pool.Shutdown(ctx)
		d = dispatch.New(pool, cfg.Pool.MinWorkers, poolCfg.DefaultTimeout, log)
	}

	orch := orchestrator.New(cat, gw, plannerOpts, d, cfg.Pool.MinWorkers, sink, log)

	var in factInput
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.WithError(err).Fatal("failed to open input file")
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&in); err != nil {
			log.WithError(err).Fatal("failed to decode input file")
		}
	} else {
		if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
			log.WithError(err).Fatal("failed to decode stdin")
		}
	}

	result, err := orch.ComputeCounters(ctx, in.Fact, in.IndexEntries, orchestrator.Options{})
	if err != nil {
		log.WithError(err).Fatal("computeCounters failed")
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.WithError(err).Fatal("failed to marshal result")
	}
	fmt.Println(string(out))
}
