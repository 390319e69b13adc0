// Package dispatch implements the Query Dispatcher (C4): it takes a batch of
// aggregation requests, partitions them across whatever worker concurrency
// is available, and restores the caller's request order in the response
// regardless of which batch finishes first.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/ipc"
)

// Executor submits one batch of requests to the worker pool (C5) and waits
// for its matching result batch. Implementations own timeout, worker
// selection, and respawn; Dispatcher only owns partitioning and ordering.
type Executor interface {
	ExecuteBatch(ctx context.Context, batch ipc.QueryBatchPayload, timeout time.Duration) (ipc.ResultBatchPayload, error)
}

// Request is one caller-supplied aggregation to run. ID is optional; the
// dispatcher assigns one when empty so results can always be matched back.
type Request struct {
	ID             string
	Pipeline       []interface{}
	CollectionName string
	Options        map[string]interface{}
}

// Result is one request's outcome, carrying the same ID the request was
// submitted or assigned.
type Result struct {
	ID      string
	Rows    []interface{}
	Error   string
	Metrics ipc.ResultMetrics
}

// Summary is the call-level rolling tally across every request in this
// ExecuteQueries call.
type Summary struct {
	RequestCount   int
	BatchCount     int
	TotalQueryTime time.Duration
	TotalWaitTime  time.Duration
	TotalResultSize int
	Errors         int
}

// Dispatcher partitions requests into min(MinWorkers, requestCount)
// batches and submits them concurrently through an Executor.
type Dispatcher struct {
	exec       Executor
	minWorkers int
	timeout    time.Duration
	log        *common.ContextLogger
	idSeq      int64
	idMu       sync.Mutex
}

// New builds a Dispatcher. minWorkers is the Process Pool Manager's
// currently-ready worker count (or its configured minimum, whichever the
// caller wants to bound batches by); timeout bounds each individual batch's
// round trip and defaults to 60s when zero or negative.
func New(exec Executor, minWorkers int, timeout time.Duration, log *common.ContextLogger) *Dispatcher {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Dispatcher{exec: exec, minWorkers: minWorkers, timeout: timeout, log: log}
}

func (d *Dispatcher) nextID() string {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	d.idSeq++
	return fmt.Sprintf("req-%d", d.idSeq)
}

// ExecuteQueries runs every request, partitioning into at most
// min(minWorkers, len(requests)) concurrently-submitted batches, and
// returns results in the same order requests were given regardless of
// which batch completes first.
func (d *Dispatcher) ExecuteQueries(ctx context.Context, requests []Request) ([]Result, Summary) {
	n := len(requests)
	results := make([]Result, n)
	if n == 0 {
		return results, Summary{}
	}

	ids := make([]string, n)
	for i, r := range requests {
		if r.ID != "" {
			ids[i] = r.ID
		} else {
			ids[i] = d.nextID()
		}
	}

	batchCount := d.minWorkers
	if batchCount > n {
		batchCount = n
	}
	batches := partition(n, batchCount)

	var wg sync.WaitGroup
	var mu sync.Mutex
	summary := Summary{RequestCount: n, BatchCount: len(batches)}

	for _, idxs := range batches {
		idxs := idxs
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runBatch(ctx, requests, ids, idxs, results, &mu, &summary)
		}()
	}
	wg.Wait()

	return results, summary
}

func (d *Dispatcher) runBatch(ctx context.Context, requests []Request, ids []string, idxs []int, results []Result, mu *sync.Mutex, summary *Summary) {
	submitTime := submitTimeFor(ctx)

	payload := ipc.QueryBatchPayload{BatchID: d.nextID(), Requests: make([]ipc.QueryRequest, len(idxs))}
	for i, idx := range idxs {
		req := requests[idx]
		payload.Requests[i] = ipc.QueryRequest{
			ID:             ids[idx],
			Pipeline:       req.Pipeline,
			CollectionName: req.CollectionName,
			Options:        req.Options,
		}
	}

	batchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resultBatch, err := d.exec.ExecuteBatch(batchCtx, payload, d.timeout)

	byID := make(map[string]ipc.QueryResult, len(resultBatch.Results))
	for _, r := range resultBatch.Results {
		byID[r.ID] = r
	}

	mu.Lock()
	defer mu.Unlock()
	for _, idx := range idxs {
		id := ids[idx]
		r, ok := byID[id]
		switch {
		case err != nil:
			results[idx] = Result{ID: id, Error: err.Error(), Metrics: missingResultMetrics(submitTime)}
			summary.Errors++
		case !ok:
			results[idx] = Result{ID: id, Error: "missing result: worker returned no entry for this request", Metrics: missingResultMetrics(submitTime)}
			summary.Errors++
		default:
			results[idx] = Result{ID: id, Rows: r.Rows, Error: r.Error, Metrics: r.Metrics}
			if r.Error != "" {
				summary.Errors++
			}
			summary.TotalQueryTime += time.Duration(r.Metrics.ExecTime) * time.Millisecond
			summary.TotalWaitTime += time.Duration(r.Metrics.WaitTime) * time.Millisecond
			summary.TotalResultSize += resultSize(r)
		}
	}
}

func resultSize(r ipc.QueryResult) int {
	if r.Metrics.ResultBytes > 0 {
		return r.Metrics.ResultBytes
	}
	b, err := json.Marshal(r.Rows)
	if err != nil {
		return 0
	}
	return len(b)
}

func missingResultMetrics(submitTime time.Time) ipc.ResultMetrics {
	return ipc.ResultMetrics{SubmitTime: submitTime, WaitTime: time.Since(submitTime).Milliseconds()}
}

// submitTimeFor returns "now"; split out so batch submission timestamps are
// computed in exactly one place.
func submitTimeFor(_ context.Context) time.Time { return timeNow() }

var timeNow = time.Now

// partition splits [0,n) into b contiguous, near-equal-sized index groups.
func partition(n, b int) [][]int {
	if b < 1 {
		b = 1
	}
	base := n / b
	rem := n % b
	out := make([][]int, 0, b)
	start := 0
	for i := 0; i < b; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		idxs := make([]int, size)
		for j := 0; j < size; j++ {
			idxs[j] = start + j
		}
		start += size
		out = append(out, idxs)
	}
	return out
}
