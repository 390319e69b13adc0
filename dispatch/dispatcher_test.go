package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sgaydamakov/counters/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	fn func(batch ipc.QueryBatchPayload) (ipc.ResultBatchPayload, error)
}

func (f *fakeExecutor) ExecuteBatch(_ context.Context, batch ipc.QueryBatchPayload, _ time.Duration) (ipc.ResultBatchPayload, error) {
	return f.fn(batch)
}

func echoExecutor(delay map[string]time.Duration) *fakeExecutor {
	return &fakeExecutor{fn: func(batch ipc.QueryBatchPayload) (ipc.ResultBatchPayload, error) {
		results := make([]ipc.QueryResult, len(batch.Requests))
		for i, r := range batch.Requests {
			if d, ok := delay[r.ID]; ok {
				time.Sleep(d)
			}
			results[i] = ipc.QueryResult{ID: r.ID, Rows: []interface{}{r.ID}}
		}
		return ipc.ResultBatchPayload{BatchID: batch.BatchID, Results: results}, nil
	}}
}

func TestExecuteQueries_PreservesRequestOrderAcrossConcurrentBatches(t *testing.T) {
	exec := echoExecutor(map[string]time.Duration{"req-1": 30 * time.Millisecond})
	d := New(exec, 4, time.Second, nil)

	reqs := []Request{{ID: "req-1"}, {ID: "req-2"}, {ID: "req-3"}, {ID: "req-4"}}
	results, summary := d.ExecuteQueries(context.Background(), reqs)

	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, reqs[i].ID, r.ID)
	}
	assert.Equal(t, 4, summary.RequestCount)
}

func TestExecuteQueries_AssignsIDsWhenMissing(t *testing.T) {
	exec := echoExecutor(nil)
	d := New(exec, 2, time.Second, nil)

	results, _ := d.ExecuteQueries(context.Background(), []Request{{}, {}})
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].ID)
	assert.NotEqual(t, results[0].ID, results[1].ID)
}

func TestExecuteQueries_BatchCountIsBoundedByMinWorkersAndRequestCount(t *testing.T) {
	exec := echoExecutor(nil)
	d := New(exec, 10, time.Second, nil)

	_, summary := d.ExecuteQueries(context.Background(), []Request{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	assert.Equal(t, 3, summary.BatchCount)
}

func TestExecuteQueries_ExecutorErrorFabricatesPerRequestError(t *testing.T) {
	exec := &fakeExecutor{fn: func(batch ipc.QueryBatchPayload) (ipc.ResultBatchPayload, error) {
		return ipc.ResultBatchPayload{}, errors.New("worker crashed")
	}}
	d := New(exec, 1, time.Second, nil)

	results, summary := d.ExecuteQueries(context.Background(), []Request{{ID: "a"}})
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "worker crashed")
	assert.Equal(t, 1, summary.Errors)
}

func TestExecuteQueries_MissingResultIsFabricatedNotDropped(t *testing.T) {
	exec := &fakeExecutor{fn: func(batch ipc.QueryBatchPayload) (ipc.ResultBatchPayload, error) {
		return ipc.ResultBatchPayload{BatchID: batch.BatchID}, nil
	}}
	d := New(exec, 1, time.Second, nil)

	results, summary := d.ExecuteQueries(context.Background(), []Request{{ID: "a"}})
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Contains(t, results[0].Error, "missing result")
	assert.Equal(t, 1, summary.Errors)
}

func TestExecuteQueries_EmptyRequestsReturnsEmptyNotNilMisbehavior(t *testing.T) {
	d := New(echoExecutor(nil), 4, time.Second, nil)
	results, summary := d.ExecuteQueries(context.Background(), nil)
	assert.Len(t, results, 0)
	assert.Equal(t, 0, summary.RequestCount)
}
