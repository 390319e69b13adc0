// Package queryworker implements the Query Worker (C6) subprocess side of
// the engine's IPC protocol: it receives its storage connection over INIT,
// then runs aggregation pipelines against a read-tuned Mongo client on
// behalf of the Process Pool Manager (C5), one QUERY/QUERY_BATCH at a time.
package queryworker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/ipc"
)

// Worker reads Message frames from in, runs whatever they ask for against
// its Mongo client, and writes results to out. Run blocks until SHUTDOWN or
// the input stream closes.
type Worker struct {
	in    *bufio.Reader
	out   io.Writer
	codec ipc.Codec
	log   *common.ContextLogger

	client *mongo.Client
	db     *mongo.Database
}

// New constructs a Worker bound to the given IPC streams. It does not
// connect to storage until its first INIT message arrives.
func New(in io.Reader, out io.Writer, codec ipc.Codec, log *common.ContextLogger) *Worker {
	return &Worker{in: bufio.NewReader(in), out: out, codec: codec, log: log}
}

// Run processes frames until SHUTDOWN or the stream ends, returning nil on
// a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := ipc.ReadFrame(w.in, w.codec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queryworker: read frame: %w", err)
		}

		switch msg.Type {
		case ipc.MessageTypeInit:
			if err := w.handleInit(ctx, msg.Payload.(ipc.InitPayload)); err != nil {
				w.sendError("INIT_FAILED", err)
				return err
			}
			w.send(&ipc.Message{Type: ipc.MessageTypeReady})

		case ipc.MessageTypeQuery:
			w.handleQuery(ctx, msg.Payload.(ipc.QueryRequest))

		case ipc.MessageTypeQueryBatch:
			w.handleBatch(ctx, msg.Payload.(ipc.QueryBatchPayload))

		case ipc.MessageTypeShutdown:
			if w.client != nil {
				_ = w.client.Disconnect(ctx)
			}
			return nil

		default:
			w.sendError("UNKNOWN_MESSAGE_TYPE", fmt.Errorf("queryworker: unexpected message type %q", msg.Type))
		}
	}
}

func (w *Worker) handleInit(ctx context.Context, payload ipc.InitPayload) error {
	clientOpts := options.Client().ApplyURI(payload.ConnectionString).SetReadPreference(readpref.SecondaryPreferred())
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return fmt.Errorf("queryworker: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.SecondaryPreferred()); err != nil {
		return fmt.Errorf("queryworker: ping: %w", err)
	}
	w.client = client
	w.db = client.Database(payload.DatabaseName)
	return nil
}

func (w *Worker) handleQuery(ctx context.Context, req ipc.QueryRequest) {
	result := w.runOne(ctx, req)
	w.send(&ipc.Message{Type: ipc.MessageTypeResult, Payload: result})
}

func (w *Worker) handleBatch(ctx context.Context, batch ipc.QueryBatchPayload) {
	results := make([]ipc.QueryResult, len(batch.Requests))
	for i, req := range batch.Requests {
		results[i] = w.runOne(ctx, req)
	}
	w.send(&ipc.Message{Type: ipc.MessageTypeResultBatch, Payload: ipc.ResultBatchPayload{BatchID: batch.BatchID, Results: results}})
}

func (w *Worker) runOne(ctx context.Context, req ipc.QueryRequest) ipc.QueryResult {
	submit := time.Now()

	coll := w.db.Collection(req.CollectionName)
	opts := options.Aggregate()
	if maxTimeMs, ok := req.Options["maxTimeMs"].(int64); ok && maxTimeMs > 0 {
		opts.SetMaxTime(time.Duration(maxTimeMs) * time.Millisecond)
	}

	execStart := time.Now()
	cur, err := coll.Aggregate(ctx, req.Pipeline, opts)
	if err != nil {
		return ipc.QueryResult{ID: req.ID, Error: err.Error(), Metrics: ipc.ResultMetrics{SubmitTime: submit}}
	}
	defer cur.Close(ctx)

	var rows []interface{}
	if err := cur.All(ctx, &rows); err != nil {
		return ipc.QueryResult{ID: req.ID, Error: err.Error(), Metrics: ipc.ResultMetrics{SubmitTime: submit}}
	}
	execTime := time.Since(execStart)

	return ipc.QueryResult{
		ID:   req.ID,
		Rows: rows,
		Metrics: ipc.ResultMetrics{
			SubmitTime: submit,
			WaitTime:   execStart.Sub(submit).Milliseconds(),
			ExecTime:   execTime.Milliseconds(),
		},
	}
}

func (w *Worker) send(msg *ipc.Message) {
	if err := ipc.WriteFrame(w.out, w.codec, msg); err != nil && w.log != nil {
		w.log.WithError(err).Error("queryworker: write frame failed")
	}
}

func (w *Worker) sendError(code string, err error) {
	w.send(&ipc.Message{Type: ipc.MessageTypeError, Payload: ipc.ErrorPayload{Code: code, Message: err.Error()}})
}
