package workerpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/config"
	"github.com/sgaydamakov/counters/ipc"
	"github.com/sgaydamakov/counters/metrics"
)

// Config binds the pool's sizing and timeout knobs, mirroring
// config.PoolConfig plus what is needed to actually spawn a worker.
type Config struct {
	WorkerCommand        string
	WorkerArgs           []string
	WorkerCount          int
	MinWorkers           int
	WorkerInitTimeout    time.Duration
	DefaultTimeout       time.Duration
	MaxWaitForWorkers    time.Duration
	RespawnBackoffMaxTry int
	BinaryCodec          bool
	Init                 ipc.InitPayload
}

// FromPoolConfig builds a workerpool.Config from the engine's loaded
// PoolConfig plus the worker connection details.
func FromPoolConfig(pc config.PoolConfig, workerCommand string, workerArgs []string, ipcBinary bool, init ipc.InitPayload) Config {
	return Config{
		WorkerCommand:        workerCommand,
		WorkerArgs:           workerArgs,
		WorkerCount:          pc.WorkerCount,
		MinWorkers:           pc.MinWorkers,
		WorkerInitTimeout:    time.Duration(pc.WorkerInitTimeoutMs) * time.Millisecond,
		DefaultTimeout:       time.Duration(pc.DefaultTimeoutMs) * time.Millisecond,
		MaxWaitForWorkers:    time.Duration(pc.MaxWaitForWorkersMs) * time.Millisecond,
		RespawnBackoffMaxTry: pc.RespawnBackoffMaxTry,
		BinaryCodec:          ipcBinary,
		Init:                 init,
	}
}

// worker is one subprocess plus the pipes and codec used to talk to it.
type worker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	codec  ipc.Codec
	mu     sync.Mutex // serializes writes to stdin
}

// Pool spawns and supervises Query Worker subprocesses and submits
// dispatcher batches to them. It implements dispatch.Executor.
type Pool struct {
	cfg     Config
	log     *common.ContextLogger
	sink    metrics.Sink
	states  *stateTracker
	pending *pendingRequests

	mu          sync.Mutex
	workers     map[string]*worker
	initialized chan struct{}
	initOnce    sync.Once
	shuttingDown bool
}

// New creates a Pool with no workers spawned yet; call Start to spawn the
// configured worker count and wait for their INIT handshakes.
func New(cfg Config, sink metrics.Sink, log *common.ContextLogger) *Pool {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Pool{
		cfg:         cfg,
		log:         log,
		sink:        sink,
		states:      newStateTracker(),
		pending:     newPendingRequests(1000, 50),
		workers:     make(map[string]*worker),
		initialized: make(chan struct{}),
	}
}

// Start spawns cfg.WorkerCount workers and blocks until at least
// cfg.MinWorkers complete their INIT handshake or cfg.MaxWaitForWorkers
// elapses, whichever comes first.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		if err := p.spawnWorker(ctx); err != nil {
			p.logf("spawn worker %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(p.cfg.MaxWaitForWorkers)
	for p.states.countReady() < p.cfg.MinWorkers && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	p.initOnce.Do(func() { close(p.initialized) })

	if p.states.countReady() < p.cfg.MinWorkers {
		return fmt.Errorf("workerpool: only %d/%d workers ready after %s", p.states.countReady(), p.cfg.MinWorkers, p.cfg.MaxWaitForWorkers)
	}
	return nil
}

func (p *Pool) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Warnf(format, args...)
	}
}

func (p *Pool) spawnWorker(ctx context.Context) error {
	id := uuid.NewString()
	cmd := exec.CommandContext(ctx, p.cfg.WorkerCommand, p.cfg.WorkerArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("workerpool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("workerpool: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("workerpool: start worker: %w", err)
	}

	w := &worker{id: id, cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), codec: ipc.NewCodec(p.cfg.BinaryCodec)}

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()

	p.states.register(id, cmd.Process.Pid)
	p.sink.IncCounter("pool_worker_spawned_total", nil)

	go p.watchExit(w)
	go p.handshake(w)

	return nil
}

func (p *Pool) handshake(w *worker) {
	if err := ipc.WriteFrame(w.stdin, w.codec, &ipc.Message{Type: ipc.MessageTypeInit, Payload: p.cfg.Init}); err != nil {
		p.failWorker(w.id, fmt.Errorf("workerpool: init write: %w", err))
		return
	}

	readyCh := make(chan error, 1)
	go func() {
		msg, err := ipc.ReadFrame(w.stdout, w.codec)
		if err != nil {
			readyCh <- err
			return
		}
		if msg.Type != ipc.MessageTypeReady {
			readyCh <- fmt.Errorf("workerpool: expected READY, got %s", msg.Type)
			return
		}
		readyCh <- nil
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			p.failWorker(w.id, err)
			return
		}
		if err := p.states.transition(w.id, StateReady); err != nil {
			p.failWorker(w.id, err)
			return
		}
		p.sink.IncCounter("pool_worker_ready_total", nil)
		go p.serve(w)
	case <-time.After(p.cfg.WorkerInitTimeout):
		p.failWorker(w.id, fmt.Errorf("workerpool: worker %q init timed out after %s", w.id, p.cfg.WorkerInitTimeout))
	}
}

// serve reads RESULT_BATCH/ERROR frames from w in a loop and routes each
// to the pending batch it answers.
func (p *Pool) serve(w *worker) {
	for {
		msg, err := ipc.ReadFrame(w.stdout, w.codec)
		if err != nil {
			p.failWorker(w.id, common.NewCoreError(common.WorkerDied, fmt.Sprintf("read from worker %q", w.id), err))
			return
		}
		switch msg.Type {
		case ipc.MessageTypeResultBatch:
			payload := msg.Payload.(ipc.ResultBatchPayload)
			if b, ok := p.pending.take(payload.BatchID); ok {
				_ = p.states.transition(w.id, StateReady)
				b.resultCh <- batchOutcome{payload: payload}
			}
		case ipc.MessageTypeError:
			payload := msg.Payload.(ipc.ErrorPayload)
			p.logf("worker %q reported error: %s", w.id, payload.Message)
		}
	}
}

func (p *Pool) watchExit(w *worker) {
	err := w.cmd.Wait()
	_ = p.states.transition(w.id, StateDead)
	p.states.remove(w.id)
	p.mu.Lock()
	delete(p.workers, w.id)
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	p.pending.recordExit(w.id, err)
	p.pending.failPendingForWorker(w.id, common.NewCoreError(common.WorkerDied, fmt.Sprintf("worker %q exited", w.id), err))
	p.sink.IncCounter("pool_worker_exit_total", nil)

	if shuttingDown {
		return
	}
	p.respawnWithBackoff()
}

func (p *Pool) failWorker(id string, err error) {
	p.logf("worker %q failed: %v", id, err)
	_ = p.states.transition(id, StateDead)
	p.pending.failPendingForWorker(id, err)
	p.pending.recordExit(id, err)
}

func (p *Pool) respawnWithBackoff() {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.RespawnBackoffMaxTry))
	_ = backoff.Retry(func() error {
		return p.spawnWorker(context.Background())
	}, b)
}

// ExecuteBatch implements dispatch.Executor: submits payload to the first
// ready worker and waits for its RESULT_BATCH, timing out after timeout.
func (p *Pool) ExecuteBatch(ctx context.Context, payload ipc.QueryBatchPayload, timeout time.Duration) (ipc.ResultBatchPayload, error) {
	<-p.initialized

	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	// claimReadyWait atomically picks and marks a worker busy, waiting up
	// to MaxWaitForWorkers for one to become ready rather than failing fast.
	id, ok := p.states.claimReadyWait(payload.BatchID, p.cfg.MaxWaitForWorkers)
	if !ok {
		return ipc.ResultBatchPayload{}, common.NewCoreError(common.NoReadyWorkers,
			fmt.Sprintf("no ready worker available after %s", p.cfg.MaxWaitForWorkers), nil)
	}

	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		_ = p.states.transition(id, StateDead)
		return ipc.ResultBatchPayload{}, common.NewCoreError(common.WorkerDied,
			fmt.Sprintf("worker %q vanished before dispatch", id), nil)
	}

	pb := &pendingBatch{batchID: payload.BatchID, workerID: id, deadline: time.Now().Add(timeout), resultCh: make(chan batchOutcome, 1)}
	p.pending.add(pb)

	w.mu.Lock()
	err := ipc.WriteFrame(w.stdin, w.codec, &ipc.Message{Type: ipc.MessageTypeQueryBatch, Payload: payload})
	w.mu.Unlock()
	if err != nil {
		p.pending.take(payload.BatchID)
		return ipc.ResultBatchPayload{}, common.NewCoreError(common.WorkerDied,
			fmt.Sprintf("write batch to worker %q", id), err)
	}

	select {
	case outcome := <-pb.resultCh:
		if outcome.err != nil {
			return ipc.ResultBatchPayload{}, outcome.err
		}
		return outcome.payload.(ipc.ResultBatchPayload), nil
	case <-time.After(timeout):
		p.pending.take(payload.BatchID)
		return ipc.ResultBatchPayload{}, common.NewCoreError(common.BatchTimeout,
			fmt.Sprintf("batch %q timed out after %s", payload.BatchID, timeout), nil)
	case <-ctx.Done():
		p.pending.take(payload.BatchID)
		return ipc.ResultBatchPayload{}, ctx.Err()
	}
}

// Workers returns a snapshot of every tracked worker's status.
func (p *Pool) Workers() []WorkerStatus { return p.states.all() }

// RecentExits returns a snapshot of recently exited workers, most useful
// for deciding whether the pool is crash-looping.
func (p *Pool) RecentExits() []exitRecord { return p.pending.RecentExits() }

// Shutdown signals every live worker to stop and disables respawn.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shuttingDown = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		_ = ipc.WriteFrame(w.stdin, w.codec, &ipc.Message{Type: ipc.MessageTypeShutdown})
		w.mu.Unlock()
	}
}
