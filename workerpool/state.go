// Package workerpool implements the Process Pool Manager (C5): it spawns
// Query Worker (C6) subprocesses, hands each one its INIT handshake, tracks
// their lifecycle state, and routes batches to ready workers with timeout
// and respawn handling.
package workerpool

import (
	"fmt"
	"sync"
	"time"
)

// State is a worker subprocess's lifecycle state.
type State string

const (
	StateSpawning State = "spawning"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateDead     State = "dead"
)

// validTransitions mirrors the engine's worker lifecycle: a worker is
// spawned, completes its INIT handshake into ready, oscillates between
// ready and busy while serving batches, and eventually dies (clean
// shutdown or crash) from any non-terminal state.
var validTransitions = map[State][]State{
	StateSpawning: {StateReady, StateDead},
	StateReady:    {StateBusy, StateDead},
	StateBusy:     {StateReady, StateDead},
}

// CanTransitionTo reports whether moving from s to target is a legal
// lifecycle transition.
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range validTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is dead; a dead worker is never reused, a
// replacement is spawned instead.
func (s State) IsTerminal() bool { return s == StateDead }

// WorkerStatus is a worker's externally observable state, named per the
// pool's bookkeeping contract: state, pid, and the batch it is currently
// serving (if any).
type WorkerStatus struct {
	ID             string
	State          State
	PID            int
	CurrentBatchID string
	StartedAt      time.Time
}

// stateTracker guards WorkerStatus transitions behind a mutex so the pool's
// dispatch loop and its subprocess-exit watchers never race on worker
// state. cond wakes anyone blocked in claimReadyWait whenever a worker's
// state changes, so a new ready worker (or a vacated one) is noticed
// without polling.
type stateTracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	workers map[string]*WorkerStatus
}

func newStateTracker() *stateTracker {
	t := &stateTracker{workers: make(map[string]*WorkerStatus)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *stateTracker) register(id string, pid int) *WorkerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := &WorkerStatus{ID: id, State: StateSpawning, PID: pid, StartedAt: time.Now()}
	t.workers[id] = ws
	t.cond.Broadcast()
	return ws
}

func (t *stateTracker) transition(id string, target State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workers[id]
	if !ok {
		return fmt.Errorf("workerpool: unknown worker %q", id)
	}
	if !ws.State.CanTransitionTo(target) {
		return fmt.Errorf("workerpool: invalid transition for worker %q from %s to %s", id, ws.State, target)
	}
	ws.State = target
	if target != StateBusy {
		ws.CurrentBatchID = ""
	}
	t.cond.Broadcast()
	return nil
}

func (t *stateTracker) setBusy(id, batchID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.claimLocked(id, batchID)
	return err
}

func (t *stateTracker) claimLocked(id, batchID string) (string, error) {
	ws, ok := t.workers[id]
	if !ok {
		return "", fmt.Errorf("workerpool: unknown worker %q", id)
	}
	if !ws.State.CanTransitionTo(StateBusy) {
		return "", fmt.Errorf("workerpool: invalid transition for worker %q from %s to busy", id, ws.State)
	}
	ws.State = StateBusy
	ws.CurrentBatchID = batchID
	t.cond.Broadcast()
	return id, nil
}

// claimReady atomically picks one ready worker and marks it busy with
// batchID under a single lock, so two concurrent callers can never both
// observe the same worker as ready before either transitions it.
func (t *stateTracker) claimReady(batchID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimFirstReadyLocked(batchID)
}

func (t *stateTracker) claimFirstReadyLocked(batchID string) (string, bool) {
	for id, ws := range t.workers {
		if ws.State == StateReady {
			id, _ := t.claimLocked(id, batchID)
			return id, true
		}
	}
	return "", false
}

// claimReadyWait is claimReady that blocks, waking on every worker state
// change, until a worker becomes available or timeout elapses, per the
// pool's requirement to wait up to maxWaitForWorkersMs for one.
func (t *stateTracker) claimReadyWait(batchID string, timeout time.Duration) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if id, ok := t.claimFirstReadyLocked(batchID); ok {
			return id, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false
		}
		timer := time.AfterFunc(remaining, t.cond.Broadcast)
		t.cond.Wait()
		timer.Stop()
	}
}

func (t *stateTracker) get(id string) (WorkerStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workers[id]
	if !ok {
		return WorkerStatus{}, false
	}
	return *ws, true
}

func (t *stateTracker) countReady() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ws := range t.workers {
		if ws.State == StateReady {
			n++
		}
	}
	return n
}

func (t *stateTracker) firstReady() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ws := range t.workers {
		if ws.State == StateReady {
			return id, true
		}
	}
	return "", false
}

func (t *stateTracker) all() []WorkerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkerStatus, 0, len(t.workers))
	for _, ws := range t.workers {
		out = append(out, *ws)
	}
	return out
}

func (t *stateTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, id)
	t.cond.Broadcast()
}
