package workerpool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRequests_TakeRemovesEntry(t *testing.T) {
	p := newPendingRequests(10, 10)
	p.add(&pendingBatch{batchID: "b1", workerID: "w1", deadline: time.Now().Add(time.Minute), resultCh: make(chan batchOutcome, 1)})

	b, ok := p.take("b1")
	require.True(t, ok)
	assert.Equal(t, "b1", b.batchID)

	_, ok = p.take("b1")
	assert.False(t, ok)
}

func TestPendingRequests_FailPendingForWorkerResolvesOnlyThatWorkersBatches(t *testing.T) {
	p := newPendingRequests(10, 10)
	ch1 := make(chan batchOutcome, 1)
	ch2 := make(chan batchOutcome, 1)
	p.add(&pendingBatch{batchID: "b1", workerID: "w1", deadline: time.Now().Add(time.Minute), resultCh: ch1})
	p.add(&pendingBatch{batchID: "b2", workerID: "w2", deadline: time.Now().Add(time.Minute), resultCh: ch2})

	p.failPendingForWorker("w1", errors.New("crashed"))

	select {
	case out := <-ch1:
		assert.Error(t, out.err)
	default:
		t.Fatal("expected b1 to be resolved")
	}

	select {
	case <-ch2:
		t.Fatal("b2 should not be resolved")
	default:
	}
}

func TestPendingRequests_EvictsOldestWhenAtCapacity(t *testing.T) {
	p := newPendingRequests(2, 10)
	p.add(&pendingBatch{batchID: "old", workerID: "w1", deadline: time.Now().Add(time.Millisecond), resultCh: make(chan batchOutcome, 1)})
	p.add(&pendingBatch{batchID: "mid", workerID: "w1", deadline: time.Now().Add(time.Minute), resultCh: make(chan batchOutcome, 1)})
	p.add(&pendingBatch{batchID: "new", workerID: "w1", deadline: time.Now().Add(time.Hour), resultCh: make(chan batchOutcome, 1)})

	_, ok := p.take("old")
	assert.False(t, ok, "oldest-deadline batch should have been evicted")

	_, ok = p.take("new")
	assert.True(t, ok)
}

func TestPendingRequests_RecentExitsIsBoundedRing(t *testing.T) {
	p := newPendingRequests(10, 3)
	for i := 0; i < 5; i++ {
		p.recordExit("w1", nil)
	}
	assert.Len(t, p.RecentExits(), 3)
}

func TestPendingRequests_ExitsWithinCountsRecentOnly(t *testing.T) {
	p := newPendingRequests(10, 10)
	p.recordExit("w1", nil)
	assert.Equal(t, 1, p.exitsWithin(time.Minute))
	assert.Equal(t, 0, p.exitsWithin(-time.Minute))
}
