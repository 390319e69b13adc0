package workerpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTracker_SpawningTransitionsToReadyThenBusyThenReady(t *testing.T) {
	st := newStateTracker()
	st.register("w1", 123)

	require.NoError(t, st.transition("w1", StateReady))
	require.NoError(t, st.setBusy("w1", "batch-1"))

	ws, ok := st.get("w1")
	require.True(t, ok)
	assert.Equal(t, StateBusy, ws.State)
	assert.Equal(t, "batch-1", ws.CurrentBatchID)

	require.NoError(t, st.transition("w1", StateReady))
	ws, _ = st.get("w1")
	assert.Empty(t, ws.CurrentBatchID)
}

func TestStateTracker_RejectsIllegalTransition(t *testing.T) {
	st := newStateTracker()
	st.register("w1", 123)

	err := st.setBusy("w1", "batch-1")
	assert.Error(t, err, "spawning workers cannot go directly to busy")
}

func TestStateTracker_DeadIsTerminalAndNotReusable(t *testing.T) {
	st := newStateTracker()
	st.register("w1", 123)
	require.NoError(t, st.transition("w1", StateDead))

	err := st.transition("w1", StateReady)
	assert.Error(t, err)
}

func TestStateTracker_CountReadyAndFirstReady(t *testing.T) {
	st := newStateTracker()
	st.register("w1", 1)
	st.register("w2", 2)
	require.NoError(t, st.transition("w1", StateReady))

	assert.Equal(t, 1, st.countReady())
	id, ok := st.firstReady()
	assert.True(t, ok)
	assert.Equal(t, "w1", id)
}
