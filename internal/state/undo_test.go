package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUndoLog_NestedSessions(t *testing.T) {
	u := NewUndoLog(4)
	x := 0
	set := func(v int) {
		old := x
		x = v
		u.Record(func() { x = old })
	}

	set(1) // no session, not reversible
	u.Begin()
	set(2)

	u.Begin()
	set(3)
	u.Undo()
	assert.Equal(t, 2, x)

	u.Begin()
	set(4)
	require.NoError(t, u.Merge())
	assert.Equal(t, 1, u.Depth())

	u.Undo()
	assert.Equal(t, 1, x)
	assert.Zero(t, u.Depth())
}

func TestUndoLog_CommitAndPop(t *testing.T) {
	u := NewUndoLog(2)
	x := 0
	set := func(v int) {
		old := x
		x = v
		u.Record(func() { x = old })
	}

	for v := 1; v <= 3; v++ {
		u.Begin()
		set(v)
		set(v * 10)
		require.NoError(t, u.Commit())
	}
	assert.Equal(t, 30, x)
	assert.Equal(t, 2, u.HistoryDepth())

	require.NoError(t, u.PopBlock())
	assert.Equal(t, 20, x)
	require.NoError(t, u.PopBlock())
	assert.Equal(t, 10, x)

	// the first block fell out of history
	assert.Error(t, u.PopBlock())
	assert.Equal(t, 10, x)
}

func TestUndoLog_SessionDepthChecks(t *testing.T) {
	u := NewUndoLog(0)

	assert.Error(t, u.Merge())
	assert.Error(t, u.Commit())

	u.Begin()
	assert.Error(t, u.Merge())
	u.Begin()
	assert.Error(t, u.Commit())
	assert.Error(t, u.PopBlock())

	require.NoError(t, u.Merge())
	require.NoError(t, u.Commit())
	require.NoError(t, u.PopBlock())

	u.Begin()
	u.Reset()
	assert.Zero(t, u.Depth())
	assert.Zero(t, u.HistoryDepth())
}
