package state

import "fmt"

// DefaultUndoHistory is the number of applied blocks that can be popped.
const DefaultUndoHistory = 64

// UndoLog records reversal closures in nested sessions.
//
// The core opens a block session, and the market engine opens one nested
// session per operation. A failed operation is undone; a successful one is
// merged into the block session. A committed block session moves into a
// bounded history so the most recent blocks can be popped.
//
// Not thread-safe: only accessed from the single-threaded deterministic core.
type UndoLog struct {
	sessions   [][]func()
	history    [][]func()
	maxHistory int
}

func NewUndoLog(maxHistory int) *UndoLog {
	if maxHistory <= 0 {
		maxHistory = DefaultUndoHistory
	}
	return &UndoLog{maxHistory: maxHistory}
}

// Record adds a reversal to the innermost session. Mutations made with no
// open session (genesis, restore) are not reversible.
func (u *UndoLog) Record(undo func()) {
	if len(u.sessions) == 0 {
		return
	}
	top := len(u.sessions) - 1
	u.sessions[top] = append(u.sessions[top], undo)
}

// Begin opens a nested session
func (u *UndoLog) Begin() {
	u.sessions = append(u.sessions, nil)
}

// Depth returns the number of open sessions
func (u *UndoLog) Depth() int { return len(u.sessions) }

// Undo reverts and closes the innermost session
func (u *UndoLog) Undo() {
	if len(u.sessions) == 0 {
		return
	}
	top := u.sessions[len(u.sessions)-1]
	u.sessions = u.sessions[:len(u.sessions)-1]
	revert(top)
}

// Merge closes the innermost session, folding its reversals into the parent
func (u *UndoLog) Merge() error {
	if len(u.sessions) < 2 {
		return fmt.Errorf("merge needs a parent session, depth=%d", len(u.sessions))
	}
	n := len(u.sessions)
	u.sessions[n-2] = append(u.sessions[n-2], u.sessions[n-1]...)
	u.sessions = u.sessions[:n-1]
	return nil
}

// Commit closes the outermost session and keeps it for PopBlock
func (u *UndoLog) Commit() error {
	if len(u.sessions) != 1 {
		return fmt.Errorf("commit needs exactly one open session, depth=%d", len(u.sessions))
	}
	u.history = append(u.history, u.sessions[0])
	u.sessions = u.sessions[:0]
	if len(u.history) > u.maxHistory {
		// drop the oldest
		copy(u.history, u.history[1:])
		u.history[len(u.history)-1] = nil
		u.history = u.history[:len(u.history)-1]
	}
	return nil
}

// PopBlock reverts the most recently committed block session
func (u *UndoLog) PopBlock() error {
	if len(u.sessions) != 0 {
		return fmt.Errorf("cannot pop a block with %d open sessions", len(u.sessions))
	}
	if len(u.history) == 0 {
		return fmt.Errorf("no block in undo history")
	}
	last := u.history[len(u.history)-1]
	u.history = u.history[:len(u.history)-1]
	revert(last)
	return nil
}

// HistoryDepth returns the number of poppable blocks
func (u *UndoLog) HistoryDepth() int { return len(u.history) }

// Reset drops all sessions and history, e.g. after restoring a snapshot
func (u *UndoLog) Reset() {
	u.sessions = nil
	u.history = nil
}

func revert(undos []func()) {
	for i := len(undos) - 1; i >= 0; i-- {
		undos[i]()
	}
}
