package session

import "sync"

// ExecState classifies the debugged target at a point in time.
type ExecState int

const (
	// StateStopped means the target is suspended (breakpoint, step end,
	// or not yet started).
	StateStopped ExecState = iota

	// StateRunning means the target is executing.
	StateRunning

	// StatePaused means the target was suspended by an explicit interrupt
	// or a signal rather than by hitting a code location.
	StatePaused
)

// String returns the state name used in logs.
func (s ExecState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// stateTracker holds the per-session execution state machine. Requests are
// handled one at a time, but the engine event dispatch loop runs concurrently
// with request handling, so every field is guarded by the mutex.
//
// The suppress flags implement the evaluate-while-running bracket: the pause
// the bracket issues, and the continue that restores the target afterwards,
// both produce engine events that must not reach the client. The bracket
// arms a flag before issuing each command and the event router consumes it
// when the matching event arrives. Single-flag (not counted) is enough
// because at most one client request is in flight per session.
type stateTracker struct {
	mu             sync.Mutex
	state          ExecState
	terminated     bool
	suppressStop   bool
	suppressResume bool
}

// State returns the current execution state.
func (t *stateTracker) State() ExecState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set records a state transition driven by an engine event or command ack.
func (t *stateTracker) Set(s ExecState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// MarkTerminated moves the session to its terminal state. It returns true
// only for the first call, so the terminated event is emitted exactly once.
func (t *stateTracker) MarkTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return false
	}
	t.terminated = true
	return true
}

// Terminated reports whether the session has reached its terminal state.
func (t *stateTracker) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

// ExpectBracketStop arms suppression of the next stop event.
func (t *stateTracker) ExpectBracketStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppressStop = true
}

// CancelBracketStop disarms stop suppression after a failed pause command.
func (t *stateTracker) CancelBracketStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppressStop = false
}

// TakeBracketStop consumes an armed stop suppression. It returns true when
// the stop event that just arrived belongs to the evaluation bracket.
func (t *stateTracker) TakeBracketStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed := t.suppressStop
	t.suppressStop = false
	return armed
}

// ExpectBracketResume arms suppression of the next running event.
func (t *stateTracker) ExpectBracketResume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppressResume = true
}

// TakeBracketResume consumes an armed resume suppression.
func (t *stateTracker) TakeBracketResume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed := t.suppressResume
	t.suppressResume = false
	return armed
}
