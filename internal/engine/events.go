package engine

// EventKind enumerates the engine event kinds the session core routes.
type EventKind int

const (
	// EventFatalError indicates the engine is in an unrecoverable state
	// (protocol desync, crash). No further commands are valid.
	EventFatalError EventKind = iota

	// EventError is a non-fatal engine error, e.g. a malformed user command.
	// The session remains usable.
	EventError

	// EventOutput carries a raw console-stream record from the engine.
	EventOutput

	// EventRunning indicates the target resumed execution.
	EventRunning

	// EventBreakpointHit indicates the target stopped at a breakpoint.
	EventBreakpointHit

	// EventStepDone indicates a step request reached the end of its range.
	EventStepDone

	// EventFunctionFinished indicates a step-out completed.
	EventFunctionFinished

	// EventExited indicates the target exited normally.
	EventExited

	// EventSignal indicates the target stopped on a signal.
	EventSignal

	// EventPaused acknowledges an explicit interrupt request.
	EventPaused
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventFatalError:
		return "fatal-error"
	case EventError:
		return "error"
	case EventOutput:
		return "output"
	case EventRunning:
		return "running"
	case EventBreakpointHit:
		return "breakpoint-hit"
	case EventStepDone:
		return "step-done"
	case EventFunctionFinished:
		return "function-finished"
	case EventExited:
		return "exited"
	case EventSignal:
		return "signal"
	case EventPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Event is one asynchronous notification from the engine.
type Event struct {
	Kind EventKind

	// ThreadID identifies the thread the event refers to, where applicable.
	ThreadID int

	// AllThreads is set on EventRunning when every thread resumed.
	AllThreads bool

	// Output is the raw console record text for EventOutput.
	Output string

	// Message carries the engine-provided text for error events.
	Message string
}
