// Package engine defines the contract between the debug session core and a
// debugger engine backend. An Executor owns the debugger subprocess and its
// machine-interface pipe; the session core only ever talks to the engine
// through this interface, which keeps the core testable with a fake.
package engine

import "context"

// Thread is a thread of the debugged target as reported by the engine.
type Thread struct {
	ID   int
	Name string
}

// Frame is a single stack frame. Level 0 is the innermost frame.
type Frame struct {
	Level    int
	Function string
	File     string
	FullName string
	Line     int
}

// Variable is a name/value pair fetched from the engine. The engine renders
// values; the session core never interprets them.
type Variable struct {
	Name  string
	Value string
}

// BreakpointSpec describes a breakpoint requested by the client.
type BreakpointSpec struct {
	Line      int
	Condition string
}

// Breakpoint is a breakpoint as installed by the engine, including whether
// the engine could resolve it to a real location.
type Breakpoint struct {
	Number   int
	File     string
	Line     int
	Verified bool
}

// Executor is the typed asynchronous surface of one debugger engine
// subprocess. All command methods block until the engine acknowledges the
// command (not until execution completes; completion arrives later as an
// Event). An Executor is exclusively owned by one session and is not safe
// for concurrent command issue from multiple goroutines.
type Executor interface {
	// Spawn starts the debugger binary for the given target. The target is a
	// program path in launch mode or a process ID in attach mode; cwd is the
	// working directory for the debugger process (empty means inherit).
	// Spawn fails with a descriptive error if the process cannot start.
	Spawn(ctx context.Context, debuggerPath, target, cwd string, args []string) error

	// StartInferior begins execution of a freshly launched target.
	StartInferior(ctx context.Context) error

	// AttachInferior attaches to the process identified by the Spawn target.
	AttachInferior(ctx context.Context) error

	// ClearBreakpoints removes every breakpoint known to the engine.
	ClearBreakpoints(ctx context.Context) error

	// SetBreakpoints installs breakpoints in the given source file and
	// returns them as resolved by the engine.
	SetBreakpoints(ctx context.Context, source string, specs []BreakpointSpec) ([]Breakpoint, error)

	// Threads lists the target's threads.
	Threads(ctx context.Context) ([]Thread, error)

	// Stack fetches the call stack of the given thread, innermost first.
	Stack(ctx context.Context, threadID int) ([]Frame, error)

	// Variables fetches the variables behind a variables reference.
	Variables(ctx context.Context, variablesReference int) ([]Variable, error)

	// Next steps over the current line on the given thread.
	Next(ctx context.Context, threadID int) error

	// StepIn steps into the call on the current line.
	StepIn(ctx context.Context, threadID int) error

	// StepOut runs until the current function returns.
	StepOut(ctx context.Context, threadID int) error

	// Continue resumes execution.
	Continue(ctx context.Context, threadID int) error

	// Pause interrupts the running target. The method returns when the engine
	// acknowledges the interrupt.
	Pause(ctx context.Context) error

	// IsStopped reports whether the engine last reported the target as not
	// running. It is a synchronous snapshot and may be stale.
	IsStopped() bool

	// ExecUserCommand runs a raw user command on the engine's command channel
	// and returns the engine's textual reply. A frameIndex of zero means the
	// engine's current frame.
	ExecUserCommand(ctx context.Context, command string, frameIndex int) (string, error)

	// EvaluateExpr evaluates a side-effect-free expression and returns its
	// rendered value. A frameIndex of zero means the engine's current frame.
	EvaluateExpr(ctx context.Context, expression string, frameIndex int) (string, error)

	// Events returns the engine's event stream. The channel is closed when
	// the engine shuts down. Events are delivered in the order the engine
	// produced them.
	Events() <-chan Event

	// Close tears down the engine subprocess and releases all resources.
	Close() error
}
