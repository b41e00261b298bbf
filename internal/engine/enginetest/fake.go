// Package enginetest provides a scripted in-memory engine.Executor for
// session and server tests. The fake records every command it receives and
// lets the test emit engine events at controlled points.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/khng300/vgdb/internal/engine"
)

// FakeExecutor implements engine.Executor without a subprocess. Results and
// errors are injected per method; hooks run inside command methods so tests
// can interleave events with command acknowledgements deterministically.
type FakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	closed bool

	events chan engine.Event

	// Errs injects a failure for the named method, e.g. Errs["Pause"].
	Errs map[string]error

	BreakpointsResult []engine.Breakpoint
	ThreadsResult     []engine.Thread
	StackResult       []engine.Frame
	VariablesResult   []engine.Variable
	ExecResult        string
	EvalResult        string
	Stopped           bool

	// OnPause and OnContinue run inside the respective command method,
	// after the call is recorded and before it returns.
	OnPause    func()
	OnContinue func()
}

var _ engine.Executor = (*FakeExecutor)(nil)

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		events:  make(chan engine.Event, 64),
		Errs:    map[string]error{},
		Stopped: true,
	}
}

// Emit queues an engine event for the session's dispatch loop.
func (f *FakeExecutor) Emit(ev engine.Event) {
	f.events <- ev
}

// Calls returns the commands received so far, in order.
func (f *FakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeExecutor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *FakeExecutor) Spawn(_ context.Context, debuggerPath, target, cwd string, args []string) error {
	f.record(fmt.Sprintf("Spawn(%s,%s)", debuggerPath, target))
	_ = cwd
	_ = args
	return f.Errs["Spawn"]
}

func (f *FakeExecutor) StartInferior(_ context.Context) error {
	f.record("StartInferior")
	return f.Errs["StartInferior"]
}

func (f *FakeExecutor) AttachInferior(_ context.Context) error {
	f.record("AttachInferior")
	return f.Errs["AttachInferior"]
}

func (f *FakeExecutor) ClearBreakpoints(_ context.Context) error {
	f.record("ClearBreakpoints")
	return f.Errs["ClearBreakpoints"]
}

func (f *FakeExecutor) SetBreakpoints(_ context.Context, source string, specs []engine.BreakpointSpec) ([]engine.Breakpoint, error) {
	f.record(fmt.Sprintf("SetBreakpoints(%s,%d)", source, len(specs)))
	if err := f.Errs["SetBreakpoints"]; err != nil {
		return nil, err
	}
	return f.BreakpointsResult, nil
}

func (f *FakeExecutor) Threads(_ context.Context) ([]engine.Thread, error) {
	f.record("Threads")
	if err := f.Errs["Threads"]; err != nil {
		return nil, err
	}
	return f.ThreadsResult, nil
}

func (f *FakeExecutor) Stack(_ context.Context, threadID int) ([]engine.Frame, error) {
	f.record(fmt.Sprintf("Stack(%d)", threadID))
	if err := f.Errs["Stack"]; err != nil {
		return nil, err
	}
	return f.StackResult, nil
}

func (f *FakeExecutor) Variables(_ context.Context, variablesReference int) ([]engine.Variable, error) {
	f.record(fmt.Sprintf("Variables(%d)", variablesReference))
	if err := f.Errs["Variables"]; err != nil {
		return nil, err
	}
	return f.VariablesResult, nil
}

func (f *FakeExecutor) Next(_ context.Context, threadID int) error {
	f.record(fmt.Sprintf("Next(%d)", threadID))
	return f.Errs["Next"]
}

func (f *FakeExecutor) StepIn(_ context.Context, threadID int) error {
	f.record(fmt.Sprintf("StepIn(%d)", threadID))
	return f.Errs["StepIn"]
}

func (f *FakeExecutor) StepOut(_ context.Context, threadID int) error {
	f.record(fmt.Sprintf("StepOut(%d)", threadID))
	return f.Errs["StepOut"]
}

func (f *FakeExecutor) Continue(_ context.Context, threadID int) error {
	f.record(fmt.Sprintf("Continue(%d)", threadID))
	if err := f.Errs["Continue"]; err != nil {
		return err
	}
	if f.OnContinue != nil {
		f.OnContinue()
	}
	return nil
}

func (f *FakeExecutor) Pause(_ context.Context) error {
	f.record("Pause")
	if err := f.Errs["Pause"]; err != nil {
		return err
	}
	if f.OnPause != nil {
		f.OnPause()
	}
	return nil
}

func (f *FakeExecutor) IsStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Stopped
}

func (f *FakeExecutor) ExecUserCommand(_ context.Context, command string, frameIndex int) (string, error) {
	f.record(fmt.Sprintf("ExecUserCommand(%s,%d)", command, frameIndex))
	if err := f.Errs["ExecUserCommand"]; err != nil {
		return "", err
	}
	return f.ExecResult, nil
}

func (f *FakeExecutor) EvaluateExpr(_ context.Context, expression string, frameIndex int) (string, error) {
	f.record(fmt.Sprintf("EvaluateExpr(%s,%d)", expression, frameIndex))
	if err := f.Errs["EvaluateExpr"]; err != nil {
		return "", err
	}
	return f.EvalResult, nil
}

func (f *FakeExecutor) Events() <-chan engine.Event {
	return f.events
}

func (f *FakeExecutor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.calls = append(f.calls, "Close")
	close(f.events)
	return f.Errs["Close"]
}
