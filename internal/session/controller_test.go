package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khng300/vgdb/internal/engine"
	"github.com/khng300/vgdb/internal/engine/enginetest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []dap.EventMessage
}

func (r *eventRecorder) SendEvent(ev dap.EventMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		names = append(names, ev.GetEvent().Event)
	}
	return names
}

func (r *eventRecorder) all() []dap.EventMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dap.EventMessage(nil), r.events...)
}

type errorRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *errorRecorder) ShowError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *errorRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// newTestSession builds a session over a fake executor. The engine event
// dispatch loop is not started; tests route events synchronously through
// routeEvent for determinism.
func newTestSession(t *testing.T) (*Session, *enginetest.FakeExecutor, *eventRecorder, *errorRecorder) {
	t.Helper()
	fake := enginetest.NewFakeExecutor()
	events := &eventRecorder{}
	notifier := &errorRecorder{}
	sess := New(Config{Executor: fake, Events: events, Notifier: notifier})
	return sess, fake, events, notifier
}

// Verifies the capabilities advertised on initialize.
func TestInitializeAdvertisesCapabilities(t *testing.T) {
	t.Parallel()
	sess, _, events, _ := newTestSession(t)

	caps := sess.Initialize()
	require.True(t, caps.SupportsEvaluateForHovers)
	require.True(t, caps.SupportsSetVariable)
	require.True(t, caps.SupportsTerminateRequest)

	sess.EmitInitialized()
	require.Equal(t, []string{"initialized"}, events.names())

	require.NoError(t, sess.Close())
}

// Verifies that a spawn failure fails the launch and terminates the session
// exactly once.
func TestLaunchSpawnFailureTerminatesOnce(t *testing.T) {
	t.Parallel()
	sess, fake, events, _ := newTestSession(t)
	fake.Errs["Spawn"] = errors.New("no such file or directory")

	launchErr := sess.Launch(context.Background(), LaunchConfig{Program: "/bin/missing"})
	require.Error(t, launchErr)
	require.Equal(t, []string{"terminated"}, events.names())
	require.True(t, sess.Terminated())

	// A second failure must not produce a second terminated event.
	_ = sess.Launch(context.Background(), LaunchConfig{Program: "/bin/missing"})
	require.Equal(t, []string{"terminated"}, events.names())
}

// Verifies that a failed target start after a successful spawn also
// terminates the session.
func TestLaunchStartFailureTerminates(t *testing.T) {
	t.Parallel()
	sess, fake, events, _ := newTestSession(t)
	fake.Errs["StartInferior"] = errors.New("target refused to run")

	launchErr := sess.Launch(context.Background(), LaunchConfig{Program: "/bin/true"})
	require.Error(t, launchErr)
	require.Equal(t, []string{"terminated"}, events.names())
}

// Verifies that attach mode attaches instead of running the target.
func TestAttachUsesAttachInferior(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)

	require.NoError(t, sess.Attach(context.Background(), LaunchConfig{Program: "4242"}))
	calls := fake.Calls()
	require.Contains(t, calls, "AttachInferior")
	require.NotContains(t, calls, "StartInferior")
}

// Verifies that every setBreakpoints request clears the previous set before
// installing the new one.
func TestSetBreakpointsClearsBeforeInstall(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)
	fake.BreakpointsResult = []engine.Breakpoint{
		{Number: 1, File: "/src/main.c", Line: 5, Verified: true},
		{Number: 2, Line: 99, Verified: false},
	}

	breakpoints, setErr := sess.SetBreakpoints(context.Background(), "main.c", []engine.BreakpointSpec{
		{Line: 5},
		{Line: 99, Condition: "x > 0"},
	})
	require.NoError(t, setErr)
	require.Equal(t, []string{"ClearBreakpoints", "SetBreakpoints(main.c,2)"}, fake.Calls())

	require.Len(t, breakpoints, 2)
	assert.Equal(t, 1, breakpoints[0].Id)
	assert.True(t, breakpoints[0].Verified)
	assert.Equal(t, "/src/main.c", breakpoints[0].Source.Path)
	assert.False(t, breakpoints[1].Verified)
	// Engine reported no file; the requested source path is echoed back.
	assert.Equal(t, "main.c", breakpoints[1].Source.Path)
}

// Verifies thread name fallback for engines that report anonymous threads.
func TestThreadsNameFallback(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)
	fake.ThreadsResult = []engine.Thread{
		{ID: 1, Name: "main"},
		{ID: 2},
	}

	threads, listErr := sess.Threads(context.Background())
	require.NoError(t, listErr)
	require.Len(t, threads, 2)
	assert.Equal(t, "main", threads[0].Name)
	assert.Equal(t, "Thread 2", threads[1].Name)
}

// Verifies the frame id numbering and the reported frame total. Client
// frame ids are one above engine levels, and the total excludes the
// engine's sentinel frame.
func TestStackTraceNumbering(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)
	fake.StackResult = []engine.Frame{
		{Level: 0, Function: "worker", File: "worker.c", FullName: "/src/worker.c", Line: 12},
		{Level: 1, Function: "run", File: "main.c", FullName: "/src/main.c", Line: 40},
		{Level: 2, Function: "main", File: "main.c", FullName: "/src/main.c", Line: 88},
		{Level: 3, Function: "_start"},
	}

	frames, totalFrames, stackErr := sess.StackTrace(context.Background(), 1)
	require.NoError(t, stackErr)
	require.Equal(t, 3, totalFrames)
	require.Len(t, frames, 4)

	assert.Equal(t, 1, frames[0].Id)
	assert.Equal(t, 4, frames[3].Id)
	assert.Equal(t, "/src/worker.c", frames[0].Source.Path)
	assert.Equal(t, "worker.c", frames[0].Source.Name)
	// The sentinel frame has no source location.
	assert.Nil(t, frames[3].Source)
}

// Verifies that an empty stack reports a zero total rather than a negative
// one.
func TestStackTraceEmpty(t *testing.T) {
	t.Parallel()
	sess, _, _, _ := newTestSession(t)

	frames, totalFrames, stackErr := sess.StackTrace(context.Background(), 1)
	require.NoError(t, stackErr)
	require.Empty(t, frames)
	require.Equal(t, 0, totalFrames)
}

// Verifies that the single Local scope references its frame.
func TestScopesSingleLocalScope(t *testing.T) {
	t.Parallel()
	sess, _, _, _ := newTestSession(t)

	scopes := sess.Scopes(7)
	require.Len(t, scopes, 1)
	assert.Equal(t, "Local", scopes[0].Name)
	assert.Equal(t, 7, scopes[0].VariablesReference)
}

// Verifies the client-to-engine frame index translation.
func TestEngineFrameIndex(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, engineFrameIndex(0))
	assert.Equal(t, 0, engineFrameIndex(1))
	assert.Equal(t, 4, engineFrameIndex(5))
}

// Verifies that hover evaluation goes through the side-effect-free
// expression path with the translated frame index.
func TestEvaluateHover(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)
	fake.EvalResult = "42"

	body, evalErr := sess.Evaluate(context.Background(), "x", 5, "hover")
	require.NoError(t, evalErr)
	assert.Equal(t, "42", body.Result)
	assert.Zero(t, body.VariablesReference)
	require.Equal(t, []string{"EvaluateExpr(x,4)"}, fake.Calls())
}

// Verifies that a console evaluation on a stopped target runs directly,
// without the interrupt/resume bracket.
func TestEvaluateConsoleWhenStopped(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)
	fake.ExecResult = "rax  0x0  0\n"

	body, evalErr := sess.Evaluate(context.Background(), "info registers", 0, "repl")
	require.NoError(t, evalErr)
	assert.Equal(t, "rax  0x0  0\n", body.Result)
	require.Equal(t, []string{"ExecUserCommand(info registers,0)"}, fake.Calls())
}

// Verifies the evaluate-while-running bracket: the target is interrupted,
// the command runs, the target is resumed, and the client sees neither the
// intermediate stop nor the resume.
func TestEvaluateConsoleWhileRunning(t *testing.T) {
	t.Parallel()
	sess, fake, events, _ := newTestSession(t)
	fake.ExecResult = "breakpoint info\n"
	sess.tracker.Set(StateRunning)

	fake.OnPause = func() {
		sess.routeEvent(engine.Event{Kind: engine.EventPaused})
	}
	fake.OnContinue = func() {
		sess.routeEvent(engine.Event{Kind: engine.EventRunning, ThreadID: 1, AllThreads: true})
	}

	body, evalErr := sess.Evaluate(context.Background(), "info breakpoints", 0, "repl")
	require.NoError(t, evalErr)
	assert.Equal(t, "breakpoint info\n", body.Result)

	require.Equal(t, []string{"Pause", "ExecUserCommand(info breakpoints,0)", "Continue(0)"}, fake.Calls())
	assert.Empty(t, events.names(), "bracket events must not reach the client")
	assert.Equal(t, StateRunning, sess.State())
}

// Verifies that a failed interrupt disarms stop suppression, so a later
// genuine stop still reaches the client.
func TestEvaluateBracketPauseFailure(t *testing.T) {
	t.Parallel()
	sess, fake, events, _ := newTestSession(t)
	sess.tracker.Set(StateRunning)
	fake.Errs["Pause"] = errors.New("cannot interrupt")

	_, evalErr := sess.Evaluate(context.Background(), "info breakpoints", 0, "repl")
	require.Error(t, evalErr)

	sess.routeEvent(engine.Event{Kind: engine.EventBreakpointHit, ThreadID: 1})
	require.Equal(t, []string{"stopped"}, events.names())
}

// Verifies that the target is resumed even when the bracketed command
// itself fails, and that the command failure wins over the resume result.
func TestEvaluateBracketCommandFailureStillResumes(t *testing.T) {
	t.Parallel()
	sess, fake, _, _ := newTestSession(t)
	sess.tracker.Set(StateRunning)
	execFailure := errors.New("No symbol table is loaded.")
	fake.Errs["ExecUserCommand"] = execFailure

	fake.OnPause = func() {
		sess.routeEvent(engine.Event{Kind: engine.EventPaused})
	}
	fake.OnContinue = func() {
		sess.routeEvent(engine.Event{Kind: engine.EventRunning, AllThreads: true})
	}

	_, evalErr := sess.Evaluate(context.Background(), "print x", 0, "repl")
	require.ErrorIs(t, evalErr, execFailure)
	require.Contains(t, fake.Calls(), "Continue(0)")
}

// Verifies launch configuration decoding.
func TestParseLaunchConfig(t *testing.T) {
	t.Parallel()

	cfg, parseErr := ParseLaunchConfig(json.RawMessage(`{
		"program": "/src/a.out",
		"cwd": "/src",
		"debuggerPath": "/usr/bin/gdb",
		"args": ["--fast"],
		"debugLog": true
	}`))
	require.NoError(t, parseErr)
	assert.Equal(t, "/src/a.out", cfg.Program)
	assert.Equal(t, "/src", cfg.Cwd)
	assert.Equal(t, "/usr/bin/gdb", cfg.DebuggerPath)
	assert.Equal(t, []string{"--fast"}, cfg.Args)
	assert.True(t, cfg.DebugLog)

	_, parseErr = ParseLaunchConfig(json.RawMessage(`{`))
	require.Error(t, parseErr)
}

// Verifies that terminate is always acknowledged and leaves the engine
// alone.
func TestTerminateIsIdempotent(t *testing.T) {
	t.Parallel()
	sess, fake, events, _ := newTestSession(t)

	sess.routeEvent(engine.Event{Kind: engine.EventExited})
	require.Equal(t, []string{"terminated"}, events.names())

	sess.Terminate()
	sess.Terminate()
	require.Equal(t, []string{"terminated"}, events.names())
	require.NotContains(t, fake.Calls(), "Close")
}
