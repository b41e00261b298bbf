// Package session implements the translation and state layer between the
// Debug Adapter Protocol client and a debugger engine. It owns exactly one
// engine executor for its lifetime, translates each client request into one
// or more engine commands, and routes the engine's asynchronous event stream
// back to the client while preserving the ordering contracts the client
// relies on (initialized before any stop, command ack before reply).
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/khng300/vgdb/internal/engine"
)

// Mode fixes how the session acquired its target. It is recorded at
// launch/attach time and never changes afterwards.
type Mode string

const (
	ModeLaunch Mode = "launch"
	ModeAttach Mode = "attach"
)

// pausedThreadID is the thread reported for an explicit pause
// acknowledgement. The engine's ack carries no thread payload, so the
// first thread is assumed.
const pausedThreadID = 1

// EventSink delivers client-protocol events. The session constructs the
// event messages fully except for sequence numbers, which the sink assigns
// when writing.
type EventSink interface {
	SendEvent(event dap.EventMessage)
}

// Notifier surfaces user-visible messages that are not part of the event
// stream, such as engine errors not caused by any particular request. It is
// injected so tests can observe what the user would have seen.
type Notifier interface {
	ShowError(message string)
}

// LaunchConfig carries the launch/attach request arguments the session
// understands. It is decoded from the raw request arguments.
type LaunchConfig struct {
	// Program is the executable to debug in launch mode, or the target
	// process id in attach mode.
	Program string `json:"program"`

	// Cwd is the working directory for the debugger process.
	Cwd string `json:"cwd,omitempty"`

	// DebuggerPath overrides the debugger binary to run.
	DebuggerPath string `json:"debuggerPath,omitempty"`

	// Args are extra arguments passed to the debugged program.
	Args []string `json:"args,omitempty"`

	// DebugLog enables verbose session logging.
	DebugLog bool `json:"debugLog,omitempty"`
}

// ParseLaunchConfig decodes launch/attach request arguments.
func ParseLaunchConfig(raw json.RawMessage) (LaunchConfig, error) {
	var cfg LaunchConfig
	if unmarshalErr := json.Unmarshal(raw, &cfg); unmarshalErr != nil {
		return LaunchConfig{}, fmt.Errorf("failed to parse launch configuration: %w", unmarshalErr)
	}
	return cfg, nil
}

// Config holds the collaborators a Session is constructed with. All of them
// live exactly as long as the session.
type Config struct {
	Executor engine.Executor
	Events   EventSink
	Notifier Notifier
	Log      logr.Logger
}

// Session orchestrates one debugging run against one engine executor.
// Requests must be issued one at a time; the engine event dispatch loop is
// the only concurrent activity and synchronizes with requests through the
// state tracker.
type Session struct {
	id       string
	exec     engine.Executor
	events   EventSink
	notifier Notifier
	log      logr.Logger

	tracker stateTracker

	mode       Mode
	subscribed bool
}

// New creates a session. The executor must be freshly constructed and not
// shared; the session assumes exclusive ownership.
func New(config Config) *Session {
	log := config.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	id := uuid.NewString()
	return &Session{
		id:       id,
		exec:     config.Executor,
		events:   config.Events,
		notifier: config.Notifier,
		log:      log.WithName("session").WithValues("sessionID", id),
	}
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

// Initialize registers the engine event subscription (exactly once) and
// returns the capabilities to advertise. It must be the first request of
// the session.
func (s *Session) Initialize() dap.Capabilities {
	if !s.subscribed {
		s.subscribed = true
		go s.dispatchEvents()
	}

	return dap.Capabilities{
		SupportsEvaluateForHovers: true,
		SupportsSetVariable:       true,
		SupportsTerminateRequest:  true,
	}
}

// EmitInitialized announces readiness for configuration requests. The caller
// invokes it right after the initialize response has been written, and it is
// emitted unconditionally: the client relies on this event to proceed even
// if the session later fails. No stop event can precede it because the
// engine is not spawned until launch/attach.
func (s *Session) EmitInitialized() {
	s.events.SendEvent(&dap.InitializedEvent{Event: newEvent("initialized")})
}

// Launch spawns the engine for the given program and starts it.
func (s *Session) Launch(ctx context.Context, cfg LaunchConfig) error {
	return s.start(ctx, ModeLaunch, cfg)
}

// Attach spawns the engine and attaches it to the target process.
func (s *Session) Attach(ctx context.Context, cfg LaunchConfig) error {
	return s.start(ctx, ModeAttach, cfg)
}

func (s *Session) start(ctx context.Context, mode Mode, cfg LaunchConfig) error {
	s.mode = mode

	if spawnErr := s.exec.Spawn(ctx, cfg.DebuggerPath, cfg.Program, cfg.Cwd, cfg.Args); spawnErr != nil {
		s.log.Error(spawnErr, "Failed to spawn debugger engine", "debuggerPath", cfg.DebuggerPath)
		s.emitTerminated()
		return spawnErr
	}

	var startErr error
	if mode == ModeAttach {
		startErr = s.exec.AttachInferior(ctx)
	} else {
		startErr = s.exec.StartInferior(ctx)
	}
	if startErr != nil {
		s.log.Error(startErr, "Engine failed to start the target", "mode", mode)
		s.emitTerminated()
		return startErr
	}

	s.log.Info("Target started", "mode", mode, "program", cfg.Program)
	return nil
}

// SetBreakpoints replaces the session's entire breakpoint set with the given
// specs. The previous set is always cleared first; the engine never sees an
// incremental add or remove.
func (s *Session) SetBreakpoints(ctx context.Context, sourcePath string, specs []engine.BreakpointSpec) ([]dap.Breakpoint, error) {
	if clearErr := s.exec.ClearBreakpoints(ctx); clearErr != nil {
		return nil, clearErr
	}

	installed, setErr := s.exec.SetBreakpoints(ctx, sourcePath, specs)
	if setErr != nil {
		return nil, setErr
	}

	breakpoints := make([]dap.Breakpoint, 0, len(installed))
	for _, bp := range installed {
		path := bp.File
		if path == "" {
			path = sourcePath
		}
		breakpoints = append(breakpoints, dap.Breakpoint{
			Id:       bp.Number,
			Verified: bp.Verified,
			Line:     bp.Line,
			Source:   &dap.Source{Path: path},
		})
	}

	return breakpoints, nil
}

// Threads re-queries the engine for the target's threads. Nothing is cached;
// the engine is the sole source of truth.
func (s *Session) Threads(ctx context.Context) ([]dap.Thread, error) {
	threads, listErr := s.exec.Threads(ctx)
	if listErr != nil {
		return nil, listErr
	}

	out := make([]dap.Thread, 0, len(threads))
	for _, th := range threads {
		name := th.Name
		if name == "" {
			name = fmt.Sprintf("Thread %d", th.ID)
		}
		out = append(out, dap.Thread{Id: th.ID, Name: name})
	}

	return out, nil
}

// StackTrace fetches the call stack of the given thread. Frame ids are
// one-based so that id zero keeps meaning "no explicit frame" in later
// requests. The reported total is one less than the fetched length because
// the engine terminates every stack with a sentinel entry.
func (s *Session) StackTrace(ctx context.Context, threadID int) ([]dap.StackFrame, int, error) {
	frames, stackErr := s.exec.Stack(ctx, threadID)
	if stackErr != nil {
		return nil, 0, stackErr
	}

	totalFrames := len(frames) - 1
	if totalFrames < 0 {
		totalFrames = 0
	}

	out := make([]dap.StackFrame, 0, len(frames))
	for _, fr := range frames {
		sf := dap.StackFrame{
			Id:   fr.Level + 1,
			Name: fr.Function,
			Line: fr.Line,
		}
		if path := framePath(fr); path != "" {
			sf.Source = &dap.Source{Name: fr.File, Path: path}
		}
		out = append(out, sf)
	}

	return out, totalFrames, nil
}

func framePath(fr engine.Frame) string {
	if fr.FullName != "" {
		return fr.FullName
	}
	return fr.File
}

// Scopes returns the single Local scope for a frame. Block and global scopes
// are not supported. The variables reference is the frame id itself, which
// the executor resolves back to a frame.
func (s *Session) Scopes(frameID int) []dap.Scope {
	return []dap.Scope{{
		Name:               "Local",
		VariablesReference: frameID,
	}}
}

// Variables re-queries the engine for the variables behind a reference.
func (s *Session) Variables(ctx context.Context, variablesReference int) ([]dap.Variable, error) {
	vars, varsErr := s.exec.Variables(ctx, variablesReference)
	if varsErr != nil {
		return nil, varsErr
	}

	out := make([]dap.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, dap.Variable{Name: v.Name, Value: v.Value})
	}

	return out, nil
}

// Next steps over the current line. The reply means the engine accepted the
// command; completion arrives later as a stop event.
func (s *Session) Next(ctx context.Context, threadID int) error {
	return s.exec.Next(ctx, threadID)
}

// StepIn steps into the call on the current line.
func (s *Session) StepIn(ctx context.Context, threadID int) error {
	return s.exec.StepIn(ctx, threadID)
}

// StepOut runs until the current function returns.
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	return s.exec.StepOut(ctx, threadID)
}

// Continue resumes execution.
func (s *Session) Continue(ctx context.Context, threadID int) error {
	return s.exec.Continue(ctx, threadID)
}

// Pause interrupts the running target.
func (s *Session) Pause(ctx context.Context) error {
	return s.exec.Pause(ctx)
}

// Evaluate handles an evaluate request. Hover context is always a direct,
// side-effect-free expression query. Console (repl) context runs the raw
// user command on the engine; if the target is currently running it is
// bracketed by an interrupt and a resume so the target ends up back in the
// state the user left it in, and the client never sees the intermediate
// stop.
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (dap.EvaluateResponseBody, error) {
	if evalContext == "hover" {
		value, evalErr := s.exec.EvaluateExpr(ctx, expression, engineFrameIndex(frameID))
		if evalErr != nil {
			return dap.EvaluateResponseBody{}, evalErr
		}
		return dap.EvaluateResponseBody{Result: value, VariablesReference: 0}, nil
	}

	if s.tracker.State() == StateRunning {
		return s.evaluateWhileRunning(ctx, expression, frameID)
	}

	result, execErr := s.exec.ExecUserCommand(ctx, expression, engineFrameIndex(frameID))
	if execErr != nil {
		return dap.EvaluateResponseBody{}, execErr
	}
	return dap.EvaluateResponseBody{Result: result, VariablesReference: 0}, nil
}

// evaluateWhileRunning is the pause/execute/continue bracket. The three
// engine commands are issued strictly sequentially and the client reply is
// produced only after the final continue is acknowledged, so from the
// client's point of view the bracket is one atomic operation.
func (s *Session) evaluateWhileRunning(ctx context.Context, expression string, frameID int) (dap.EvaluateResponseBody, error) {
	s.tracker.ExpectBracketStop()
	if pauseErr := s.exec.Pause(ctx); pauseErr != nil {
		s.tracker.CancelBracketStop()
		return dap.EvaluateResponseBody{}, pauseErr
	}

	result, execErr := s.exec.ExecUserCommand(ctx, expression, engineFrameIndex(frameID))

	// Resume even when the user command failed, so the target is returned to
	// its pre-evaluation running state.
	s.tracker.ExpectBracketResume()
	contErr := s.exec.Continue(ctx, 0)

	if execErr != nil {
		return dap.EvaluateResponseBody{}, execErr
	}
	if contErr != nil {
		return dap.EvaluateResponseBody{}, contErr
	}

	return dap.EvaluateResponseBody{Result: result, VariablesReference: 0}, nil
}

// engineFrameIndex converts a client frame id to the engine's frame
// numbering. The two differ by one; a zero id means "no explicit frame" and
// is forwarded unchanged.
func engineFrameIndex(frameID int) int {
	if frameID == 0 {
		return 0
	}
	return frameID - 1
}

// Terminate acknowledges a terminate request. It deliberately does not kill
// the engine subprocess; teardown happens via Close when the client
// transport goes away. Safe to call any number of times, including after
// the session terminated.
func (s *Session) Terminate() {
}

// Terminated reports whether the session has reached its terminal state.
func (s *Session) Terminated() bool {
	return s.tracker.Terminated()
}

// State returns the current execution state.
func (s *Session) State() ExecState {
	return s.tracker.State()
}

// Close tears down the engine executor and, with it, the debugger
// subprocess.
func (s *Session) Close() error {
	return s.exec.Close()
}

func (s *Session) emitTerminated() {
	if !s.tracker.MarkTerminated() {
		return
	}
	s.events.SendEvent(&dap.TerminatedEvent{Event: newEvent("terminated")})
}

func newEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}
