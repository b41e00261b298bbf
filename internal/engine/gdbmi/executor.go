package gdbmi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	gops "github.com/shirou/gopsutil/v4/process"
	"github.com/smallnest/chanx"

	"github.com/khng300/vgdb/internal/engine"
)

// ErrEngineClosed is returned by commands issued after the engine shut down.
var ErrEngineClosed = errors.New("debugger engine is closed")

// defaultDebuggerPath is used when the launch configuration does not name a
// debugger binary.
const defaultDebuggerPath = "gdb"

// Executor implements engine.Executor over a GDB MI2 subprocess.
//
// One goroutine (readLoop) owns the engine's stdout: it correlates result
// records with pending commands by token and forwards async records as
// events on an unbounded channel, so the reader never blocks on a slow
// event consumer and event order is exactly engine order.
type Executor struct {
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc
	events *chanx.UnboundedChan[engine.Event]

	// stopped mirrors the engine's last reported run state.
	stopped atomic.Bool

	// pauseRequested marks that the next signal stop is the ack of an
	// explicit interrupt, not a target-originated signal.
	pauseRequested atomic.Bool

	// curThread is the thread the engine last stopped on; frame-scoped
	// commands are issued against it.
	curThread atomic.Int32

	captureMu sync.Mutex
	capture   *strings.Builder

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pending   map[int]chan record
	token     int
	attachPID int
	closed    bool
}

var _ engine.Executor = (*Executor)(nil)

// NewExecutor creates an executor. The engine subprocess is not started
// until Spawn.
func NewExecutor(log logr.Logger) *Executor {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		log:     log.WithName("gdbmi"),
		ctx:     ctx,
		cancel:  cancel,
		events:  chanx.NewUnboundedChan[engine.Event](ctx, 16),
		pending: make(map[int]chan record),
	}
	e.stopped.Store(true)
	e.curThread.Store(1)
	return e
}

// Events returns the engine event stream.
func (e *Executor) Events() <-chan engine.Event {
	return e.events.Out
}

// IsStopped reports the engine's last known run state.
func (e *Executor) IsStopped() bool {
	return e.stopped.Load()
}

// Spawn starts the debugger subprocess. In launch mode the target is the
// program path; in attach mode it is a decimal process id remembered for
// AttachInferior.
func (e *Executor) Spawn(ctx context.Context, debuggerPath, target, cwd string, args []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.cmd != nil {
		return errors.New("debugger engine already spawned")
	}

	if debuggerPath == "" {
		debuggerPath = defaultDebuggerPath
	}

	gdbArgs := []string{"--interpreter=mi2", "--quiet"}
	if pid, convErr := strconv.Atoi(target); convErr == nil && target != "" {
		e.attachPID = pid
	} else if target != "" {
		if len(args) > 0 {
			gdbArgs = append(gdbArgs, "--args", target)
			gdbArgs = append(gdbArgs, args...)
		} else {
			gdbArgs = append(gdbArgs, target)
		}
	}

	// Tie the subprocess to the executor's lifetime: Close cancels the
	// context, which kills the engine if it is still around.
	cmd := exec.CommandContext(e.ctx, debuggerPath, gdbArgs...)
	cmd.Dir = cwd

	stdin, stdinErr := cmd.StdinPipe()
	if stdinErr != nil {
		return fmt.Errorf("failed to open engine stdin: %w", stdinErr)
	}
	stdout, stdoutErr := cmd.StdoutPipe()
	if stdoutErr != nil {
		return fmt.Errorf("failed to open engine stdout: %w", stdoutErr)
	}
	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		return fmt.Errorf("failed to open engine stderr: %w", stderrErr)
	}

	if startErr := cmd.Start(); startErr != nil {
		return fmt.Errorf("failed to start debugger %q: %w", debuggerPath, startErr)
	}

	e.cmd = cmd
	e.stdin = stdin

	go e.readLoop(stdout)
	go e.drainStderr(stderr)

	e.log.Info("Debugger engine started", "debuggerPath", debuggerPath, "pid", cmd.Process.Pid)
	return nil
}

// StartInferior begins execution of a launched target.
func (e *Executor) StartInferior(ctx context.Context) error {
	_, runErr := e.send(ctx, "-exec-run")
	return runErr
}

// AttachInferior attaches to the process id given at Spawn time. The pid is
// validated before the engine is asked to attach so the user gets a clear
// error for a stale pid.
func (e *Executor) AttachInferior(ctx context.Context) error {
	e.mu.Lock()
	pid := e.attachPID
	e.mu.Unlock()

	if pid <= 0 {
		return errors.New("attach target is not a process id")
	}

	exists, existsErr := gops.PidExistsWithContext(ctx, int32(pid))
	if existsErr == nil && !exists {
		return fmt.Errorf("no running process with id %d", pid)
	}
	if proc, procErr := gops.NewProcessWithContext(ctx, int32(pid)); procErr == nil {
		if name, nameErr := proc.NameWithContext(ctx); nameErr == nil {
			e.log.Info("Attaching to process", "pid", pid, "name", name)
		}
	}

	_, attachErr := e.send(ctx, fmt.Sprintf("-target-attach %d", pid))
	return attachErr
}

// ClearBreakpoints deletes every breakpoint the engine knows about.
func (e *Executor) ClearBreakpoints(ctx context.Context) error {
	_, delErr := e.send(ctx, "-break-delete")
	return delErr
}

// SetBreakpoints installs the given breakpoints in source. Specs the engine
// rejects come back unverified instead of failing the whole request.
func (e *Executor) SetBreakpoints(ctx context.Context, source string, specs []engine.BreakpointSpec) ([]engine.Breakpoint, error) {
	breakpoints := make([]engine.Breakpoint, 0, len(specs))
	for _, spec := range specs {
		command := "-break-insert "
		if spec.Condition != "" {
			command += fmt.Sprintf("-c %s ", miQuote(spec.Condition))
		}
		command += miQuote(fmt.Sprintf("%s:%d", source, spec.Line))

		rec, insErr := e.send(ctx, command)
		if insErr != nil {
			e.log.Info("Breakpoint rejected by engine", "source", source, "line", spec.Line, "reason", insErr.Error())
			breakpoints = append(breakpoints, engine.Breakpoint{File: source, Line: spec.Line, Verified: false})
			continue
		}

		breakpoints = append(breakpoints, breakpointFromTuple(resultTuple(rec.results, "bkpt"), source, spec.Line))
	}
	return breakpoints, nil
}

func breakpointFromTuple(bkpt map[string]any, source string, requestedLine int) engine.Breakpoint {
	bp := engine.Breakpoint{File: source, Line: requestedLine}
	if bkpt == nil {
		return bp
	}

	if number, ok := resultInt(bkpt, "number"); ok {
		bp.Number = number
	}
	if line, ok := resultInt(bkpt, "line"); ok {
		bp.Line = line
	}
	if fullname := resultString(bkpt, "fullname"); fullname != "" {
		bp.File = fullname
	} else if file := resultString(bkpt, "file"); file != "" {
		bp.File = file
	}

	addr := resultString(bkpt, "addr")
	bp.Verified = addr != "" && addr != "<PENDING>"
	return bp
}

// Threads lists the target's threads.
func (e *Executor) Threads(ctx context.Context) ([]engine.Thread, error) {
	rec, listErr := e.send(ctx, "-thread-info")
	if listErr != nil {
		return nil, listErr
	}

	var threads []engine.Thread
	for _, elem := range resultList(rec.results, "threads") {
		tuple, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		id, _ := resultInt(tuple, "id")
		name := resultString(tuple, "name")
		if name == "" {
			name = resultString(tuple, "target-id")
		}
		threads = append(threads, engine.Thread{ID: id, Name: name})
	}
	return threads, nil
}

// Stack fetches the call stack of the given thread, innermost first.
func (e *Executor) Stack(ctx context.Context, threadID int) ([]engine.Frame, error) {
	command := "-stack-list-frames"
	if threadID > 0 {
		command = fmt.Sprintf("-stack-list-frames --thread %d", threadID)
	}

	rec, stackErr := e.send(ctx, command)
	if stackErr != nil {
		return nil, stackErr
	}

	var frames []engine.Frame
	for _, elem := range resultList(rec.results, "stack") {
		tuple, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		level, _ := resultInt(tuple, "level")
		line, _ := resultInt(tuple, "line")
		frames = append(frames, engine.Frame{
			Level:    level,
			Function: resultString(tuple, "func"),
			File:     resultString(tuple, "file"),
			FullName: resultString(tuple, "fullname"),
			Line:     line,
		})
	}
	return frames, nil
}

// Variables lists the locals of the frame behind a variables reference.
// References are one-based frame ids; the engine's frame levels start at
// zero.
func (e *Executor) Variables(ctx context.Context, variablesReference int) ([]engine.Variable, error) {
	frame := variablesReference - 1
	if frame < 0 {
		frame = 0
	}

	command := fmt.Sprintf("-stack-list-variables --thread %d --frame %d --simple-values",
		e.curThread.Load(), frame)
	rec, varsErr := e.send(ctx, command)
	if varsErr != nil {
		return nil, varsErr
	}

	var variables []engine.Variable
	for _, elem := range resultList(rec.results, "variables") {
		tuple, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		variables = append(variables, engine.Variable{
			Name:  resultString(tuple, "name"),
			Value: resultString(tuple, "value"),
		})
	}
	return variables, nil
}

// Next steps over the current line.
func (e *Executor) Next(ctx context.Context, threadID int) error {
	_, stepErr := e.send(ctx, threadedCommand("-exec-next", threadID))
	return stepErr
}

// StepIn steps into the call on the current line.
func (e *Executor) StepIn(ctx context.Context, threadID int) error {
	_, stepErr := e.send(ctx, threadedCommand("-exec-step", threadID))
	return stepErr
}

// StepOut runs until the current function returns.
func (e *Executor) StepOut(ctx context.Context, threadID int) error {
	_, stepErr := e.send(ctx, threadedCommand("-exec-finish", threadID))
	return stepErr
}

// Continue resumes execution.
func (e *Executor) Continue(ctx context.Context, threadID int) error {
	_, contErr := e.send(ctx, threadedCommand("-exec-continue", threadID))
	return contErr
}

// Pause interrupts the running target. The resulting stop is reported as a
// pause acknowledgement rather than a signal stop.
func (e *Executor) Pause(ctx context.Context) error {
	e.pauseRequested.Store(true)
	_, intErr := e.send(ctx, "-exec-interrupt")
	if intErr != nil {
		e.pauseRequested.Store(false)
	}
	return intErr
}

func threadedCommand(command string, threadID int) string {
	if threadID > 0 {
		return fmt.Sprintf("%s --thread %d", command, threadID)
	}
	return command
}

// ExecUserCommand runs a raw command on the engine's console interpreter
// and returns the console text it produced. A non-zero frameIndex selects
// that frame first.
func (e *Executor) ExecUserCommand(ctx context.Context, command string, frameIndex int) (string, error) {
	if frameIndex != 0 {
		if _, selErr := e.send(ctx, fmt.Sprintf("-stack-select-frame %d", frameIndex)); selErr != nil {
			return "", selErr
		}
	}

	e.beginCapture()
	_, execErr := e.send(ctx, fmt.Sprintf("-interpreter-exec console %s", miQuote(command)))
	text := e.endCapture()
	if execErr != nil {
		return "", execErr
	}
	return text, nil
}

// EvaluateExpr evaluates a side-effect-free expression and returns its
// rendered value.
func (e *Executor) EvaluateExpr(ctx context.Context, expression string, frameIndex int) (string, error) {
	if frameIndex != 0 {
		if _, selErr := e.send(ctx, fmt.Sprintf("-stack-select-frame %d", frameIndex)); selErr != nil {
			return "", selErr
		}
	}

	rec, evalErr := e.send(ctx, fmt.Sprintf("-data-evaluate-expression %s", miQuote(expression)))
	if evalErr != nil {
		return "", evalErr
	}
	return resultString(rec.results, "value"), nil
}

// Close tears down the subprocess and fails all pending commands. Safe to
// call more than once.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stdin := e.stdin
	cmd := e.cmd
	e.mu.Unlock()

	if stdin != nil {
		// Best effort at a clean exit before the context kills it.
		_, _ = io.WriteString(stdin, "-gdb-exit\n")
		_ = stdin.Close()
	}

	e.cancel()

	if cmd != nil {
		_ = cmd.Wait()
	}

	e.log.V(1).Info("Debugger engine closed")
	return nil
}

// send writes one token-prefixed command and blocks until its result record
// arrives. Error-class results are converted to errors carrying the
// engine's own message.
func (e *Executor) send(ctx context.Context, command string) (record, error) {
	e.mu.Lock()
	if e.closed || e.stdin == nil {
		e.mu.Unlock()
		return record{}, ErrEngineClosed
	}
	e.token++
	token := e.token
	resultCh := make(chan record, 1)
	e.pending[token] = resultCh
	stdin := e.stdin
	e.mu.Unlock()

	e.log.V(2).Info("Engine command", "token", token, "command", command)

	if _, writeErr := fmt.Fprintf(stdin, "%d%s\n", token, command); writeErr != nil {
		e.removePending(token)
		return record{}, fmt.Errorf("failed to write engine command: %w", writeErr)
	}

	select {
	case rec, ok := <-resultCh:
		if !ok {
			return record{}, ErrEngineClosed
		}
		if rec.class == "error" {
			msg := resultString(rec.results, "msg")
			if msg == "" {
				msg = "engine command failed"
			}
			return rec, errors.New(msg)
		}
		return rec, nil
	case <-ctx.Done():
		e.removePending(token)
		return record{}, ctx.Err()
	}
}

func (e *Executor) removePending(token int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, token)
}

// readLoop owns the engine's stdout for the life of the subprocess.
func (e *Executor) readLoop(r io.Reader) {
	defer close(e.events.In)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		e.handleLine(line)
	}

	e.failPending()

	if e.isClosed() {
		return
	}
	if scanErr := scanner.Err(); scanErr != nil {
		e.emit(engine.Event{Kind: engine.EventFatalError, Message: scanErr.Error()})
	} else {
		e.emit(engine.Event{Kind: engine.EventFatalError, Message: "debugger engine exited unexpectedly"})
	}
}

func (e *Executor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.log.V(1).Info("Engine stderr", "text", scanner.Text())
	}
}

func (e *Executor) handleLine(line string) {
	rec, parseErr := parseRecord(line)
	if parseErr != nil {
		e.log.Error(parseErr, "Failed to parse engine record")
		e.emit(engine.Event{
			Kind:    engine.EventFatalError,
			Message: fmt.Sprintf("cannot parse engine output: %v", parseErr),
		})
		return
	}

	switch rec.kind {
	case recordPrompt:
		// Nothing to do.

	case recordResult:
		e.completeCommand(rec)

	case recordExecAsync:
		e.handleExecAsync(rec)

	case recordStatusAsync, recordNotifyAsync:
		e.log.V(2).Info("Engine notification", "class", rec.class)

	case recordConsoleStream:
		e.appendCapture(rec.stream)
		e.emit(engine.Event{Kind: engine.EventOutput, Output: rec.stream})

	case recordTargetStream:
		e.emit(engine.Event{Kind: engine.EventOutput, Output: strings.TrimPrefix(rec.stream, "@")})

	case recordLogStream:
		e.log.V(2).Info("Engine log", "text", rec.stream)

	default:
		// Target output written straight to the engine's stdout.
		e.emit(engine.Event{Kind: engine.EventOutput, Output: line})
	}
}

func (e *Executor) completeCommand(rec record) {
	if rec.class == "running" {
		e.stopped.Store(false)
	}

	e.mu.Lock()
	resultCh, ok := e.pending[rec.token]
	if ok {
		delete(e.pending, rec.token)
	}
	e.mu.Unlock()

	if !ok {
		if rec.class == "error" {
			// An error nobody asked for: surface it but keep the session.
			e.emit(engine.Event{Kind: engine.EventError, Message: resultString(rec.results, "msg")})
			return
		}
		e.log.V(1).Info("Result record with no pending command", "token", rec.token, "class", rec.class)
		return
	}

	resultCh <- rec
}

func (e *Executor) handleExecAsync(rec record) {
	switch rec.class {
	case "running":
		e.stopped.Store(false)
		ev := engine.Event{Kind: engine.EventRunning}
		if tid := resultString(rec.results, "thread-id"); tid == "all" {
			ev.AllThreads = true
			ev.ThreadID = int(e.curThread.Load())
		} else if threadID, ok := resultInt(rec.results, "thread-id"); ok {
			ev.ThreadID = threadID
		}
		e.emit(ev)

	case "stopped":
		e.stopped.Store(true)
		threadID, ok := resultInt(rec.results, "thread-id")
		if !ok {
			threadID = int(e.curThread.Load())
		}
		e.curThread.Store(int32(threadID))
		e.emit(stopEvent(resultString(rec.results, "reason"), threadID, e.pauseRequested.Swap(false)))

	default:
		e.log.V(2).Info("Ignoring exec async record", "class", rec.class)
	}
}

// stopEvent maps an MI stop reason to an engine event kind. A stop caused
// by our own interrupt is a pause acknowledgement regardless of the signal
// the engine used to implement it.
func stopEvent(reason string, threadID int, pauseRequested bool) engine.Event {
	ev := engine.Event{ThreadID: threadID}
	switch reason {
	case "breakpoint-hit":
		ev.Kind = engine.EventBreakpointHit
	case "end-stepping-range":
		ev.Kind = engine.EventStepDone
	case "function-finished":
		ev.Kind = engine.EventFunctionFinished
	case "exited-normally", "exited", "exited-signalled":
		ev.Kind = engine.EventExited
	case "signal-received":
		if pauseRequested {
			ev.Kind = engine.EventPaused
		} else {
			ev.Kind = engine.EventSignal
		}
	default:
		if pauseRequested {
			ev.Kind = engine.EventPaused
		} else {
			ev.Kind = engine.EventSignal
		}
	}
	return ev
}

func (e *Executor) emit(ev engine.Event) {
	select {
	case e.events.In <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Executor) failPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for token, resultCh := range e.pending {
		close(resultCh)
		delete(e.pending, token)
	}
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Executor) beginCapture() {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	e.capture = &strings.Builder{}
}

func (e *Executor) endCapture() string {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	if e.capture == nil {
		return ""
	}
	text := e.capture.String()
	e.capture = nil
	return text
}

func (e *Executor) appendCapture(stream string) {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	if e.capture == nil {
		return
	}

	text := strings.TrimPrefix(stream, "~")
	if len(text) > 0 && text[0] == '"' {
		if unquoted, _, unquoteErr := parseCString(text, 0); unquoteErr == nil {
			e.capture.WriteString(unquoted)
			return
		}
	}
	e.capture.WriteString(text)
}

// miQuote renders s as an MI c-string argument.
func miQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
