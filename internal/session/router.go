package session

import (
	"fmt"

	"github.com/google/go-dap"

	"github.com/khng300/vgdb/internal/engine"
)

// dispatchEvents is the session's single consumer of the engine event
// stream. It runs until the executor closes the stream. Having exactly one
// consumer preserves the engine's FIFO ordering all the way to the client.
func (s *Session) dispatchEvents() {
	for ev := range s.exec.Events() {
		s.routeEvent(ev)
	}
	s.log.V(1).Info("Engine event stream closed")
}

// routeEvent maps one engine event to at most one client event.
func (s *Session) routeEvent(ev engine.Event) {
	s.log.V(1).Info("Engine event", "kind", ev.Kind.String(), "threadID", ev.ThreadID)

	switch ev.Kind {
	case engine.EventFatalError:
		// Unrecoverable. This is the only terminal path not preceded by a
		// normal stop, so surface it to the user before tearing down.
		s.notifier.ShowError(fmt.Sprintf(
			"The debugger engine reported an unrecoverable error: %s. "+
				"The session cannot continue. Please file a report at https://github.com/khng300/vgdb/issues.",
			ev.Message))
		s.emitTerminated()

	case engine.EventError:
		s.notifier.ShowError(ev.Message)

	case engine.EventOutput:
		s.events.SendEvent(&dap.OutputEvent{
			Event: newEvent("output"),
			Body: dap.OutputEventBody{
				Category: "console",
				Output:   sanitizeConsoleOutput(ev.Output),
			},
		})

	case engine.EventRunning:
		s.tracker.Set(StateRunning)
		if s.tracker.TakeBracketResume() {
			return
		}
		s.events.SendEvent(&dap.ContinuedEvent{
			Event: newEvent("continued"),
			Body: dap.ContinuedEventBody{
				ThreadId:            ev.ThreadID,
				AllThreadsContinued: ev.AllThreads,
			},
		})

	case engine.EventBreakpointHit:
		s.emitStopped("breakpoint", ev.ThreadID, StateStopped)

	case engine.EventStepDone:
		s.emitStopped("step", ev.ThreadID, StateStopped)

	case engine.EventFunctionFinished:
		s.emitStopped("step-out", ev.ThreadID, StateStopped)

	case engine.EventSignal:
		s.emitStopped("pause", ev.ThreadID, StatePaused)

	case engine.EventPaused:
		s.emitStopped("pause", pausedThreadID, StatePaused)

	case engine.EventExited:
		s.emitTerminated()

	default:
		s.log.Info("Ignoring unknown engine event", "kind", int(ev.Kind))
	}
}

// emitStopped records the state transition and forwards a stopped event
// unless the stop belongs to an evaluation bracket.
func (s *Session) emitStopped(reason string, threadID int, next ExecState) {
	s.tracker.Set(next)
	if s.tracker.TakeBracketStop() {
		return
	}
	s.events.SendEvent(&dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:   reason,
			ThreadId: threadID,
		},
	})
}
