package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/khng300/vgdb/internal/engine"
	"github.com/khng300/vgdb/internal/session"
)

// errorResponseID is the id attached to error response bodies. The client
// protocol requires a numeric id; this bridge uses a single catch-all.
const errorResponseID = 1000

// Server runs the request/response side of one DAP connection. It reads
// requests from the transport and dispatches them to the session one at a
// time; pipelined client requests are not supported and the session relies
// on that. Events are written concurrently by the session's dispatch loop
// through SendEvent, which is why the sequence counter and the transport
// writes are synchronized.
type Server struct {
	transport Transport
	log       logr.Logger

	seqMu sync.Mutex
	seq   int
}

// NewServer creates a server over an established transport.
func NewServer(transport Transport, log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Server{
		transport: transport,
		log:       log.WithName("dap-server"),
	}
}

// SendEvent assigns a sequence number and writes an event. It implements
// session.EventSink.
func (s *Server) SendEvent(event dap.EventMessage) {
	s.send(event)
}

// ShowError surfaces a user-visible error on the client's console. It
// implements session.Notifier; the message is not a semantic protocol event,
// just text the user must see.
func (s *Server) ShowError(message string) {
	s.log.Info("Surfacing error to user", "message", message)
	s.send(&dap.OutputEvent{
		Event: newEvent("output"),
		Body: dap.OutputEventBody{
			Category: "stderr",
			Output:   message + "\n",
		},
	})
}

// Serve reads and handles requests until the client disconnects, the
// transport closes, or the context is cancelled. The caller owns session
// teardown.
func (s *Server) Serve(ctx context.Context, sess *session.Session) error {
	for {
		msg, readErr := s.transport.ReadMessage()
		if readErr != nil {
			if ctx.Err() != nil || isDisconnect(readErr) {
				s.log.V(1).Info("Client transport closed")
				return nil
			}
			return readErr
		}

		req, ok := msg.(dap.RequestMessage)
		if !ok {
			s.log.Info("Ignoring non-request message", "seq", msg.GetSeq())
			continue
		}

		if done := s.handleRequest(ctx, sess, req); done {
			return nil
		}
	}
}

// handleRequest dispatches one request and writes its response. It returns
// true when the connection should end.
func (s *Server) handleRequest(ctx context.Context, sess *session.Session, msg dap.RequestMessage) bool {
	req := msg.GetRequest()
	s.log.V(1).Info("Client request", "command", req.Command, "seq", req.Seq)

	switch r := msg.(type) {
	case *dap.InitializeRequest:
		capabilities := sess.Initialize()
		s.send(&dap.InitializeResponse{Response: newResponse(req), Body: capabilities})
		// The initialized event follows the response unconditionally; the
		// client needs it to send configuration requests.
		sess.EmitInitialized()

	case *dap.LaunchRequest:
		cfg, parseErr := session.ParseLaunchConfig(r.Arguments)
		if parseErr != nil {
			s.sendErrorResponse(req, parseErr)
			break
		}
		if launchErr := sess.Launch(ctx, cfg); launchErr != nil {
			s.sendErrorResponse(req, launchErr)
			break
		}
		s.send(&dap.LaunchResponse{Response: newResponse(req)})

	case *dap.AttachRequest:
		cfg, parseErr := session.ParseLaunchConfig(r.Arguments)
		if parseErr != nil {
			s.sendErrorResponse(req, parseErr)
			break
		}
		if attachErr := sess.Attach(ctx, cfg); attachErr != nil {
			s.sendErrorResponse(req, attachErr)
			break
		}
		s.send(&dap.AttachResponse{Response: newResponse(req)})

	case *dap.SetBreakpointsRequest:
		specs := make([]engine.BreakpointSpec, 0, len(r.Arguments.Breakpoints))
		for _, sb := range r.Arguments.Breakpoints {
			specs = append(specs, engine.BreakpointSpec{Line: sb.Line, Condition: sb.Condition})
		}
		breakpoints, setErr := sess.SetBreakpoints(ctx, r.Arguments.Source.Path, specs)
		if setErr != nil {
			s.sendErrorResponse(req, setErr)
			break
		}
		s.send(&dap.SetBreakpointsResponse{
			Response: newResponse(req),
			Body:     dap.SetBreakpointsResponseBody{Breakpoints: breakpoints},
		})

	case *dap.ConfigurationDoneRequest:
		s.send(&dap.ConfigurationDoneResponse{Response: newResponse(req)})

	case *dap.ThreadsRequest:
		threads, listErr := sess.Threads(ctx)
		if listErr != nil {
			s.sendErrorResponse(req, listErr)
			break
		}
		s.send(&dap.ThreadsResponse{
			Response: newResponse(req),
			Body:     dap.ThreadsResponseBody{Threads: threads},
		})

	case *dap.StackTraceRequest:
		frames, totalFrames, stackErr := sess.StackTrace(ctx, r.Arguments.ThreadId)
		if stackErr != nil {
			s.sendErrorResponse(req, stackErr)
			break
		}
		s.send(&dap.StackTraceResponse{
			Response: newResponse(req),
			Body: dap.StackTraceResponseBody{
				StackFrames: frames,
				TotalFrames: totalFrames,
			},
		})

	case *dap.ScopesRequest:
		s.send(&dap.ScopesResponse{
			Response: newResponse(req),
			Body:     dap.ScopesResponseBody{Scopes: sess.Scopes(r.Arguments.FrameId)},
		})

	case *dap.VariablesRequest:
		variables, varsErr := sess.Variables(ctx, r.Arguments.VariablesReference)
		if varsErr != nil {
			s.sendErrorResponse(req, varsErr)
			break
		}
		s.send(&dap.VariablesResponse{
			Response: newResponse(req),
			Body:     dap.VariablesResponseBody{Variables: variables},
		})

	case *dap.NextRequest:
		s.ackOrFail(req, sess.Next(ctx, r.Arguments.ThreadId), &dap.NextResponse{Response: newResponse(req)})

	case *dap.StepInRequest:
		s.ackOrFail(req, sess.StepIn(ctx, r.Arguments.ThreadId), &dap.StepInResponse{Response: newResponse(req)})

	case *dap.StepOutRequest:
		s.ackOrFail(req, sess.StepOut(ctx, r.Arguments.ThreadId), &dap.StepOutResponse{Response: newResponse(req)})

	case *dap.ContinueRequest:
		s.ackOrFail(req, sess.Continue(ctx, r.Arguments.ThreadId), &dap.ContinueResponse{Response: newResponse(req)})

	case *dap.PauseRequest:
		s.ackOrFail(req, sess.Pause(ctx), &dap.PauseResponse{Response: newResponse(req)})

	case *dap.EvaluateRequest:
		body, evalErr := sess.Evaluate(ctx, r.Arguments.Expression, r.Arguments.FrameId, r.Arguments.Context)
		if evalErr != nil {
			s.sendErrorResponse(req, evalErr)
			break
		}
		s.send(&dap.EvaluateResponse{Response: newResponse(req), Body: body})

	case *dap.TerminateRequest:
		// Always succeeds, even after the session already terminated.
		sess.Terminate()
		s.send(&dap.TerminateResponse{Response: newResponse(req)})

	case *dap.DisconnectRequest:
		s.send(&dap.DisconnectResponse{Response: newResponse(req)})
		return true

	default:
		s.sendErrorResponse(req, fmt.Errorf("unsupported request %q", req.Command))
	}

	return false
}

// ackOrFail writes the given success response, or an error response if the
// operation failed.
func (s *Server) ackOrFail(req *dap.Request, opErr error, resp dap.ResponseMessage) {
	if opErr != nil {
		s.sendErrorResponse(req, opErr)
		return
	}
	s.send(resp)
}

func (s *Server) sendErrorResponse(req *dap.Request, err error) {
	resp := &dap.ErrorResponse{Response: newResponse(req)}
	resp.Success = false
	resp.Message = err.Error()
	resp.Body.Error = &dap.ErrorMessage{
		Id:       errorResponseID,
		Format:   err.Error(),
		ShowUser: true,
	}
	s.send(resp)
}

// send assigns the next sequence number and writes the message. Write
// failures are logged, not propagated; the read side notices a dead
// transport and ends the session.
func (s *Server) send(msg dap.Message) {
	s.seqMu.Lock()
	s.seq++
	seq := s.seq
	s.seqMu.Unlock()

	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	}

	if writeErr := s.transport.WriteMessage(msg); writeErr != nil {
		s.log.Error(writeErr, "Failed to write DAP message")
	}
}

func newResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func newEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}

// isDisconnect classifies read errors that mean the peer went away rather
// than a protocol failure.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrTransportClosed)
}
