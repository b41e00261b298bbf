package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khng300/vgdb/internal/engine/enginetest"
	"github.com/khng300/vgdb/internal/session"
)

const serverTestTimeout = 10 * time.Second

// testClient drives a served session the way an editor would, over
// in-memory pipes.
type testClient struct {
	t      *testing.T
	reader *bufio.Reader
	writer io.Writer
	seq    int
}

func (c *testClient) send(msg dap.RequestMessage) {
	c.t.Helper()
	c.seq++
	msg.GetRequest().Seq = c.seq
	msg.GetRequest().Type = "request"
	require.NoError(c.t, dap.WriteProtocolMessage(c.writer, msg))
}

func (c *testClient) read() dap.Message {
	c.t.Helper()
	msg, readErr := dap.ReadProtocolMessage(c.reader)
	require.NoError(c.t, readErr)
	return msg
}

func startTestServer(t *testing.T) (*testClient, *enginetest.FakeExecutor, chan error) {
	t.Helper()

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	transport := NewStreamTransport(clientToServerR, serverToClientW, clientToServerR, serverToClientW)
	server := NewServer(transport, logr.Discard())

	fake := enginetest.NewFakeExecutor()
	sess := session.New(session.Config{
		Executor: fake,
		Events:   server,
		Notifier: server,
	})

	ctx, cancel := context.WithTimeout(context.Background(), serverTestTimeout)
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx, sess)
	}()

	t.Cleanup(func() {
		_ = sess.Close()
		_ = transport.Close()
		_ = clientToServerW.Close()
		_ = serverToClientR.Close()
		cancel()
	})

	return &testClient{
		t:      t,
		reader: bufio.NewReader(serverToClientR),
		writer: clientToServerW,
	}, fake, serveDone
}

// Verifies the initialize handshake ordering: response first, initialized
// event second, and the disconnect request ends the serve loop.
func TestServeInitializeThenDisconnect(t *testing.T) {
	t.Parallel()
	client, _, serveDone := startTestServer(t)

	client.send(&dap.InitializeRequest{Request: dap.Request{Command: "initialize"}})

	first := client.read()
	initResp, ok := first.(*dap.InitializeResponse)
	require.True(t, ok, "initialize response must precede the initialized event")
	assert.True(t, initResp.Success)
	assert.Equal(t, 1, initResp.RequestSeq)
	assert.True(t, initResp.Body.SupportsTerminateRequest)

	second := client.read()
	_, ok = second.(*dap.InitializedEvent)
	require.True(t, ok)
	assert.Greater(t, second.GetSeq(), first.GetSeq())

	client.send(&dap.DisconnectRequest{Request: dap.Request{Command: "disconnect"}})
	_, ok = client.read().(*dap.DisconnectResponse)
	require.True(t, ok)

	select {
	case serveErr := <-serveDone:
		require.NoError(t, serveErr)
	case <-time.After(serverTestTimeout):
		t.Fatal("Serve did not return after disconnect")
	}
}

// Verifies that a launch failure produces the terminated event followed by
// an error response carrying the engine's message.
func TestServeLaunchFailure(t *testing.T) {
	t.Parallel()
	client, fake, _ := startTestServer(t)
	fake.Errs["Spawn"] = errors.New("no such file or directory")

	client.send(&dap.LaunchRequest{
		Request:   dap.Request{Command: "launch"},
		Arguments: json.RawMessage(`{"program":"/bin/missing"}`),
	})

	// The session terminates before the launch request is answered.
	first := client.read()
	_, ok := first.(*dap.TerminatedEvent)
	require.True(t, ok)

	second := client.read()
	errResp, ok := second.(*dap.ErrorResponse)
	require.True(t, ok)
	assert.False(t, errResp.Success)
	assert.Contains(t, errResp.Message, "no such file")
	require.NotNil(t, errResp.Body.Error)
	assert.True(t, errResp.Body.Error.ShowUser)
}

// Verifies a full configuration round: set breakpoints, configuration done,
// then a threads query.
func TestServeConfigurationRequests(t *testing.T) {
	t.Parallel()
	client, fake, _ := startTestServer(t)
	fake.BreakpointsResult = nil

	client.send(&dap.SetBreakpointsRequest{
		Request: dap.Request{Command: "setBreakpoints"},
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "main.c"},
			Breakpoints: []dap.SourceBreakpoint{{Line: 5}},
		},
	})
	_, ok := client.read().(*dap.SetBreakpointsResponse)
	require.True(t, ok)
	require.Equal(t, []string{"ClearBreakpoints", "SetBreakpoints(main.c,1)"}, fake.Calls())

	client.send(&dap.ConfigurationDoneRequest{Request: dap.Request{Command: "configurationDone"}})
	_, ok = client.read().(*dap.ConfigurationDoneResponse)
	require.True(t, ok)

	client.send(&dap.ThreadsRequest{Request: dap.Request{Command: "threads"}})
	threadsResp, ok := client.read().(*dap.ThreadsResponse)
	require.True(t, ok)
	assert.Empty(t, threadsResp.Body.Threads)
}

// Verifies that requests the bridge does not implement get an error
// response instead of silence.
func TestServeUnsupportedRequest(t *testing.T) {
	t.Parallel()
	client, _, _ := startTestServer(t)

	client.send(&dap.SetFunctionBreakpointsRequest{
		Request: dap.Request{Command: "setFunctionBreakpoints"},
	})

	errResp, ok := client.read().(*dap.ErrorResponse)
	require.True(t, ok)
	assert.False(t, errResp.Success)
	assert.Contains(t, errResp.Message, "setFunctionBreakpoints")
}

// Verifies that terminate is acknowledged even before anything was
// launched.
func TestServeTerminateAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	client, _, _ := startTestServer(t)

	client.send(&dap.TerminateRequest{Request: dap.Request{Command: "terminate"}})
	termResp, ok := client.read().(*dap.TerminateResponse)
	require.True(t, ok)
	assert.True(t, termResp.Success)
}
