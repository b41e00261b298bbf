package dap

import (
	"bufio"
	"io"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientPipes holds the client's view of a transport built over in-memory
// pipes.
type clientPipes struct {
	reader *bufio.Reader
	writer io.Writer
}

func newPipeTransport(t *testing.T) (Transport, *clientPipes) {
	t.Helper()

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()
	t.Cleanup(func() {
		_ = clientToServerW.Close()
		_ = serverToClientR.Close()
	})

	transport := NewStreamTransport(clientToServerR, serverToClientW, clientToServerR, serverToClientW)
	client := &clientPipes{
		reader: bufio.NewReader(serverToClientR),
		writer: clientToServerW,
	}
	return transport, client
}

// Verifies a message round trip in both directions.
func TestStreamTransportRoundTrip(t *testing.T) {
	t.Parallel()
	transport, client := newPipeTransport(t)

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- dap.WriteProtocolMessage(client.writer, &dap.InitializeRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"},
				Command:         "initialize",
			},
		})
	}()

	msg, readErr := transport.ReadMessage()
	require.NoError(t, readErr)
	require.NoError(t, <-writeDone)

	req, ok := msg.(*dap.InitializeRequest)
	require.True(t, ok)
	assert.Equal(t, "initialize", req.Command)

	serverWriteDone := make(chan error, 1)
	go func() {
		serverWriteDone <- transport.WriteMessage(&dap.OutputEvent{
			Event: dap.Event{
				ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "event"},
				Event:           "output",
			},
			Body: dap.OutputEventBody{Category: "console", Output: "hi\n"},
		})
	}()

	reply, clientReadErr := dap.ReadProtocolMessage(client.reader)
	require.NoError(t, clientReadErr)
	require.NoError(t, <-serverWriteDone)

	out, ok := reply.(*dap.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "hi\n", out.Body.Output)
}

// Verifies that operations after Close report the transport as closed.
func TestStreamTransportClose(t *testing.T) {
	t.Parallel()
	transport, _ := newPipeTransport(t)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	_, readErr := transport.ReadMessage()
	require.ErrorIs(t, readErr, ErrTransportClosed)

	writeErr := transport.WriteMessage(&dap.OutputEvent{Event: newEvent("output")})
	require.ErrorIs(t, writeErr, ErrTransportClosed)
}

// Verifies that peer-gone read errors are classified as disconnects.
func TestIsDisconnect(t *testing.T) {
	t.Parallel()

	assert.True(t, isDisconnect(io.EOF))
	assert.True(t, isDisconnect(io.ErrClosedPipe))
	assert.True(t, isDisconnect(ErrTransportClosed))
	assert.False(t, isDisconnect(io.ErrShortWrite))
}
