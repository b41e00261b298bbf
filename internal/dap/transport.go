// Package dap carries the client-facing plumbing of the bridge: the Debug
// Adapter Protocol codec over stdio or TCP, and the serve loop that feeds
// requests to a session one at a time and writes responses and events back
// with sequence numbers assigned.
package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("transport is closed")

// Transport abstracts DAP message I/O over a connection. Reads and writes
// may happen on different goroutines, but there is at most one concurrent
// reader; writes are serialized internally.
type Transport interface {
	// ReadMessage blocks until the next complete DAP message is available.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes one DAP message, flushing it to the peer.
	WriteMessage(msg dap.Message) error

	// Close releases the underlying streams. Blocked reads and writes
	// return with an error afterwards.
	Close() error
}

// streamTransport implements Transport over a reader/writer pair. Both the
// stdio and the TCP flavors are this type with different streams underneath.
type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	// writeMu serializes writes; events and responses come from different
	// goroutines.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewStreamTransport creates a Transport over arbitrary streams. The closers
// are closed, in order, when the transport is closed.
func NewStreamTransport(r io.Reader, w io.Writer, closers ...io.Closer) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(r),
		writer:  bufio.NewWriter(w),
		closers: closers,
	}
}

// NewStdioTransport creates a Transport over the process's stdin/stdout.
func NewStdioTransport(stdin io.ReadCloser, stdout io.WriteCloser) Transport {
	return NewStreamTransport(stdin, stdout, stdin, stdout)
}

// NewConnTransport creates a Transport over an accepted network connection.
func NewConnTransport(conn net.Conn) Transport {
	return NewStreamTransport(conn, conn, conn)
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}

	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.writer, msg); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}
	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}

	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
