package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	dapserver "github.com/khng300/vgdb/internal/dap"
	"github.com/khng300/vgdb/internal/engine/gdbmi"
	"github.com/khng300/vgdb/internal/session"
	"github.com/khng300/vgdb/pkg/logger"
)

const (
	listenFlagName  = "listen"
	envFileFlagName = "env-file"
)

// AddServeFlags registers the flags of the default (serve) command.
func AddServeFlags(fs *pflag.FlagSet) {
	fs.String(listenFlagName, "", "TCP address to serve debug sessions on (e.g. 127.0.0.1:4711). When empty, one session is served over stdin/stdout.")
	fs.String(envFileFlagName, "", "Path to a file with environment variable settings to apply before serving.")
}

func runServe(log *logger.Logger) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString(envFileFlagName)
		if envFile != "" {
			if loadErr := godotenv.Load(envFile); loadErr != nil {
				return fmt.Errorf("failed to load environment file '%s': %w", envFile, loadErr)
			}
			log.V(1).Info("Loaded environment file", "path", envFile)
		}

		listen, _ := cmd.Flags().GetString(listenFlagName)
		if listen == "" {
			return serveStdio(cmd.Context(), log.Logger)
		}
		return serveTCP(cmd.Context(), log.Logger, listen)
	}
}

// serveStdio runs a single debug session over the process's stdin/stdout.
// The process ends with the session.
func serveStdio(ctx context.Context, log logr.Logger) error {
	transport := dapserver.NewStdioTransport(os.Stdin, os.Stdout)
	return serveSession(ctx, log, transport)
}

// serveTCP accepts debug sessions on a TCP address, one session per
// connection. The listen itself is retried briefly: when an editor restarts
// the adapter the old process may not have released the port yet.
func serveTCP(ctx context.Context, log logr.Logger, address string) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(5*time.Second),
	)
	listener, listenErr := backoff.RetryWithData(func() (net.Listener, error) {
		return net.Listen("tcp", address)
	}, b)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on '%s': %w", address, listenErr)
	}
	log.Info("Serving debug sessions", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", acceptErr)
		}

		log.V(1).Info("Client connected", "remote", conn.RemoteAddr().String())
		go func() {
			if sessionErr := serveSession(ctx, log, dapserver.NewConnTransport(conn)); sessionErr != nil {
				log.Error(sessionErr, "Debug session ended with an error")
			}
		}()
	}
}

// serveSession wires one transport to a fresh engine executor and session,
// serves it to completion, and tears everything down.
func serveSession(ctx context.Context, log logr.Logger, transport dapserver.Transport) error {
	server := dapserver.NewServer(transport, log)
	exec := gdbmi.NewExecutor(log)
	sess := session.New(session.Config{
		Executor: exec,
		Events:   server,
		Notifier: server,
		Log:      log,
	})
	defer func() {
		_ = sess.Close()
		_ = transport.Close()
	}()

	log.Info("Debug session starting", "sessionID", sess.ID())
	serveErr := server.Serve(ctx, sess)
	log.Info("Debug session ended", "sessionID", sess.ID())
	return serveErr
}
