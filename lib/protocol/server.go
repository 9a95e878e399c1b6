// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/codec"
	"github.com/bureau-foundation/codeloop/lib/thread"
)

// Catalog lists and resolves models. [*catalog.Catalog] implements it.
type Catalog interface {
	Providers() []catalog.ProviderConfig
	Models(ctx context.Context, providerID string) ([]catalog.Model, error)
	Resolve(ctx context.Context, providerID, modelID string) (catalog.Model, error)
}

// Config holds the server's collaborators.
type Config struct {
	Manager *thread.Manager
	Catalog Catalog
	Agents  *agentdef.Registry

	// Defaults is the selection every new connection starts with.
	Defaults thread.Session

	// Framing is the wire format of every connection. Empty means
	// line-delimited JSON.
	Framing codec.Format

	// ShutdownTimeout bounds how long Serve waits for running turns to
	// report their terminal state before closing connections. Zero
	// means 10s.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// handlerFunc serves one method. The result is marshaled as the
// response's result; returning a [deferred] runs a follow-up after the
// response is written.
type handlerFunc func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error)

// deferred is a result whose follow-up must run only after the
// response is queued ahead of anything the follow-up sends. abort runs
// instead when the connection no longer accepts output.
type deferred struct {
	result any
	then   func()
	abort  func()
}

// Server serves the protocol on any number of connections.
type Server struct {
	config   Config
	handlers map[string]handlerFunc
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[*Conn]struct{}
	active      sync.WaitGroup
}

// NewServer returns a server with every method registered.
func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Framing == "" {
		config.Framing = codec.FormatJSON
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	server := &Server{
		config:      config,
		handlers:    make(map[string]handlerFunc),
		logger:      config.Logger,
		connections: make(map[*Conn]struct{}),
	}
	server.registerMethods()
	return server
}

// handle registers handler for method. It panics on a duplicate.
func (s *Server) handle(method string, handler handlerFunc) {
	if _, exists := s.handlers[method]; exists {
		panic(fmt.Sprintf("protocol: duplicate handler for method %q", method))
	}
	s.handlers[method] = handler
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for method := range s.handlers {
		methods = append(methods, method)
	}
	return methods
}

// ServeConn serves one connection until the caller closes it or a
// framing error makes the stream unreadable. ctx is the parent of
// every request's context; cancelling it does not end the connection,
// so turns can still report their terminal state during shutdown.
// Turns the connection started and that are still running when it
// ends are cancelled.
func (s *Server) ServeConn(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := s.newConn(r, w)
	s.track(conn, true)
	defer s.track(conn, false)
	return conn.serve(ctx)
}

// Serve accepts connections on a Unix socket at socketPath. It blocks
// until ctx is cancelled, then stops accepting, lets running turns
// report their terminal state (bounded by ShutdownTimeout), closes the
// remaining connections, and returns once their handlers finish.
//
// A stale socket file at socketPath is removed before listening, and
// the socket file is removed on return.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("protocol: removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("protocol: listening on %s: %w", socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("protocol server listening", "path", socketPath, "framing", s.config.Framing)

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer netConn.Close()
			if err := s.ServeConn(ctx, netConn, netConn); err != nil {
				s.logger.Debug("connection ended", "error", err)
			}
		}()
	}

	s.drain()
	s.active.Wait()
	return nil
}

// drain cancels every running turn, waits for them to finish, writes
// out their queued terminal notifications, then closes the
// connections.
func (s *Server) drain() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if s.config.Manager != nil {
		if err := s.config.Manager.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("turns still running at shutdown", "error", err)
		}
	}

	s.mu.Lock()
	connections := make([]*Conn, 0, len(s.connections))
	for conn := range s.connections {
		connections = append(connections, conn)
	}
	s.mu.Unlock()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), writeTimeout)
	defer cancelFlush()
	for _, conn := range connections {
		if err := conn.flush(flushCtx); err != nil {
			s.logger.Warn("connection output not flushed at shutdown", "error", err)
		}
		conn.closeTransport()
	}
}

func (s *Server) track(conn *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.connections[conn] = struct{}{}
	} else {
		delete(s.connections, conn)
	}
}
