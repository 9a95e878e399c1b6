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
	"sync"
	"time"

	"github.com/bureau-foundation/codeloop/lib/codec"
	"github.com/bureau-foundation/codeloop/lib/thread"
)

// writeTimeout bounds one frame write on transports with deadlines.
const writeTimeout = 10 * time.Second

// Conn is one caller's connection: its framing, its session selection,
// and the turns it started. Requests are handled in arrival order, and
// every outgoing frame goes through one queue drained by a single
// writer, so a turn/start response is written before any of that
// turn's notifications and a slow reader never blocks a turn.
type Conn struct {
	server    *Server
	reader    codec.FrameReader
	transport io.Writer
	writer    codec.FrameWriter
	logger    *slog.Logger

	outMu      sync.Mutex
	outReady   *sync.Cond
	outbox     [][]byte
	closed     bool // no further frames are accepted
	writerDone chan struct{}

	mu      sync.Mutex
	session thread.Session
	turns   map[string]string // turn id to thread id
}

func (s *Server) newConn(r io.Reader, w io.Writer) *Conn {
	conn := &Conn{
		server:     s,
		reader:     codec.NewFrameReader(s.config.Framing, r),
		transport:  w,
		writer:     codec.NewFrameWriter(s.config.Framing, w),
		writerDone: make(chan struct{}),
		session:    s.config.Defaults,
		turns:      make(map[string]string),
		logger:     s.logger,
	}
	conn.outReady = sync.NewCond(&conn.outMu)
	return conn
}

func (conn *Conn) serve(ctx context.Context) error {
	conn.logger.Debug("connection opened")
	go conn.writeLoop()
	defer conn.finish()
	for {
		frame, err := conn.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("protocol: reading request: %w", err)
		}
		conn.dispatch(ctx, frame)
	}
}

func (conn *Conn) dispatch(ctx context.Context, frame []byte) {
	var request Request
	if err := json.Unmarshal(frame, &request); err != nil {
		conn.respond(nil, nil, invalidRequest("malformed request: %v", err))
		return
	}
	if request.Method == "" {
		conn.respond(request.ID, nil, invalidRequest("method is required"))
		return
	}
	handler, ok := conn.server.handlers[request.Method]
	if !ok {
		conn.respond(request.ID, nil, &Error{Kind: KindMethodNotFound, Message: fmt.Sprintf("unknown method %q", request.Method)})
		return
	}

	result, err := handler(ctx, conn, request.Params)
	if err != nil {
		conn.logger.Debug("request failed", "method", request.Method, "error", err)
		conn.respond(request.ID, nil, err)
		return
	}
	follow, isDeferred := result.(deferred)
	if isDeferred {
		result = follow.result
	}
	written := conn.respond(request.ID, result, nil)
	if !isDeferred {
		return
	}
	if written {
		follow.then()
	} else if follow.abort != nil {
		follow.abort()
	}
}

// respond answers a request. Requests without an id get no answer,
// which still counts as delivered.
func (conn *Conn) respond(id json.RawMessage, result any, err error) bool {
	if len(id) == 0 && err == nil {
		return true
	}
	response := Response{ID: id}
	if err != nil {
		response.Error = errorBody(err)
	} else {
		if result == nil {
			result = struct{}{}
		}
		response.Result = result
	}
	return conn.write(response)
}

// notify queues a notification. It reports false once the connection
// can no longer be written.
func (conn *Conn) notify(method string, params any) bool {
	return conn.write(Notification{Method: method, Params: params})
}

// write queues message for the writer. It never blocks on the
// transport.
func (conn *Conn) write(message any) bool {
	data, err := json.Marshal(message)
	if err != nil {
		conn.logger.Error("encoding message failed", "error", err)
		return false
	}
	conn.outMu.Lock()
	defer conn.outMu.Unlock()
	if conn.closed {
		return false
	}
	conn.outbox = append(conn.outbox, data)
	conn.outReady.Signal()
	return true
}

// writeLoop writes queued frames in order until the connection is
// closed and the queue is empty. A failed write drops the rest of the
// output, closes the transport so serve ends, and cancels the
// connection's turns.
func (conn *Conn) writeLoop() {
	defer close(conn.writerDone)
	for {
		conn.outMu.Lock()
		for len(conn.outbox) == 0 && !conn.closed {
			conn.outReady.Wait()
		}
		batch := conn.outbox
		conn.outbox = nil
		conn.outMu.Unlock()
		if len(batch) == 0 {
			return
		}

		for _, frame := range batch {
			if deadliner, ok := conn.transport.(interface{ SetWriteDeadline(time.Time) error }); ok {
				deadliner.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := conn.writer.WriteFrame(frame); err != nil {
				conn.logger.Debug("write failed, dropping connection output", "error", err)
				conn.outMu.Lock()
				conn.closed = true
				conn.outbox = nil
				conn.outMu.Unlock()
				conn.closeTransport()
				conn.cancelTurns("write failure")
				return
			}
		}
	}
}

// flush stops accepting frames and waits until the writer has written
// everything already queued, or ctx ends.
func (conn *Conn) flush(ctx context.Context) error {
	conn.outMu.Lock()
	conn.closed = true
	conn.outReady.Signal()
	conn.outMu.Unlock()
	select {
	case <-conn.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the connection's current selection.
func (conn *Conn) Session() thread.Session {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.session
}

func (conn *Conn) setSession(update func(*thread.Session)) thread.Session {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	update(&conn.session)
	return conn.session
}

func (conn *Conn) addTurn(turnID, threadID string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.turns[turnID] = threadID
}

func (conn *Conn) removeTurn(turnID string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	delete(conn.turns, turnID)
}

// finish delivers what is already queued, then cancels the turns
// this connection started that are still running. Their later events
// are dropped: nobody is left to read them.
func (conn *Conn) finish() {
	conn.flush(context.Background())
	conn.cancelTurns("disconnect")
	conn.logger.Debug("connection closed")
}

func (conn *Conn) cancelTurns(reason string) {
	conn.mu.Lock()
	turns := make(map[string]string, len(conn.turns))
	for turnID, threadID := range conn.turns {
		turns[turnID] = threadID
	}
	conn.mu.Unlock()

	for turnID, threadID := range turns {
		if err := conn.server.config.Manager.CancelTurn(threadID, turnID); err == nil {
			conn.logger.Info("turn cancelled", "reason", reason, "thread_id", threadID, "turn_id", turnID)
		}
	}
}

// closeTransport closes a transport that can be closed, ending serve.
func (conn *Conn) closeTransport() {
	if closer, ok := conn.transport.(io.Closer); ok {
		closer.Close()
	}
}
