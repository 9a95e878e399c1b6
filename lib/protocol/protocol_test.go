// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/codec"
	"github.com/bureau-foundation/codeloop/lib/engine"
	"github.com/bureau-foundation/codeloop/lib/llm"
	"github.com/bureau-foundation/codeloop/lib/store"
	"github.com/bureau-foundation/codeloop/lib/testutil"
	"github.com/bureau-foundation/codeloop/lib/thread"
	"github.com/bureau-foundation/codeloop/lib/tool"
)

// scriptProvider plays one canned stream per call, repeating the last.
type scriptProvider struct {
	mu     sync.Mutex
	calls  int
	script [][]llm.StreamEvent
}

func (provider *scriptProvider) Stream(context.Context, llm.Request) (*llm.EventStream, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	index := min(provider.calls, len(provider.script)-1)
	provider.calls++
	return llm.SliceStream(provider.script[index], nil), nil
}

func (provider *scriptProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func textReply(text string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventTextDelta, Text: text},
		{Type: llm.EventContentBlockDone, ContentBlock: llm.TextBlock(text)},
		{Type: llm.EventUsage, Usage: llm.Usage{InputTokens: 50, OutputTokens: 5, Reported: true}},
		{Type: llm.EventDone},
	}
}

func toolReply(id, name, input string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventContentBlockDone, ContentBlock: llm.ToolUseBlock(id, name, json.RawMessage(input))},
		{Type: llm.EventUsage, Usage: llm.Usage{InputTokens: 40, OutputTokens: 10, Reported: true}},
		{Type: llm.EventDone},
	}
}

// stallProvider streams nothing until its context ends.
type stallProvider struct {
	once    sync.Once
	started chan struct{}
}

func (provider *stallProvider) Stream(ctx context.Context, _ llm.Request) (*llm.EventStream, error) {
	provider.once.Do(func() { close(provider.started) })
	return llm.NewEventStream(func() (llm.StreamEvent, error) {
		<-ctx.Done()
		return llm.StreamEvent{}, context.Cause(ctx)
	}, nil), nil
}

func (provider *stallProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return nil, errors.New("not used")
}

// stubModels resolves through a real catalog but builds the test
// provider.
type stubModels struct {
	*catalog.Catalog
	provider llm.Provider
}

func (models stubModels) Build(string) (llm.Provider, error) { return models.provider, nil }

type fixture struct {
	server  *Server
	manager *thread.Manager
	store   *store.Store
	framing codec.Format
}

func newFixture(t *testing.T, provider llm.Provider, framing codec.Format) *fixture {
	t.Helper()
	threads, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { threads.Close() })

	models, err := catalog.New([]catalog.ProviderConfig{{
		ID:       "local",
		Dialect:  catalog.DialectOpenAI,
		Endpoint: "http://127.0.0.1:1/v1/chat/completions",
		Models: []catalog.Model{
			{ID: "test-model", ContextLength: 100_000, SupportsTools: true},
			{ID: "other-model", ContextLength: 32_000, SupportsTools: true},
		},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	registry := tool.NewRegistry()
	echo := tool.Func{
		Def: tool.Definition{Name: "echo", Description: "Echo the input.", SideEffect: tool.ReadOnly},
		Fn: func(_ context.Context, input json.RawMessage) (string, error) {
			return string(input), nil
		},
	}
	if err := registry.Register(echo); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reviewer, err := agentdef.Parse("reviewer.md", []byte("---\ntools: []\n---\nReview only."), registry.Names())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	manager := thread.NewManager(thread.Config{
		Store:     threads,
		Engine:    engine.New(engine.Config{Executor: tool.NewExecutor(tool.ExecutorConfig{Registry: registry})}),
		Models:    stubModels{Catalog: models, provider: provider},
		Agents:    agentdef.NewRegistry(agentdef.Builtin(registry.Names()), reviewer),
		Workspace: "/src/app",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	server := NewServer(Config{
		Manager:  manager,
		Catalog:  models,
		Agents:   agentdef.NewRegistry(agentdef.Builtin(registry.Names()), reviewer),
		Defaults: thread.Session{Provider: "local", Model: "test-model"},
		Framing:  framing,
	})
	return &fixture{server: server, manager: manager, store: threads, framing: framing}
}

// message is any frame the server sends.
type message struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorBody      `json:"error"`
}

func (m message) isNotification() bool { return m.Method != "" && len(m.ID) == 0 }

type client struct {
	t      *testing.T
	conn   net.Conn
	reader codec.FrameReader
	writer codec.FrameWriter
	nextID int
	queue  []message
}

// dial connects a client to the fixture's server over an in-memory
// pipe.
func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverSide.Close()
		f.server.ServeConn(context.Background(), serverSide, serverSide)
	}()
	t.Cleanup(func() {
		clientSide.Close()
		<-done
	})
	return newClient(t, clientSide, f.framing)
}

func newClient(t *testing.T, conn net.Conn, framing codec.Format) *client {
	return &client{
		t:      t,
		conn:   conn,
		reader: codec.NewFrameReader(framing, conn),
		writer: codec.NewFrameWriter(framing, conn),
	}
}

// send writes one well-formed JSON request in the connection's
// framing.
func (c *client) send(frame string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.writer.WriteFrame([]byte(frame)); err != nil {
		c.t.Fatalf("writing frame: %v", err)
	}
}

// sendLine writes line and a newline straight to the connection, so
// bytes that are not JSON reach the server as they are.
func (c *client) sendLine(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("writing line: %v", err)
	}
}

func (c *client) read() message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := c.reader.ReadFrame()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.t.Fatalf("decoding %s: %v", frame, err)
	}
	return msg
}

// call sends a request and returns its response, queueing any
// notifications that arrive first.
func (c *client) call(method string, params any) message {
	c.t.Helper()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	request := map[string]any{"id": c.nextID, "method": method}
	if params != nil {
		request["params"] = params
	}
	data, err := json.Marshal(request)
	if err != nil {
		c.t.Fatal(err)
	}
	c.send(string(data))
	for {
		msg := c.read()
		if msg.isNotification() {
			c.queue = append(c.queue, msg)
			continue
		}
		if string(msg.ID) != id {
			c.t.Fatalf("response id %s, want %s", msg.ID, id)
		}
		return msg
	}
}

// callOK calls method and decodes a successful result into result.
func (c *client) callOK(method string, params, result any) {
	c.t.Helper()
	msg := c.call(method, params)
	if msg.Error != nil {
		c.t.Fatalf("%s: %s: %s", method, msg.Error.Kind, msg.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(msg.Result, result); err != nil {
			c.t.Fatalf("%s: decoding result %s: %v", method, msg.Result, err)
		}
	}
}

// callErr calls method and returns the error it must fail with.
func (c *client) callErr(method string, params any) *ErrorBody {
	c.t.Helper()
	msg := c.call(method, params)
	if msg.Error == nil {
		c.t.Fatalf("%s succeeded with %s, want an error", method, msg.Result)
	}
	return msg.Error
}

// until returns every notification up to and including the first
// with method.
func (c *client) until(method string) []message {
	c.t.Helper()
	var seen []message
	for {
		var msg message
		if len(c.queue) > 0 {
			msg, c.queue = c.queue[0], c.queue[1:]
		} else {
			msg = c.read()
		}
		if !msg.isNotification() {
			c.t.Fatalf("unexpected response %s while waiting for %s", msg.ID, method)
		}
		seen = append(seen, msg)
		if msg.Method == method {
			return seen
		}
	}
}

func methods(messages []message) []string {
	names := make([]string, len(messages))
	for index, msg := range messages {
		names[index] = msg.Method
	}
	return names
}

func startThread(c *client) string {
	c.t.Helper()
	var started threadStartResult
	c.callOK("thread/start", map[string]any{"workspace": "/w"}, &started)
	if started.ThreadID == "" {
		c.t.Fatal("thread/start returned no threadId")
	}
	return started.ThreadID
}

func TestTurnLifecycle(t *testing.T) {
	t.Parallel()

	provider := &scriptProvider{script: [][]llm.StreamEvent{
		toolReply("call-1", "echo", `{"text":"hi"}`),
		textReply("done"),
	}}
	f := newFixture(t, provider, codec.FormatJSON)
	c := f.dial(t)

	var info serverInfoResult
	c.callOK("server/info", nil, &info)
	if info.Name != "codeloop" || info.Framing != "json" || info.Version == "" {
		t.Errorf("server/info = %+v", info)
	}

	threadID := startThread(c)
	var ack turnStartResult
	c.callOK("turn/start", map[string]any{"threadId": threadID, "turnId": "t1", "message": "echo hi"}, &ack)
	if ack.TurnID != "t1" || ack.Model != "test-model" || ack.Agent != agentdef.DefaultAgent {
		t.Errorf("ack = %+v", ack)
	}
	if len(c.queue) != 0 {
		t.Fatalf("notifications before the ack: %v", methods(c.queue))
	}

	notes := c.until(NotifyTurnCompleted)
	if notes[0].Method != NotifyTurnStarted {
		t.Errorf("first notification = %s, want turn/started", notes[0].Method)
	}
	var phases []string
	for _, note := range notes {
		if note.Method != NotifyTurnToolCall {
			continue
		}
		var params toolCallParams
		if err := json.Unmarshal(note.Params, &params); err != nil {
			t.Fatal(err)
		}
		phases = append(phases, params.Phase)
		if params.Phase == "completed" && (params.Status != "completed" || params.Output != `{"text":"hi"}`) {
			t.Errorf("completed tool call = %+v", params)
		}
	}
	if fmt.Sprint(phases) != "[started completed]" {
		t.Errorf("tool call phases = %v", phases)
	}
	var completed terminalParams
	if err := json.Unmarshal(notes[len(notes)-1].Params, &completed); err != nil {
		t.Fatal(err)
	}
	if completed.TurnID != "t1" || completed.Final != "done" || completed.Usage.Total.Value() != 105 {
		t.Errorf("turn/completed = %+v", completed)
	}

	var detail threadGetResult
	c.callOK("thread/get", map[string]any{"threadId": threadID}, &detail)
	if len(detail.Messages) != 4 || detail.Title != "echo hi" || detail.Workspace != "/w" {
		t.Errorf("thread/get = %+v", detail)
	}
	var listing []threadSummary
	c.callOK("thread/list", nil, &listing)
	if len(listing) != 1 || listing[0].ThreadID != threadID || listing[0].MessageCount != 4 {
		t.Errorf("thread/list = %+v", listing)
	}
}

func TestConflictAndCancel(t *testing.T) {
	t.Parallel()

	provider := &stallProvider{started: make(chan struct{})}
	f := newFixture(t, provider, codec.FormatJSON)
	c := f.dial(t)
	threadID := startThread(c)

	c.callOK("turn/start", map[string]any{"threadId": threadID, "turnId": "t1", "message": "wait"}, nil)
	testutil.RequireClosed(t, provider.started, 5*time.Second, "provider call")

	if body := c.callErr("turn/start", map[string]any{"threadId": threadID, "turnId": "t2", "message": "again"}); body.Kind != string(engine.KindStoreWriteConflict) {
		t.Errorf("second turn/start kind = %s, want store_write_conflict", body.Kind)
	}

	c.callOK("turn/cancel", map[string]any{"threadId": threadID, "turnId": "t1"}, nil)
	notes := c.until(NotifyTurnCancelled)
	for _, note := range notes {
		if note.Method == NotifyTurnCompleted || note.Method == NotifyTurnError {
			t.Errorf("unexpected %s before turn/cancelled", note.Method)
		}
	}

	c.callOK("thread/list", nil, nil)
	if len(c.queue) != 0 {
		t.Errorf("notifications after turn/cancelled: %v", methods(c.queue))
	}
	if body := c.callErr("turn/cancel", map[string]any{"threadId": threadID, "turnId": "t1"}); body.Kind != string(engine.KindNotFound) {
		t.Errorf("cancel of a finished turn kind = %s, want not_found", body.Kind)
	}

	turns, err := f.store.TurnUsages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("TurnUsages: %v", err)
	}
	if len(turns) != 1 || turns[0].State != store.TurnCancelled {
		t.Errorf("turns = %+v", turns)
	}
}

func TestSessionSelectionIsPerConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &scriptProvider{script: [][]llm.StreamEvent{textReply("ok")}}, codec.FormatJSON)
	first := f.dial(t)
	second := f.dial(t)

	var selected sessionResult
	first.callOK("agent/set", map[string]any{"agent": "reviewer"}, &selected)
	if selected.Agent != "reviewer" {
		t.Errorf("agent/set = %+v", selected)
	}
	first.callOK("model/set", map[string]any{"model": "other-model"}, &selected)
	if selected.Provider != "local" || selected.Model != "other-model" || selected.Agent != "reviewer" {
		t.Errorf("model/set = %+v", selected)
	}

	var agents agentListResult
	second.callOK("agent/list", nil, &agents)
	if agents.Selected != agentdef.DefaultAgent || len(agents.Agents) != 2 {
		t.Errorf("agent/list on the other connection = %+v", agents)
	}
	var models modelListResult
	second.callOK("model/list", nil, &models)
	if models.Selected.Model != "test-model" || len(models.Models) != 2 {
		t.Errorf("model/list on the other connection = %+v", models)
	}
	if models.Models[1].ContextLength != 32_000 {
		t.Errorf("other-model context = %d", models.Models[1].ContextLength)
	}

	if body := first.callErr("model/set", map[string]any{"model": "nope"}); body.Kind != string(engine.KindNotFound) {
		t.Errorf("unknown model kind = %s", body.Kind)
	}
	if body := first.callErr("agent/set", map[string]any{"agent": "ghost"}); body.Kind != string(engine.KindNotFound) {
		t.Errorf("unknown agent kind = %s", body.Kind)
	}
	if body := first.callErr("model/list", map[string]any{"provider": "elsewhere"}); body.Kind != string(engine.KindNotFound) {
		t.Errorf("unknown provider kind = %s", body.Kind)
	}

	threadID := startThread(first)
	var ack turnStartResult
	first.callOK("turn/start", map[string]any{"threadId": threadID, "message": "look"}, &ack)
	if ack.Agent != "reviewer" || ack.Model != "other-model" || ack.TurnID == "" {
		t.Errorf("ack = %+v", ack)
	}
	first.until(NotifyTurnCompleted)
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &scriptProvider{script: [][]llm.StreamEvent{textReply("ok")}}, codec.FormatJSON)
	c := f.dial(t)

	c.sendLine(`{not json`)
	if msg := c.read(); msg.Error == nil || msg.Error.Kind != KindInvalidRequest || string(msg.ID) != "null" {
		t.Errorf("malformed request answered with %+v", msg)
	}

	if body := c.callErr("bogus/method", nil); body.Kind != KindMethodNotFound {
		t.Errorf("unknown method kind = %s", body.Kind)
	}
	body := c.callErr("turn/start", map[string]any{})
	if body.Kind != KindInvalidRequest || !strings.Contains(body.Message, "threadId") {
		t.Errorf("missing params = %+v", body)
	}
	if body := c.callErr("thread/get", map[string]any{"threadId": "absent"}); body.Kind != string(engine.KindNotFound) {
		t.Errorf("unknown thread kind = %s", body.Kind)
	}
	if body := c.callErr("turn/start", `not an object`); body.Kind != KindInvalidRequest {
		t.Errorf("params of the wrong type kind = %s", body.Kind)
	}

	// A request without an id is served silently.
	c.send(`{"method":"thread/start","params":{"title":"quiet"}}`)
	var listing []threadSummary
	c.callOK("thread/list", nil, &listing)
	if len(listing) != 1 || listing[0].Title != "quiet" {
		t.Errorf("thread/list = %+v", listing)
	}

	c.callOK("thread/delete", map[string]any{"threadId": listing[0].ThreadID}, nil)
	c.callOK("thread/list", nil, &listing)
	if len(listing) != 0 {
		t.Errorf("thread/list after delete = %+v", listing)
	}
}

func TestCBORFraming(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &scriptProvider{script: [][]llm.StreamEvent{textReply("over cbor")}}, codec.FormatCBOR)
	c := f.dial(t)

	var info serverInfoResult
	c.callOK("server/info", nil, &info)
	if info.Framing != "cbor" {
		t.Errorf("Framing = %q, want cbor", info.Framing)
	}
	threadID := startThread(c)
	c.callOK("turn/start", map[string]any{"threadId": threadID, "message": "hi"}, nil)
	notes := c.until(NotifyTurnCompleted)

	var completed terminalParams
	if err := json.Unmarshal(notes[len(notes)-1].Params, &completed); err != nil {
		t.Fatal(err)
	}
	if completed.Final != "over cbor" || completed.Usage.Total.IsApprox() {
		t.Errorf("turn/completed = %+v", completed)
	}
}

func TestDisconnectCancelsTurns(t *testing.T) {
	t.Parallel()

	provider := &stallProvider{started: make(chan struct{})}
	f := newFixture(t, provider, codec.FormatJSON)
	c := f.dial(t)
	threadID := startThread(c)
	c.callOK("turn/start", map[string]any{"threadId": threadID, "turnId": "t1", "message": "wait"}, nil)
	testutil.RequireClosed(t, provider.started, 5*time.Second, "provider call")

	c.conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.manager.Wait(ctx, "t1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	turns, err := f.store.TurnUsages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("TurnUsages: %v", err)
	}
	if len(turns) != 1 || turns[0].State != store.TurnCancelled {
		t.Errorf("turns = %+v, want one cancelled turn", turns)
	}
}

func TestServeSocketDrainsTurnsOnShutdown(t *testing.T) {
	t.Parallel()

	provider := &stallProvider{started: make(chan struct{})}
	f := newFixture(t, provider, codec.FormatJSON)
	socketPath := filepath.Join(testutil.SocketDir(t), "codeloop.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- f.server.Serve(ctx, socketPath) }()

	conn := testutil.DialSocket(t, socketPath, 5*time.Second)
	c := newClient(t, conn, codec.FormatJSON)

	threadID := startThread(c)
	c.callOK("turn/start", map[string]any{"threadId": threadID, "turnId": "t1", "message": "wait"}, nil)
	testutil.RequireClosed(t, provider.started, 5*time.Second, "provider call")

	cancel()
	c.until(NotifyTurnCancelled)
	if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve returning"); err != nil {
		t.Errorf("Serve: %v", err)
	}
}

func TestTurnRunsWhileCallerIsNotReading(t *testing.T) {
	t.Parallel()

	provider := &stallProvider{started: make(chan struct{})}
	f := newFixture(t, provider, codec.FormatJSON)
	c := f.dial(t)
	threadID := startThread(c)

	// Nothing is read until the provider has been reached: the ack and
	// the turn's first notifications wait in the connection's queue.
	c.send(`{"id":"late","method":"turn/start","params":{"threadId":"` + threadID + `","turnId":"t1","message":"wait"}}`)
	testutil.RequireClosed(t, provider.started, 5*time.Second, "provider call while the caller is not reading")

	if ack := c.read(); string(ack.ID) != `"late"` || ack.Error != nil {
		t.Fatalf("first frame = %+v, want the turn/start response", ack)
	}
	c.callOK("turn/cancel", map[string]any{"threadId": threadID, "turnId": "t1"}, nil)
	notes := c.until(NotifyTurnCancelled)
	if notes[0].Method != NotifyTurnStarted {
		t.Errorf("first notification = %s, want turn/started", notes[0].Method)
	}
}

// limitedWriter accepts a fixed number of writes, then fails every
// write as a caller that stopped reading would.
type limitedWriter struct {
	mu        sync.Mutex
	remaining int
	frames    chan []byte
}

func (writer *limitedWriter) Write(data []byte) (int, error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.remaining == 0 {
		return 0, errors.New("write timed out")
	}
	writer.remaining--
	writer.frames <- bytes.Clone(data)
	return len(data), nil
}

func TestWriteFailureCancelsTurns(t *testing.T) {
	t.Parallel()

	provider := &stallProvider{started: make(chan struct{})}
	f := newFixture(t, provider, codec.FormatJSON)

	requests, requestWriter := io.Pipe()
	output := &limitedWriter{remaining: 2, frames: make(chan []byte, 2)}
	served := make(chan error, 1)
	go func() { served <- f.server.ServeConn(context.Background(), requests, output) }()
	t.Cleanup(func() {
		requestWriter.Close()
		testutil.RequireReceive(t, served, 5*time.Second, "ServeConn returning")
	})

	if _, err := requestWriter.Write([]byte(`{"id":1,"method":"thread/start","params":{}}` + "\n")); err != nil {
		t.Fatal(err)
	}
	var response struct {
		Result threadStartResult `json:"result"`
	}
	if err := json.Unmarshal(testutil.RequireReceive(t, output.frames, 5*time.Second, "thread/start response"), &response); err != nil {
		t.Fatal(err)
	}
	threadID := response.Result.ThreadID

	request := `{"id":2,"method":"turn/start","params":{"threadId":"` + threadID + `","turnId":"t1","message":"wait"}}` + "\n"
	if _, err := requestWriter.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, output.frames, 5*time.Second, "turn/start response")

	// The turn's notifications cannot be written, so the turn is
	// cancelled rather than left running for nobody.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.manager.Wait(ctx, "t1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
