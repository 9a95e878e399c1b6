// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/codeloop/lib/clock"
	"github.com/bureau-foundation/codeloop/lib/testutil"
)

// eventLog records tool start/end markers in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (log *eventLog) add(event string) {
	log.mu.Lock()
	defer log.mu.Unlock()
	log.events = append(log.events, event)
}

func (log *eventLog) snapshot() []string {
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]string(nil), log.events...)
}

// loggingTool records start and end and sleeps briefly so overlapping
// calls actually overlap.
func loggingTool(name string, effect SideEffect, log *eventLog) Tool {
	return Func{
		Def: Definition{Name: name, SideEffect: effect},
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var arguments struct{ Tag string }
			json.Unmarshal(input, &arguments)
			log.add("start " + arguments.Tag)
			time.Sleep(20 * time.Millisecond)
			log.add("end " + arguments.Tag)
			return "ok " + arguments.Tag, nil
		},
	}
}

func tagged(id, name string) Call {
	return Call{ID: id, Name: name, Input: json.RawMessage(fmt.Sprintf(`{"Tag":%q}`, id))}
}

func newTestExecutor(t *testing.T, tools ...Tool) *Executor {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(tools...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return NewExecutor(ExecutorConfig{Registry: registry, MaxConcurrency: 8})
}

// collect drains a batch and returns the terminal results keyed by
// call ID along with the order call IDs started running.
func collect(t *testing.T, results <-chan Result) (map[string]Result, []string) {
	t.Helper()
	terminal := make(map[string]Result)
	var started []string
	for {
		select {
		case result, ok := <-results:
			if !ok {
				return terminal, started
			}
			if !result.Terminal() {
				started = append(started, result.CallID)
				continue
			}
			if _, dup := terminal[result.CallID]; dup {
				t.Errorf("second terminal result for %s", result.CallID)
			}
			terminal[result.CallID] = result
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining results")
		}
	}
}

func TestExecuteBatchParallelReadOnly(t *testing.T) {
	t.Parallel()

	// Each call waits until both have started, so the batch can only
	// finish if the two run concurrently.
	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := Func{
		Def: Definition{Name: "read_file", SideEffect: ReadOnly},
		Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			arrived.Done()
			waited := make(chan struct{})
			go func() { arrived.Wait(); close(waited) }()
			select {
			case <-waited:
				return "read", nil
			case <-time.After(5 * time.Second):
				return "", errors.New("calls did not overlap")
			}
		},
	}
	executor := newTestExecutor(t, barrier)

	calls := []Call{{ID: "a", Name: "read_file"}, {ID: "b", Name: "read_file"}}
	results, _ := collect(t, executor.ExecuteBatch(context.Background(), calls, Options{Parallel: true}))
	for _, id := range []string{"a", "b"} {
		if results[id].Status != StatusCompleted {
			t.Errorf("result %s = %+v, want completed", id, results[id])
		}
	}
}

func TestExecuteBatchSequential(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	executor := newTestExecutor(t, loggingTool("read_file", ReadOnly, log))

	calls := []Call{tagged("a", "read_file"), tagged("b", "read_file"), tagged("c", "read_file")}
	results, started := collect(t, executor.ExecuteBatch(context.Background(), calls, Options{}))

	want := []string{"start a", "end a", "start b", "end b", "start c", "end c"}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(started, []string{"a", "b", "c"}) {
		t.Errorf("started = %v, want emission order", started)
	}
	if results["b"].Output != "ok b" {
		t.Errorf("output b = %q, want %q", results["b"].Output, "ok b")
	}
}

func TestExecuteBatchMutatingCallIsBarrier(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	executor := newTestExecutor(t,
		loggingTool("read_file", ReadOnly, log),
		loggingTool("write_file", Mutating, log),
	)
	calls := []Call{
		tagged("r1", "read_file"),
		tagged("r2", "read_file"),
		tagged("w", "write_file"),
		tagged("r3", "read_file"),
	}
	collect(t, executor.ExecuteBatch(context.Background(), calls, Options{Parallel: true}))

	events := log.snapshot()
	position := func(event string) int {
		for i, candidate := range events {
			if candidate == event {
				return i
			}
		}
		t.Fatalf("event %q missing from %v", event, events)
		return -1
	}
	if position("start w") < position("end r1") || position("start w") < position("end r2") {
		t.Errorf("write started before earlier reads finished: %v", events)
	}
	if position("start r3") < position("end w") {
		t.Errorf("read after write started before the write finished: %v", events)
	}
}

func TestExecuteBatchConcurrencyCap(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	counting := Func{
		Def: Definition{Name: "search", SideEffect: ReadOnly},
		Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			current := running.Add(1)
			for {
				previous := peak.Load()
				if current <= previous || peak.CompareAndSwap(previous, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return "", nil
		},
	}
	registry := NewRegistry()
	if err := registry.Register(counting); err != nil {
		t.Fatalf("Register: %v", err)
	}
	executor := NewExecutor(ExecutorConfig{Registry: registry, MaxConcurrency: 2})

	var calls []Call
	for i := range 6 {
		calls = append(calls, Call{ID: fmt.Sprint(i), Name: "search"})
	}
	results, _ := collect(t, executor.ExecuteBatch(context.Background(), calls, Options{Parallel: true}))
	if len(results) != 6 {
		t.Fatalf("got %d results, want 6", len(results))
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestExecuteFailures(t *testing.T) {
	t.Parallel()

	failing := Func{
		Def: Definition{Name: "shell", SideEffect: Mutating},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			return "partial output", errors.New("exit status 2")
		},
	}
	typed := Func{
		Def: Definition{Name: "typed", SideEffect: ReadOnly},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			return "", &Error{Kind: KindNotPermitted, Message: "path escapes workspace"}
		},
	}
	panicking := Func{
		Def: Definition{Name: "explode", SideEffect: ReadOnly},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			panic("boom")
		},
	}
	executor := newTestExecutor(t, failing, typed, panicking)
	onlyShell := Options{Allowed: func(name string) bool { return name != "typed" }}

	tests := []struct {
		name        string
		call        Call
		options     Options
		wantKind    ErrorKind
		wantContent string
	}{
		{"tool error", Call{ID: "1", Name: "shell"}, Options{}, KindExecution, "partial output\nexit status 2"},
		{"typed error", Call{ID: "2", Name: "typed"}, Options{}, KindNotPermitted, "path escapes workspace"},
		{"panic", Call{ID: "3", Name: "explode"}, Options{}, KindExecution, "tool panicked: boom"},
		{"unknown tool", Call{ID: "4", Name: "missing"}, Options{}, KindExecution, `unknown tool "missing"`},
		{"not permitted", Call{ID: "5", Name: "typed"}, onlyShell, KindNotPermitted, `tool "typed" is not permitted`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			result := executor.Execute(context.Background(), test.call, test.options)
			if result.Status != StatusFailed || result.Error == nil {
				t.Fatalf("result = %+v, want failed", result)
			}
			if result.Error.Kind != test.wantKind {
				t.Errorf("Kind = %q, want %q", result.Error.Kind, test.wantKind)
			}
			if !strings.Contains(result.Content(), test.wantContent) {
				t.Errorf("Content = %q, want it to contain %q", result.Content(), test.wantContent)
			}
			message := result.Message()
			if toolResult := message.ToolResult(); toolResult == nil || !toolResult.IsError || toolResult.ToolUseID != test.call.ID {
				t.Errorf("Message = %+v, want an error result for %s", message, test.call.ID)
			}
		})
	}
}

func TestExecuteBatchRejectedCallsNeverStart(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	executor := newTestExecutor(t, loggingTool("write_file", Mutating, log))
	options := Options{Allowed: func(string) bool { return false }}

	results, started := collect(t, executor.ExecuteBatch(context.Background(), []Call{tagged("w", "write_file")}, options))
	if len(started) != 0 || len(log.snapshot()) != 0 {
		t.Errorf("rejected call ran: started=%v events=%v", started, log.snapshot())
	}
	if results["w"].Error == nil || results["w"].Error.Kind != KindNotPermitted {
		t.Errorf("result = %+v, want not permitted", results["w"])
	}
}

func TestExecuteCancellationCooperative(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	cooperative := Func{
		Def: Definition{Name: "shell", SideEffect: Mutating},
		Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			close(entered)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	executor := newTestExecutor(t, cooperative)

	ctx, cancel := context.WithCancel(context.Background())
	results := executor.ExecuteBatch(ctx, []Call{{ID: "1", Name: "shell"}, {ID: "2", Name: "shell"}}, Options{})
	testutil.RequireClosed(t, entered, 5*time.Second, "tool entered")
	cancel()

	terminal, started := collect(t, results)
	if !reflect.DeepEqual(started, []string{"1"}) {
		t.Errorf("started = %v, want only the first call", started)
	}
	for _, id := range []string{"1", "2"} {
		result := terminal[id]
		if result.Error == nil || result.Error.Kind != KindCancelled {
			t.Errorf("result %s = %+v, want cancelled", id, result)
		}
		if result.Abandoned {
			t.Errorf("result %s abandoned, want a clean stop", id)
		}
	}
}

func TestExecuteAbandonsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{})
	stubborn := Func{
		Def: Definition{Name: "shell", SideEffect: Mutating},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			close(entered)
			<-release
			return "too late", nil
		},
	}
	registry := NewRegistry()
	if err := registry.Register(stubborn); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	executor := NewExecutor(ExecutorConfig{Registry: registry, GracePeriod: time.Second, Clock: fake})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- executor.Execute(ctx, Call{ID: "1", Name: "shell"}, Options{}) }()

	testutil.RequireClosed(t, entered, 5*time.Second, "tool entered")
	cancel()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	result := testutil.RequireReceive(t, done, 5*time.Second, "abandoned result")
	if !result.Abandoned || result.Status != StatusFailed {
		t.Fatalf("result = %+v, want abandoned failure", result)
	}
	if result.Error.Kind != KindCancelled || result.Content() != "cancelled" {
		t.Errorf("error = %+v, want cancelled", result.Error)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	read := Func{Def: Definition{Name: "read_file", SideEffect: ReadOnly}}
	write := Func{Def: Definition{Name: "write_file", SideEffect: Mutating}}
	if err := registry.Register(write, read); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		tool Tool
	}{
		{"duplicate", read},
		{"invalid name", Func{Def: Definition{Name: "has space", SideEffect: ReadOnly}}},
		{"missing side effect", Func{Def: Definition{Name: "vague"}}},
	}
	for _, test := range tests {
		if err := registry.Register(test.tool); err == nil {
			t.Errorf("%s: Register succeeded, want error", test.name)
		}
	}
	if err := registry.Register(Func{Def: Definition{Name: "twin", SideEffect: ReadOnly}}, Func{Def: Definition{Name: "twin", SideEffect: ReadOnly}}); err == nil {
		t.Error("duplicate within one call accepted")
	}
	if _, ok := registry.Lookup("twin"); ok {
		t.Error("failed Register left a partial registration")
	}

	if got := registry.Names(); !reflect.DeepEqual(got, []string{"read_file", "write_file"}) {
		t.Errorf("Names = %v", got)
	}
	definitions := registry.Definitions(func(name string) bool { return name == "write_file" })
	if len(definitions) != 1 || definitions[0].Name != "write_file" {
		t.Errorf("Definitions = %+v", definitions)
	}
	if schema := string(definitions[0].LLM().InputSchema); schema != `{"type":"object"}` {
		t.Errorf("default schema = %s", schema)
	}
}
