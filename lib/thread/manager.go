// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/clock"
	"github.com/bureau-foundation/codeloop/lib/engine"
	"github.com/bureau-foundation/codeloop/lib/llm"
	llmcontext "github.com/bureau-foundation/codeloop/lib/llm/context"
	"github.com/bureau-foundation/codeloop/lib/store"
)

var (
	// ErrTurnNotActive is returned for a turn id with no running turn.
	ErrTurnNotActive = errors.New("turn not active")

	// ErrDuplicateTurn is returned when a turn id is already running
	// or was already recorded on the thread.
	ErrDuplicateTurn = errors.New("turn id already in use")

	// ErrEmptyMessage is returned for a turn with neither text nor
	// files.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("thread manager is shutting down")
)

// titleLength is the number of runes of the first user message kept as
// an automatic thread title.
const titleLength = 60

// Compaction strategies.
const (
	StrategyTruncate  = "truncate"
	StrategySummarize = "summarize"
)

// summaryMaxTokens bounds the output of a summarization call.
const summaryMaxTokens = 2048

// Models resolves model descriptors and builds provider adapters.
// [*catalog.Catalog] implements it.
type Models interface {
	Resolve(ctx context.Context, providerID, modelID string) (catalog.Model, error)
	Build(providerID string) (llm.Provider, error)
}

// CompactionPolicy selects how histories are fit to a model's window.
type CompactionPolicy struct {
	// Strategy is StrategyTruncate or StrategySummarize. Empty means
	// truncate.
	Strategy string

	// ProtectedGroups is the number of leading turn groups never
	// evicted.
	ProtectedGroups int

	// SummaryModel summarizes evicted history. Empty means the turn's
	// own model.
	SummaryModel string
}

// Session is a caller's current selection. It is owned by the caller
// (one per protocol connection) and passed into every turn; the
// manager keeps no selection of its own.
type Session struct {
	Provider string
	Model    string
	Agent    string
}

// Config holds the manager's collaborators.
type Config struct {
	Store      *store.Store
	Engine     *engine.Engine
	Models     Models
	Agents     *agentdef.Registry
	Compaction CompactionPolicy

	// Workspace is used for threads started without one.
	Workspace string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the threads and their running turns. At most one turn
// runs per thread; the store lease held for the turn's lifetime
// enforces it.
type Manager struct {
	store      *store.Store
	engine     *engine.Engine
	models     Models
	agents     *agentdef.Registry
	compaction CompactionPolicy
	workspace  string
	clock      clock.Clock
	logger     *slog.Logger

	// ctx parents every turn so Shutdown can cancel them all.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	active  map[string]*PendingTurn
	closed  bool
	running sync.WaitGroup
}

// NewManager returns a manager for config.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Compaction.Strategy == "" {
		config.Compaction.Strategy = StrategyTruncate
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		store:      config.Store,
		engine:     config.Engine,
		models:     config.Models,
		agents:     config.Agents,
		compaction: config.Compaction,
		workspace:  config.Workspace,
		clock:      config.Clock,
		logger:     config.Logger,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]*PendingTurn),
	}
}

// Options configures a new thread.
type Options struct {
	Workspace string
	Title     string
}

// StartThread creates an empty thread and returns its id.
func (manager *Manager) StartThread(ctx context.Context, options Options) (string, error) {
	workspace := options.Workspace
	if workspace == "" {
		workspace = manager.workspace
	}
	threadID := uuid.NewString()
	if err := manager.store.Create(ctx, store.Thread{
		ID:        threadID,
		Title:     options.Title,
		Workspace: workspace,
	}); err != nil {
		return "", fmt.Errorf("thread: starting thread: %w", err)
	}
	manager.logger.Info("thread started", "thread_id", threadID, "workspace", workspace)
	return threadID, nil
}

// ListThreads returns every thread, most recently updated first.
func (manager *Manager) ListThreads(ctx context.Context) ([]store.Summary, error) {
	return manager.store.List(ctx)
}

// GetThread returns a thread with its committed history.
func (manager *Manager) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	return manager.store.Load(ctx, threadID)
}

// DeleteThread removes a thread. It fails with
// [store.ErrWriteConflict] while a turn runs on it.
func (manager *Manager) DeleteThread(ctx context.Context, threadID string) error {
	return manager.store.Delete(ctx, threadID)
}

// TurnRequest asks for a turn on a thread.
type TurnRequest struct {
	ThreadID string

	// TurnID is chosen by the caller so it can cancel before the
	// turn's ack arrives. Empty means generate one.
	TurnID string

	Message string
	Files   []string

	Session Session

	// Sink receives the turn's events, ending with exactly one
	// terminal event.
	Sink engine.Sink
}

// StartTurn prepares a turn: it takes the thread's write lease,
// resolves the session's agent and model, and loads the history. The
// turn does not run until [PendingTurn.Start]; a caller that cannot
// go ahead must call [PendingTurn.Abort] to release the lease.
//
// A thread that already has a running turn is rejected with
// [store.ErrWriteConflict].
func (manager *Manager) StartTurn(ctx context.Context, request TurnRequest) (*PendingTurn, error) {
	if strings.TrimSpace(request.Message) == "" && len(request.Files) == 0 {
		return nil, fmt.Errorf("thread: %w", ErrEmptyMessage)
	}
	turnID := request.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	manager.mu.Lock()
	if manager.closed {
		manager.mu.Unlock()
		return nil, fmt.Errorf("thread: %w", ErrShuttingDown)
	}
	if _, exists := manager.active[turnID]; exists {
		manager.mu.Unlock()
		return nil, fmt.Errorf("thread: %w: %s", ErrDuplicateTurn, turnID)
	}
	manager.mu.Unlock()

	lease, err := manager.store.Lock(request.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("thread: starting turn on %s: %w", request.ThreadID, err)
	}
	pending, err := manager.prepare(ctx, lease, turnID, request)
	if err != nil {
		lease.Release()
		return nil, err
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		lease.Release()
		return nil, fmt.Errorf("thread: %w", ErrShuttingDown)
	}
	if _, exists := manager.active[turnID]; exists {
		lease.Release()
		return nil, fmt.Errorf("thread: %w: %s", ErrDuplicateTurn, turnID)
	}
	manager.active[turnID] = pending
	manager.running.Add(1)
	return pending, nil
}

func (manager *Manager) prepare(ctx context.Context, lease *store.Lease, turnID string, request TurnRequest) (*PendingTurn, error) {
	thread, err := manager.store.Load(ctx, request.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("thread: loading %s: %w", request.ThreadID, err)
	}
	recorded, err := manager.store.TurnRecorded(ctx, lease, turnID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	if recorded {
		return nil, fmt.Errorf("thread: %w: %s", ErrDuplicateTurn, turnID)
	}

	agentID := request.Session.Agent
	if agentID == "" {
		agentID = agentdef.DefaultAgent
	}
	agent, err := manager.agents.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	providerID, modelID := request.Session.Provider, request.Session.Model
	if agent.Provider != "" {
		providerID, modelID = agent.Provider, agent.Model
	}
	if providerID == "" || modelID == "" {
		return nil, fmt.Errorf("thread: no model selected for agent %s", agent.ID)
	}
	model, err := manager.models.Resolve(ctx, providerID, modelID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	provider, err := manager.models.Build(providerID)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	system, err := agent.Render(agentdef.NewPromptData(thread.Workspace, model.ID, agent.ID, manager.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}

	if thread.Title == "" {
		if title := autoTitle(request.Message); title != "" {
			if err := manager.store.SetTitle(ctx, lease, title); err != nil {
				return nil, fmt.Errorf("thread: %w", err)
			}
		}
	}

	input := llm.UserMessage(request.Message)
	input.Files = request.Files
	sink := request.Sink
	if sink == nil {
		sink = engine.SinkFunc(func(engine.Event) {})
	}

	turnCtx, cancel := context.WithCancelCause(manager.ctx)
	pending := &PendingTurn{
		ID:       turnID,
		ThreadID: request.ThreadID,
		manager:  manager,
		lease:    lease,
		ctx:      turnCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		turn: engine.Turn{
			ThreadID:  request.ThreadID,
			TurnID:    turnID,
			History:   thread.Messages,
			Input:     input,
			Agent:     agent,
			System:    system,
			Model:     model,
			Provider:  provider,
			Compactor: manager.compactor(provider, model),
			Sink:      sink,
			Committer: &committer{store: manager.store, lease: lease, turnID: turnID},
		},
	}
	return pending, nil
}

func (manager *Manager) compactor(provider llm.Provider, model catalog.Model) llmcontext.Compactor {
	estimator := manager.engine.TokenEstimator()
	if manager.compaction.Strategy != StrategySummarize {
		return llmcontext.NewTruncating(estimator, manager.compaction.ProtectedGroups)
	}
	summaryModel := manager.compaction.SummaryModel
	if summaryModel == "" {
		summaryModel = model.ID
	}
	return llmcontext.NewSummarizing(estimator, &llmcontext.ProviderSummarizer{
		Provider:  provider,
		Model:     summaryModel,
		MaxTokens: summaryMaxTokens,
	}, manager.compaction.ProtectedGroups, manager.logger)
}

// CancelTurn cancels the running turn turnID on threadID. The turn
// still ends with its own terminal event.
func (manager *Manager) CancelTurn(threadID, turnID string) error {
	manager.mu.Lock()
	pending, ok := manager.active[turnID]
	manager.mu.Unlock()
	if !ok || pending.ThreadID != threadID {
		return fmt.Errorf("thread: %w: %s", ErrTurnNotActive, turnID)
	}
	pending.cancel(errCancelRequested)
	manager.logger.Info("turn cancel requested", "thread_id", threadID, "turn_id", turnID)
	return nil
}

var errCancelRequested = errors.New("cancel requested")

// Wait blocks until turnID is no longer running or ctx ends. A turn
// that is not running returns immediately.
func (manager *Manager) Wait(ctx context.Context, turnID string) error {
	manager.mu.Lock()
	pending, ok := manager.active[turnID]
	manager.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-pending.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new turns, cancels the running ones, and waits for
// them to reach a terminal state or for ctx to end.
func (manager *Manager) Shutdown(ctx context.Context) error {
	manager.mu.Lock()
	manager.closed = true
	pending := make([]*PendingTurn, 0, len(manager.active))
	for _, turn := range manager.active {
		pending = append(pending, turn)
	}
	manager.mu.Unlock()

	// Prepared turns that were never started would hold the WaitGroup
	// forever.
	for _, turn := range pending {
		turn.Abort()
	}
	manager.cancel(ErrShuttingDown)

	finished := make(chan struct{})
	go func() {
		manager.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		manager.logger.Info("thread manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("thread: waiting for turns: %w", ctx.Err())
	}
}

func (manager *Manager) finish(turn *PendingTurn) {
	manager.mu.Lock()
	if manager.active[turn.ID] == turn {
		delete(manager.active, turn.ID)
	}
	manager.mu.Unlock()
	manager.running.Done()
}

// autoTitle is the first line of message, whitespace-collapsed and cut
// to titleLength runes.
func autoTitle(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	title := strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
	if utf8.RuneCountInString(title) <= titleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimRightFunc(string(runes[:titleLength]), unicode.IsSpace)
}
