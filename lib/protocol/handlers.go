// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/llm"
	"github.com/bureau-foundation/codeloop/lib/store"
	"github.com/bureau-foundation/codeloop/lib/thread"
	"github.com/bureau-foundation/codeloop/lib/usage"
	"github.com/bureau-foundation/codeloop/lib/version"
)

func (s *Server) registerMethods() {
	s.handle("server/info", s.serverInfo)
	s.handle("thread/start", s.threadStart)
	s.handle("thread/list", s.threadList)
	s.handle("thread/get", s.threadGet)
	s.handle("thread/delete", s.threadDelete)
	s.handle("turn/start", s.turnStart)
	s.handle("turn/cancel", s.turnCancel)
	s.handle("model/list", s.modelList)
	s.handle("model/set", s.modelSet)
	s.handle("agent/list", s.agentList)
	s.handle("agent/set", s.agentSet)
}

type serverInfoResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Framing string `json:"framing"`
}

func (s *Server) serverInfo(context.Context, *Conn, json.RawMessage) (any, error) {
	return serverInfoResult{
		Name:    "codeloop",
		Version: version.Info(),
		Framing: string(s.config.Framing),
	}, nil
}

// --- threads ---

type threadStartParams struct {
	Workspace string `json:"workspace,omitempty"`
	Title     string `json:"title,omitempty"`
}

type threadStartResult struct {
	ThreadID string `json:"threadId"`
}

func (s *Server) threadStart(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params threadStartParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	threadID, err := s.config.Manager.StartThread(ctx, thread.Options{
		Workspace: params.Workspace,
		Title:     params.Title,
	})
	if err != nil {
		return nil, err
	}
	return threadStartResult{ThreadID: threadID}, nil
}

type threadParams struct {
	ThreadID string `json:"threadId"`
}

func (params threadParams) Validate() error {
	return validation.ValidateStruct(&params,
		validation.Field(&params.ThreadID, validation.Required),
	)
}

type threadSummary struct {
	ThreadID     string      `json:"threadId"`
	Title        string      `json:"title,omitempty"`
	Workspace    string      `json:"workspace"`
	MessageCount int         `json:"messageCount"`
	Usage        usage.Usage `json:"usage"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func summarize(summary store.Summary) threadSummary {
	return threadSummary{
		ThreadID:     summary.ID,
		Title:        summary.Title,
		Workspace:    summary.Workspace,
		MessageCount: summary.MessageCount,
		Usage:        summary.Usage,
		CreatedAt:    summary.CreatedAt.UTC(),
		UpdatedAt:    summary.UpdatedAt.UTC(),
	}
}

func (s *Server) threadList(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	summaries, err := s.config.Manager.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]threadSummary, 0, len(summaries))
	for _, summary := range summaries {
		result = append(result, summarize(summary))
	}
	return result, nil
}

type threadGetResult struct {
	threadSummary
	Messages []llm.Message `json:"messages"`
}

func (s *Server) threadGet(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params threadParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	loaded, err := s.config.Manager.GetThread(ctx, params.ThreadID)
	if err != nil {
		return nil, err
	}
	messages := loaded.Messages
	if messages == nil {
		messages = []llm.Message{}
	}
	return threadGetResult{
		threadSummary: summarize(store.Summary{
			ID:           loaded.ID,
			Title:        loaded.Title,
			Workspace:    loaded.Workspace,
			MessageCount: len(loaded.Messages),
			Usage:        loaded.Usage,
			CreatedAt:    loaded.CreatedAt,
			UpdatedAt:    loaded.UpdatedAt,
		}),
		Messages: messages,
	}, nil
}

func (s *Server) threadDelete(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params threadParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return nil, s.config.Manager.DeleteThread(ctx, params.ThreadID)
}

// --- turns ---

type turnStartParams struct {
	ThreadID string   `json:"threadId"`
	TurnID   string   `json:"turnId,omitempty"`
	Message  string   `json:"message"`
	Files    []string `json:"files,omitempty"`
}

func (params turnStartParams) Validate() error {
	return validation.ValidateStruct(&params,
		validation.Field(&params.ThreadID, validation.Required),
		validation.Field(&params.Message, validation.When(len(params.Files) == 0, validation.Required)),
		validation.Field(&params.Files, validation.Each(validation.Required)),
	)
}

type turnStartResult struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Model    string `json:"model"`
	Agent    string `json:"agent"`
}

func (s *Server) turnStart(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var params turnStartParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	pending, err := s.config.Manager.StartTurn(ctx, thread.TurnRequest{
		ThreadID: params.ThreadID,
		TurnID:   params.TurnID,
		Message:  params.Message,
		Files:    params.Files,
		Session:  conn.Session(),
		Sink:     &turnSink{conn: conn},
	})
	if err != nil {
		return nil, err
	}
	conn.addTurn(pending.ID, pending.ThreadID)
	return deferred{
		result: turnStartResult{
			ThreadID: pending.ThreadID,
			TurnID:   pending.ID,
			Model:    pending.Model(),
			Agent:    pending.Agent(),
		},
		then: func() {
			if pending.Start() {
				return
			}
			// Aborted by shutdown between the ack and the start.
			conn.removeTurn(pending.ID)
			conn.notify(NotifyTurnCancelled, terminalParams{
				turnRef: turnRef{ThreadID: pending.ThreadID, TurnID: pending.ID},
			})
		},
		abort: func() {
			conn.removeTurn(pending.ID)
			pending.Abort()
		},
	}, nil
}

type turnCancelParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

func (params turnCancelParams) Validate() error {
	return validation.ValidateStruct(&params,
		validation.Field(&params.ThreadID, validation.Required),
		validation.Field(&params.TurnID, validation.Required),
	)
}

func (s *Server) turnCancel(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params turnCancelParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return nil, s.config.Manager.CancelTurn(params.ThreadID, params.TurnID)
}

// --- session selection ---

type sessionResult struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Agent    string `json:"agent"`
}

func selection(session thread.Session) sessionResult {
	agent := session.Agent
	if agent == "" {
		agent = agentdef.DefaultAgent
	}
	return sessionResult{Provider: session.Provider, Model: session.Model, Agent: agent}
}

type modelListParams struct {
	Provider string `json:"provider,omitempty"`
}

type modelInfo struct {
	Provider          string        `json:"provider"`
	ID                string        `json:"id"`
	DisplayName       string        `json:"displayName,omitempty"`
	ContextLength     int           `json:"contextLength"`
	SupportsTools     bool          `json:"supportsTools"`
	ParallelToolCalls bool          `json:"parallelToolCalls"`
	Reasoning         bool          `json:"reasoning"`
	Pricing           usage.Pricing `json:"pricing,omitzero"`
}

type modelListResult struct {
	Models   []modelInfo   `json:"models"`
	Selected sessionResult `json:"selected"`
}

// modelList lists one provider's models, or every provider's. A
// provider whose dynamic listing fails is skipped in the full listing
// and an error when asked for by name.
func (s *Server) modelList(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var params modelListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	providerIDs := []string{params.Provider}
	if params.Provider == "" {
		providerIDs = providerIDs[:0]
		for _, provider := range s.config.Catalog.Providers() {
			providerIDs = append(providerIDs, provider.ID)
		}
	}

	result := modelListResult{Models: []modelInfo{}, Selected: selection(conn.Session())}
	for _, providerID := range providerIDs {
		models, err := s.config.Catalog.Models(ctx, providerID)
		if err != nil {
			if params.Provider != "" {
				return nil, err
			}
			s.logger.Warn("listing models failed", "provider", providerID, "error", err)
			continue
		}
		for _, model := range models {
			result.Models = append(result.Models, describeModel(providerID, model))
		}
	}
	return result, nil
}

func describeModel(providerID string, model catalog.Model) modelInfo {
	return modelInfo{
		Provider:          providerID,
		ID:                model.ID,
		DisplayName:       model.DisplayName,
		ContextLength:     model.ContextWindow(),
		SupportsTools:     model.SupportsTools,
		ParallelToolCalls: model.ParallelToolCalls,
		Reasoning:         model.Reasoning,
		Pricing:           model.Pricing,
	}
}

type modelSetParams struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model"`
}

func (params modelSetParams) Validate() error {
	return validation.ValidateStruct(&params,
		validation.Field(&params.Model, validation.Required),
	)
}

// modelSet selects a model for this connection's later turns. The
// provider defaults to the current one.
func (s *Server) modelSet(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var params modelSetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	providerID := params.Provider
	if providerID == "" {
		providerID = conn.Session().Provider
	}
	if providerID == "" {
		return nil, invalidRequest("provider: cannot be blank.")
	}
	model, err := s.config.Catalog.Resolve(ctx, providerID, params.Model)
	if err != nil {
		return nil, err
	}
	session := conn.setSession(func(session *thread.Session) {
		session.Provider = providerID
		session.Model = model.ID
	})
	return selection(session), nil
}

type agentInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
	Reasoning   bool     `json:"reasoning"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
}

type agentListResult struct {
	Agents   []agentInfo `json:"agents"`
	Selected string      `json:"selected"`
}

func (s *Server) agentList(_ context.Context, conn *Conn, _ json.RawMessage) (any, error) {
	result := agentListResult{Agents: []agentInfo{}, Selected: selection(conn.Session()).Agent}
	for _, agent := range s.config.Agents.List() {
		tools := agent.Tools
		if tools == nil {
			tools = []string{}
		}
		result.Agents = append(result.Agents, agentInfo{
			ID:          agent.ID,
			Description: agent.Description,
			Tools:       tools,
			Reasoning:   agent.Reasoning,
			Provider:    agent.Provider,
			Model:       agent.Model,
		})
	}
	return result, nil
}

type agentSetParams struct {
	Agent string `json:"agent"`
}

func (params agentSetParams) Validate() error {
	return validation.ValidateStruct(&params,
		validation.Field(&params.Agent, validation.Required),
	)
}

func (s *Server) agentSet(_ context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var params agentSetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	agent, err := s.config.Agents.Get(params.Agent)
	if err != nil {
		return nil, err
	}
	session := conn.setSession(func(session *thread.Session) {
		session.Agent = agent.ID
	})
	return selection(session), nil
}
